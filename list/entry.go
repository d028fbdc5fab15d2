package list

import (
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/roomlist/internal"
)

const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

const maxNumHeroNames = 5

// StateRecord is a keyed, timestamped piece of room metadata. Only the newest
// record per key is retained on an entry; ties favour the incoming write.
type StateRecord struct {
	Key       string
	Timestamp uint64
	Content   json.RawMessage
}

// EntryListener is notified when a single room entry is mutated in place.
// The listener is owned by whoever subscribed it; the room list only ever
// invokes it.
type EntryListener interface {
	OnRoomChanged(roomID string)
}

// RoomEntry is a single room in the directory. Entries are created and
// mutated by the RoomList which owns them. Mutable fields are written under
// the entry's own lock (as well as the list's mutation lock), so reads via
// the accessor methods and Snapshot are safe from any goroutine; reading the
// exported fields directly is only safe when no updates are being applied,
// e.g. from within a listener callback.
type RoomEntry struct {
	RoomID             string
	Membership         string
	PrevBatch          string
	HighlightCount     int
	NotificationCount  int
	Heroes             []string
	JoinedMemberCount  int
	InvitedMemberCount int

	mu           *sync.RWMutex
	state        map[string]StateRecord
	lastActivity uint64

	listeners   map[int]EntryListener
	listenersMu *sync.RWMutex
	nextID      int
}

func newRoomEntry(roomID string) *RoomEntry {
	return &RoomEntry{
		RoomID:      roomID,
		mu:          &sync.RWMutex{},
		state:       make(map[string]StateRecord),
		listeners:   make(map[int]EntryListener),
		listenersMu: &sync.RWMutex{},
	}
}

// Subscribe registers a listener for in-place changes to this entry.
// Returns an id for use with Unsubscribe.
func (e *RoomEntry) Subscribe(l EntryListener) (id int) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	id = e.nextID
	e.nextID++
	e.listeners[id] = l
	return
}

func (e *RoomEntry) Unsubscribe(id int) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	delete(e.listeners, id)
}

func (e *RoomEntry) notifyChanged() {
	e.listenersMu.RLock()
	defer e.listenersMu.RUnlock()
	for _, l := range e.listeners {
		l.OnRoomChanged(e.RoomID)
	}
}

// State returns the stored record for this key, if any.
func (e *RoomEntry) State(key string) (StateRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.state[key]
	return rec, ok
}

// applyState merges the record into the entry's state map. The record is
// dropped only if an existing record for the same key has a strictly greater
// timestamp: equal timestamps favour the incoming write. Returns true if the
// record was stored.
func (e *RoomEntry) applyState(rec StateRecord) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok := e.state[rec.Key]
	if ok && existing.Timestamp > rec.Timestamp {
		return false
	}
	e.state[rec.Key] = rec
	return true
}

// LastActivity is the timestamp used for recency ordering.
func (e *RoomEntry) LastActivity() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastActivity
}

func (e *RoomEntry) bumpActivity(ts uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts > e.lastActivity {
		e.lastActivity = ts
	}
}

// CanonicalAlias returns the alias advertised by the room's canonical alias
// state record, or "" if there is none.
func (e *RoomEntry) CanonicalAlias() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.canonicalAliasLocked()
}

func (e *RoomEntry) canonicalAliasLocked() string {
	rec, ok := e.state[StateKey("m.room.canonical_alias", "")]
	if !ok {
		return ""
	}
	return gjson.GetBytes(rec.Content, "alias").Str
}

// DisplayName works out a human-readable name for this room from its name
// state record, canonical alias or heroes, in that order.
func (e *RoomEntry) DisplayName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.displayNameLocked()
}

func (e *RoomEntry) displayNameLocked() string {
	var name string
	if rec, ok := e.state[StateKey("m.room.name", "")]; ok {
		name = gjson.GetBytes(rec.Content, "name").Str
	}
	return internal.CalculateRoomName(
		name, e.canonicalAliasLocked(), e.Heroes,
		e.JoinedMemberCount, e.InvitedMemberCount, maxNumHeroNames,
	)
}

// Snapshot is an immutable copy of one entry, safe to hold and read after
// the entry itself has moved on.
type Snapshot struct {
	RoomID             string
	Name               string
	CanonicalAlias     string
	Membership         string
	PrevBatch          string
	HighlightCount     int
	NotificationCount  int
	Heroes             []string
	JoinedMemberCount  int
	InvitedMemberCount int
	LastActivity       uint64
}

func (e *RoomEntry) snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		RoomID:             e.RoomID,
		Name:               e.displayNameLocked(),
		CanonicalAlias:     e.canonicalAliasLocked(),
		Membership:         e.Membership,
		PrevBatch:          e.PrevBatch,
		HighlightCount:     e.HighlightCount,
		NotificationCount:  e.NotificationCount,
		Heroes:             append([]string(nil), e.Heroes...),
		JoinedMemberCount:  e.JoinedMemberCount,
		InvitedMemberCount: e.InvitedMemberCount,
		LastActivity:       e.lastActivity,
	}
}
