package list

import (
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/matrix-org/roomlist/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Config is the construction-time configuration for a RoomList.
// OnlyDirect and OnlyGroups are accepted but not yet consulted by the
// filter; there are no agreed semantics for them upstream.
type Config struct {
	OnlyLeft   bool
	OnlyDirect bool
	OnlyGroups bool
}

// ListListener receives list-level notifications. OnListChanged fires after
// every processed update, whether or not anything observable changed;
// insert/remove notifications carry the index the structural change happened
// at, and fire before the resort which concludes the update.
type ListListener interface {
	OnListChanged()
	OnEntryInserted(index int)
	OnEntryRemoved(index int)
}

// RoomList incrementally maintains an ordered, filtered view of a user's
// rooms from coarse room updates and fine-grained room events. Updates are
// applied atomically: locate, modify, resort and notify happen under one
// lock, so observers never see a stale order between mutations.
type RoomList struct {
	cfg Config
	dir *Directory
	mu  *sync.Mutex

	listeners   map[int]ListListener
	listenersMu *sync.RWMutex
	nextID      int
}

func NewRoomList(cfg Config, seed []*RoomEntry) *RoomList {
	return &RoomList{
		cfg:         cfg,
		dir:         NewDirectory(seed),
		mu:          &sync.Mutex{},
		listeners:   make(map[int]ListListener),
		listenersMu: &sync.RWMutex{},
	}
}

// Subscribe registers a list-level listener. Returns an id for use with
// Unsubscribe.
func (l *RoomList) Subscribe(ll ListListener) (id int) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	id = l.nextID
	l.nextID++
	l.listeners[id] = ll
	return
}

func (l *RoomList) Unsubscribe(id int) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	delete(l.listeners, id)
}

// ApplyRoomUpdate processes one coarse update. Exactly one of four things
// happens before the unconditional resort and list-changed notification:
//   - the room is absent and wanted: a new entry is made and inserted, at
//     index 0 for invites else at the append position, and an insert
//     notification fires with that index.
//   - the room is present and no longer wanted: the entry is removed and a
//     remove notification fires with its old index.
//   - the room is present, still wanted and an unread count changed: both
//     counts are overwritten, any present summary fields are merged in and
//     the entry's own listeners are told.
//   - nothing structural or count related changed: no-op.
func (l *RoomList) ApplyRoomUpdate(up *pubsub.RoomUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index, found := l.dir.IndexOf(up.RoomID)
	isLeftRoom := up.Membership == MembershipLeave
	// a left-rooms list wants exactly the left rooms; every other list wants the rest
	wanted := l.cfg.OnlyLeft == isLeftRoom

	switch {
	case !found && wanted:
		entry := newRoomEntryFromUpdate(up)
		insertIndex := index // the failed scan index is the append position
		if up.Membership == MembershipInvite {
			insertIndex = 0
		}
		l.dir.Insert(insertIndex, entry)
		l.notifyInserted(insertIndex)
	case found && !wanted:
		l.dir.RemoveAt(index)
		l.notifyRemoved(index)
	case found && wanted &&
		(l.dir.At(index).NotificationCount != up.NotificationCount ||
			l.dir.At(index).HighlightCount != up.HighlightCount):
		entry := l.dir.At(index)
		entry.mu.Lock()
		entry.NotificationCount = up.NotificationCount
		entry.HighlightCount = up.HighlightCount
		mergeSummary(entry, up.Summary)
		entry.mu.Unlock()
		entry.notifyChanged()
	default:
		// nothing to do, but the resort and notification below still happen
	}

	l.dir.Sort()
	l.notifyListChanged()
}

// ApplyRoomEvent processes one fine-grained update. Events which are neither
// timeline nor state, and events for rooms not in the directory, are dropped
// silently. An event whose content cannot yield a state record is a fatal
// error for that single update. A stale record (strictly older than the
// stored one for its key) is not applied, but the resort and list-changed
// notification fire regardless, matching the no-op branch of
// ApplyRoomUpdate.
func (l *RoomList) ApplyRoomEvent(ev *pubsub.RoomEvent) error {
	if ev.Kind != "timeline" && ev.Kind != "state" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	index, found := l.dir.IndexOf(ev.RoomID)
	if !found {
		logger.Trace().Str("room", ev.RoomID).Str("kind", ev.Kind).Msg("dropping event for unknown room")
		return nil
	}
	rec, err := deriveStateRecord(ev.Event)
	if err != nil {
		return err
	}
	entry := l.dir.At(index)
	if entry.applyState(rec) {
		entry.bumpActivity(rec.Timestamp)
		entry.notifyChanged()
	}

	l.dir.Sort()
	l.notifyListChanged()
	return nil
}

// FindByID scans for the entry with this room ID. Absence is not an error.
func (l *RoomList) FindByID(roomID string) (*RoomEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	index, found := l.dir.IndexOf(roomID)
	if !found {
		return nil, false
	}
	return l.dir.At(index), true
}

// FindByAlias scans for the first entry whose canonical alias matches.
func (l *RoomList) FindByAlias(alias string) (*RoomEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.dir.Entries() {
		if entry.CanonicalAlias() == alias {
			return entry, true
		}
	}
	return nil, false
}

// Entries returns the directory's entries in their current order. The slice
// is a copy; the entries are shared and must only be read.
func (l *RoomList) Entries() []*RoomEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dir.Entries()
}

// Snapshots copies every entry into its immutable wire form, in the current
// order, while holding the mutation lock. This is the read path for anything
// outside the update goroutine, e.g. HTTP handlers.
func (l *RoomList) Snapshots() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.dir.Entries()
	snaps := make([]Snapshot, len(entries))
	for i := range entries {
		snaps[i] = entries[i].snapshot()
	}
	return snaps
}

// SnapshotByID is Snapshots for a single entry, looked up by room ID.
func (l *RoomList) SnapshotByID(roomID string) (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	index, found := l.dir.IndexOf(roomID)
	if !found {
		return Snapshot{}, false
	}
	return l.dir.At(index).snapshot(), true
}

// SnapshotByAlias is Snapshots for the first entry whose canonical alias
// matches.
func (l *RoomList) SnapshotByAlias(alias string) (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.dir.Entries() {
		if entry.CanonicalAlias() == alias {
			return entry.snapshot(), true
		}
	}
	return Snapshot{}, false
}

func (l *RoomList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dir.Len()
}

// sortInitial is called once by the stream adapter before any feed payload
// is delivered, so a pre-seeded directory is never observably unsorted.
func (l *RoomList) sortInitial() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dir.Sort()
}

func newRoomEntryFromUpdate(up *pubsub.RoomUpdate) *RoomEntry {
	entry := newRoomEntry(up.RoomID)
	entry.Membership = up.Membership
	entry.PrevBatch = up.PrevBatch
	entry.HighlightCount = up.HighlightCount
	entry.NotificationCount = up.NotificationCount
	mergeSummary(entry, up.Summary)
	return entry
}

// mergeSummary folds any present summary fields into the entry. A nil field
// means "no change", never "clear".
func mergeSummary(entry *RoomEntry, summary *pubsub.Summary) {
	if summary == nil {
		return
	}
	if summary.Heroes != nil {
		entry.Heroes = summary.Heroes
	}
	if summary.JoinedMemberCount != nil {
		entry.JoinedMemberCount = *summary.JoinedMemberCount
	}
	if summary.InvitedMemberCount != nil {
		entry.InvitedMemberCount = *summary.InvitedMemberCount
	}
}

func (l *RoomList) notifyListChanged() {
	l.listenersMu.RLock()
	defer l.listenersMu.RUnlock()
	for _, ll := range l.listeners {
		ll.OnListChanged()
	}
}

func (l *RoomList) notifyInserted(index int) {
	l.listenersMu.RLock()
	defer l.listenersMu.RUnlock()
	for _, ll := range l.listeners {
		ll.OnEntryInserted(index)
	}
}

func (l *RoomList) notifyRemoved(index int) {
	l.listenersMu.RLock()
	defer l.listenersMu.RUnlock()
	for _, ll := range l.listeners {
		ll.OnEntryRemoved(index)
	}
}
