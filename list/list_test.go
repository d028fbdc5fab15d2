package list

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/matrix-org/roomlist/pubsub"
	"github.com/matrix-org/roomlist/testutils"
)

type listRecorder struct {
	changed  int
	inserted []int
	removed  []int
}

func (r *listRecorder) OnListChanged()            { r.changed++ }
func (r *listRecorder) OnEntryInserted(index int) { r.inserted = append(r.inserted, index) }
func (r *listRecorder) OnEntryRemoved(index int)  { r.removed = append(r.removed, index) }

type entryRecorder struct {
	changes []string
}

func (r *entryRecorder) OnRoomChanged(roomID string) { r.changes = append(r.changes, roomID) }

func joinUpdate(roomID string) *pubsub.RoomUpdate {
	return &pubsub.RoomUpdate{
		RoomID:     roomID,
		Membership: MembershipJoin,
	}
}

func TestJoinInsertsDistinctRooms(t *testing.T) {
	l := NewRoomList(Config{}, nil)
	rec := &listRecorder{}
	l.Subscribe(rec)
	const n = 10
	for i := 0; i < n; i++ {
		l.ApplyRoomUpdate(joinUpdate(fmt.Sprintf("!%d:localhost", i)))
	}
	if l.Len() != n {
		t.Fatalf("got %d entries, want %d", l.Len(), n)
	}
	for i := 0; i < n; i++ {
		roomID := fmt.Sprintf("!%d:localhost", i)
		entry, found := l.FindByID(roomID)
		if !found {
			t.Fatalf("FindByID(%s): not found", roomID)
		}
		if entry.RoomID != roomID {
			t.Errorf("FindByID(%s): got entry for %s", roomID, entry.RoomID)
		}
	}
	// re-applying the same updates must not duplicate entries
	for i := 0; i < n; i++ {
		l.ApplyRoomUpdate(joinUpdate(fmt.Sprintf("!%d:localhost", i)))
	}
	if l.Len() != n {
		t.Fatalf("after duplicate updates: got %d entries, want %d", l.Len(), n)
	}
	// one list-changed per processed update, insert or not
	if rec.changed != 2*n {
		t.Errorf("got %d list-changed notifications, want %d", rec.changed, 2*n)
	}
	if len(rec.inserted) != n {
		t.Errorf("got %d insert notifications, want %d", len(rec.inserted), n)
	}
}

func TestInviteInsertsAtIndexZero(t *testing.T) {
	l := NewRoomList(Config{}, nil)
	l.ApplyRoomUpdate(joinUpdate("!a:localhost"))
	rec := &listRecorder{}
	l.Subscribe(rec)
	l.ApplyRoomUpdate(&pubsub.RoomUpdate{
		RoomID:     "!b:localhost",
		Membership: MembershipInvite,
	})
	if !reflect.DeepEqual(rec.inserted, []int{0}) {
		t.Fatalf("got insert notifications %v, want [0]", rec.inserted)
	}
	// neither room has any activity, so the stable resort keeps the invite first
	entries := l.Entries()
	if entries[0].RoomID != "!b:localhost" || entries[1].RoomID != "!a:localhost" {
		t.Errorf("got order %s,%s want !b,!a", entries[0].RoomID, entries[1].RoomID)
	}
}

func TestLeaveRemovesFromDefaultList(t *testing.T) {
	l := NewRoomList(Config{}, nil)
	l.ApplyRoomUpdate(joinUpdate("!a:localhost"))
	rec := &listRecorder{}
	l.Subscribe(rec)
	l.ApplyRoomUpdate(&pubsub.RoomUpdate{
		RoomID:     "!a:localhost",
		Membership: MembershipLeave,
	})
	if l.Len() != 0 {
		t.Fatalf("got %d entries, want 0", l.Len())
	}
	if !reflect.DeepEqual(rec.removed, []int{0}) {
		t.Errorf("got remove notifications %v, want [0]", rec.removed)
	}
	if rec.changed != 1 {
		t.Errorf("got %d list-changed notifications, want 1", rec.changed)
	}
}

func TestOnlyLeftListWantsOnlyLeftRooms(t *testing.T) {
	l := NewRoomList(Config{OnlyLeft: true}, nil)
	// joined rooms don't qualify
	l.ApplyRoomUpdate(joinUpdate("!a:localhost"))
	if l.Len() != 0 {
		t.Fatalf("join inserted into only-left list")
	}
	// left rooms do
	l.ApplyRoomUpdate(&pubsub.RoomUpdate{
		RoomID:     "!b:localhost",
		Membership: MembershipLeave,
	})
	if l.Len() != 1 {
		t.Fatalf("leave did not insert into only-left list")
	}
	// re-joining disqualifies the entry
	rec := &listRecorder{}
	l.Subscribe(rec)
	l.ApplyRoomUpdate(joinUpdate("!b:localhost"))
	if l.Len() != 0 {
		t.Fatalf("join did not remove from only-left list")
	}
	if !reflect.DeepEqual(rec.removed, []int{0}) {
		t.Errorf("got remove notifications %v, want [0]", rec.removed)
	}
}

func TestCountChangeMergesSummaryAndNotifiesEntry(t *testing.T) {
	l := NewRoomList(Config{}, nil)
	joined := 5
	l.ApplyRoomUpdate(&pubsub.RoomUpdate{
		RoomID:     "!a:localhost",
		Membership: MembershipJoin,
		Summary: &pubsub.Summary{
			Heroes:            []string{"@alice:localhost"},
			JoinedMemberCount: &joined,
		},
	})
	entry, _ := l.FindByID("!a:localhost")
	erec := &entryRecorder{}
	entry.Subscribe(erec)

	// count changed: counts overwritten, present summary fields merged in
	newJoined := 6
	l.ApplyRoomUpdate(&pubsub.RoomUpdate{
		RoomID:            "!a:localhost",
		Membership:        MembershipJoin,
		NotificationCount: 3,
		HighlightCount:    1,
		Summary: &pubsub.Summary{
			JoinedMemberCount: &newJoined,
		},
	})
	if entry.NotificationCount != 3 || entry.HighlightCount != 1 {
		t.Errorf("counts not overwritten: notif=%d highlight=%d", entry.NotificationCount, entry.HighlightCount)
	}
	if entry.JoinedMemberCount != 6 {
		t.Errorf("joined count not merged: got %d want 6", entry.JoinedMemberCount)
	}
	// absent summary fields stay untouched
	if !reflect.DeepEqual(entry.Heroes, []string{"@alice:localhost"}) {
		t.Errorf("heroes were clobbered: %v", entry.Heroes)
	}
	if len(erec.changes) != 1 {
		t.Errorf("got %d entry change notifications, want 1", len(erec.changes))
	}
}

func TestUnchangedCountsAreANoOpButStillNotify(t *testing.T) {
	l := NewRoomList(Config{}, nil)
	l.ApplyRoomUpdate(joinUpdate("!a:localhost"))
	entry, _ := l.FindByID("!a:localhost")
	erec := &entryRecorder{}
	entry.Subscribe(erec)
	rec := &listRecorder{}
	l.Subscribe(rec)

	joined := 10
	l.ApplyRoomUpdate(&pubsub.RoomUpdate{
		RoomID:     "!a:localhost",
		Membership: MembershipJoin,
		Summary: &pubsub.Summary{
			JoinedMemberCount: &joined,
		},
	})
	// same counts: no entry notification, no summary merge...
	if len(erec.changes) != 0 {
		t.Errorf("entry notified on no-op update")
	}
	if entry.JoinedMemberCount != 0 {
		t.Errorf("summary merged on no-op update: got joined=%d", entry.JoinedMemberCount)
	}
	// ...but the list-level notification fires regardless
	if rec.changed != 1 {
		t.Errorf("got %d list-changed notifications, want 1", rec.changed)
	}
}

func TestStateRecordStaleness(t *testing.T) {
	newList := func(t *testing.T) (*RoomList, *RoomEntry, *entryRecorder) {
		l := NewRoomList(Config{}, nil)
		l.ApplyRoomUpdate(joinUpdate("!a:localhost"))
		entry, _ := l.FindByID("!a:localhost")
		erec := &entryRecorder{}
		entry.Subscribe(erec)
		return l, entry, erec
	}
	topicAt := func(t *testing.T, ts uint64, topic string) *pubsub.RoomEvent {
		return &pubsub.RoomEvent{
			Kind:   "state",
			RoomID: "!a:localhost",
			Event:  testutils.NewStateEvent(t, "m.room.topic", "", "@alice:localhost", ts, map[string]interface{}{"topic": topic}),
		}
	}
	assertTopic := func(t *testing.T, entry *RoomEntry, wantTS uint64) {
		t.Helper()
		rec, ok := entry.State(StateKey("m.room.topic", ""))
		if !ok {
			t.Fatalf("no topic state record")
		}
		if rec.Timestamp != wantTS {
			t.Fatalf("topic record has ts %d, want %d", rec.Timestamp, wantTS)
		}
	}

	t.Run("newer then older keeps newer", func(t *testing.T) {
		l, entry, erec := newList(t)
		rec := &listRecorder{}
		l.Subscribe(rec)
		if err := l.ApplyRoomEvent(topicAt(t, 5, "five")); err != nil {
			t.Fatal(err)
		}
		if err := l.ApplyRoomEvent(topicAt(t, 3, "three")); err != nil {
			t.Fatal(err)
		}
		assertTopic(t, entry, 5)
		// the stale write was skipped so only the first apply changed the entry
		if len(erec.changes) != 1 {
			t.Errorf("got %d entry change notifications, want 1", len(erec.changes))
		}
		// but every processed update notifies the list
		if rec.changed != 2 {
			t.Errorf("got %d list-changed notifications, want 2", rec.changed)
		}
	})
	t.Run("older then newer keeps newer", func(t *testing.T) {
		l, entry, erec := newList(t)
		if err := l.ApplyRoomEvent(topicAt(t, 3, "three")); err != nil {
			t.Fatal(err)
		}
		if err := l.ApplyRoomEvent(topicAt(t, 5, "five")); err != nil {
			t.Fatal(err)
		}
		assertTopic(t, entry, 5)
		if len(erec.changes) != 2 {
			t.Errorf("got %d entry change notifications, want 2", len(erec.changes))
		}
	})
	t.Run("equal timestamps favour the incoming write", func(t *testing.T) {
		l, entry, _ := newList(t)
		if err := l.ApplyRoomEvent(topicAt(t, 5, "first")); err != nil {
			t.Fatal(err)
		}
		if err := l.ApplyRoomEvent(topicAt(t, 5, "second")); err != nil {
			t.Fatal(err)
		}
		rec, _ := entry.State(StateKey("m.room.topic", ""))
		if got := string(rec.Content); got != `{"topic":"second"}` {
			t.Errorf("got content %s, want the later write", got)
		}
	})
}

func TestEventForUnknownRoomIsDropped(t *testing.T) {
	l := NewRoomList(Config{}, nil)
	l.ApplyRoomUpdate(joinUpdate("!a:localhost"))
	rec := &listRecorder{}
	l.Subscribe(rec)
	err := l.ApplyRoomEvent(&pubsub.RoomEvent{
		Kind:   "state",
		RoomID: "!unknown:localhost",
		Event:  testutils.NewStateEvent(t, "m.room.topic", "", "@alice:localhost", 5, map[string]interface{}{"topic": "t"}),
	})
	if err != nil {
		t.Fatalf("unknown room must not be an error: %s", err)
	}
	if l.Len() != 1 {
		t.Errorf("directory changed")
	}
	if rec.changed != 0 {
		t.Errorf("got %d list-changed notifications for a dropped event, want 0", rec.changed)
	}
}

func TestEventKindsOtherThanTimelineAndStateAreIgnored(t *testing.T) {
	l := NewRoomList(Config{}, nil)
	l.ApplyRoomUpdate(joinUpdate("!a:localhost"))
	rec := &listRecorder{}
	l.Subscribe(rec)
	err := l.ApplyRoomEvent(&pubsub.RoomEvent{
		Kind:   "ephemeral",
		RoomID: "!a:localhost",
		Event:  testutils.NewEvent(t, "m.typing", "@alice:localhost", 5, map[string]interface{}{}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.changed != 0 {
		t.Errorf("ignored kind still notified the list")
	}
}

func TestEventWithNoTypeIsFatalForThatUpdate(t *testing.T) {
	l := NewRoomList(Config{}, nil)
	l.ApplyRoomUpdate(joinUpdate("!a:localhost"))
	err := l.ApplyRoomEvent(&pubsub.RoomEvent{
		Kind:   "timeline",
		RoomID: "!a:localhost",
		Event:  []byte(`{"content":{}}`),
	})
	if err == nil {
		t.Fatal("want error for event with no type")
	}
	// the failed update applied nothing
	entry, _ := l.FindByID("!a:localhost")
	if entry.LastActivity() != 0 {
		t.Errorf("failed update bumped activity")
	}
}

func TestDirectoryIsSortedByRecencyAfterEveryMutation(t *testing.T) {
	l := NewRoomList(Config{}, nil)
	for _, roomID := range []string{"!a:localhost", "!b:localhost", "!c:localhost"} {
		l.ApplyRoomUpdate(joinUpdate(roomID))
	}
	message := func(roomID string, ts uint64) *pubsub.RoomEvent {
		return &pubsub.RoomEvent{
			Kind:   "timeline",
			RoomID: roomID,
			Event:  testutils.NewEvent(t, "m.room.message", "@alice:localhost", ts, map[string]interface{}{"body": "hi"}),
		}
	}
	for _, ev := range []*pubsub.RoomEvent{
		message("!a:localhost", 100),
		message("!c:localhost", 300),
		message("!b:localhost", 200),
	} {
		if err := l.ApplyRoomEvent(ev); err != nil {
			t.Fatal(err)
		}
		assertSorted(t, l)
	}
	var gotOrder []string
	for _, e := range l.Entries() {
		gotOrder = append(gotOrder, e.RoomID)
	}
	wantOrder := []string{"!c:localhost", "!b:localhost", "!a:localhost"}
	if !reflect.DeepEqual(gotOrder, wantOrder) {
		t.Errorf("got order %v want %v", gotOrder, wantOrder)
	}
}

func assertSorted(t *testing.T, l *RoomList) {
	t.Helper()
	entries := l.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i-1].LastActivity() < entries[i].LastActivity() {
			t.Fatalf("directory not sorted by descending recency at index %d", i)
		}
	}
}

func TestFindByAlias(t *testing.T) {
	l := NewRoomList(Config{}, nil)
	l.ApplyRoomUpdate(joinUpdate("!a:localhost"))
	l.ApplyRoomUpdate(joinUpdate("!b:localhost"))
	err := l.ApplyRoomEvent(&pubsub.RoomEvent{
		Kind:   "state",
		RoomID: "!b:localhost",
		Event: testutils.NewStateEvent(t, "m.room.canonical_alias", "", "@alice:localhost", 5, map[string]interface{}{
			"alias": "#general:localhost",
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	entry, found := l.FindByAlias("#general:localhost")
	if !found {
		t.Fatal("FindByAlias: not found")
	}
	if entry.RoomID != "!b:localhost" {
		t.Errorf("FindByAlias: got %s want !b:localhost", entry.RoomID)
	}
	if _, found := l.FindByAlias("#missing:localhost"); found {
		t.Errorf("FindByAlias returned an entry for an unknown alias")
	}
}

func TestSnapshotsCopyEntries(t *testing.T) {
	l := NewRoomList(Config{}, nil)
	l.ApplyRoomUpdate(&pubsub.RoomUpdate{
		RoomID:            "!a:localhost",
		Membership:        MembershipJoin,
		PrevBatch:         "pb",
		NotificationCount: 3,
	})
	err := l.ApplyRoomEvent(&pubsub.RoomEvent{
		Kind:   "state",
		RoomID: "!a:localhost",
		Event: testutils.NewStateEvent(t, "m.room.canonical_alias", "", "@alice:localhost", 10, map[string]interface{}{
			"alias": "#general:localhost",
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	snaps := l.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	s := snaps[0]
	if s.RoomID != "!a:localhost" || s.Membership != MembershipJoin || s.PrevBatch != "pb" ||
		s.NotificationCount != 3 || s.CanonicalAlias != "#general:localhost" || s.LastActivity != 10 {
		t.Errorf("snapshot fields wrong: %+v", s)
	}
	// no name record, so the alias doubles as the display name
	if s.Name != "#general:localhost" {
		t.Errorf("got snapshot name %q, want the alias", s.Name)
	}
	byID, found := l.SnapshotByID("!a:localhost")
	if !found || !reflect.DeepEqual(byID, s) {
		t.Errorf("SnapshotByID mismatch: %+v vs %+v", byID, s)
	}
	byAlias, found := l.SnapshotByAlias("#general:localhost")
	if !found || byAlias.RoomID != "!a:localhost" {
		t.Errorf("SnapshotByAlias mismatch: %+v", byAlias)
	}
	if _, found := l.SnapshotByID("!missing:localhost"); found {
		t.Errorf("SnapshotByID returned a snapshot for an unknown room")
	}
	if _, found := l.SnapshotByAlias("#missing:localhost"); found {
		t.Errorf("SnapshotByAlias returned a snapshot for an unknown alias")
	}
}

// Snapshot reads race against the update goroutine in production, so this is
// first and foremost a race detector target: it must stay clean under -race.
func TestSnapshotsDuringConcurrentMutation(t *testing.T) {
	l := NewRoomList(Config{}, nil)
	l.ApplyRoomUpdate(joinUpdate("!a:localhost"))

	const n = 200
	events := make([]*pubsub.RoomEvent, n)
	for i := range events {
		events[i] = &pubsub.RoomEvent{
			Kind:   "state",
			RoomID: "!a:localhost",
			Event: testutils.NewStateEvent(t, "m.room.name", "", "@alice:localhost", uint64(i+1), map[string]interface{}{
				"name": fmt.Sprintf("name %d", i),
			}),
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, ev := range events {
			if err := l.ApplyRoomEvent(ev); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	for i := 0; i < n; i++ {
		for _, s := range l.Snapshots() {
			if s.RoomID == "" {
				t.Fatal("snapshot with empty room ID")
			}
		}
		if _, found := l.SnapshotByID("!a:localhost"); !found {
			t.Fatal("room vanished mid-run")
		}
		l.SnapshotByAlias("#missing:localhost")
	}
	wg.Wait()

	s, found := l.SnapshotByID("!a:localhost")
	if !found || s.Name != fmt.Sprintf("name %d", n-1) || s.LastActivity != n {
		t.Errorf("final snapshot wrong: %+v", s)
	}
}
