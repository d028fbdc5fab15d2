package pubsub

import "encoding/json"

// The channel which has coarse room-level updates (membership, unread counts, summary).
const ChanRooms = "roomsch"

// The channel which has fine-grained per-room events (timeline and state).
const ChanEvents = "eventsch"

// Summary is the optional summary delta attached to a RoomUpdate. Each field
// is independently nilable: nil means "no change", never "clear".
type Summary struct {
	Heroes             []string
	JoinedMemberCount  *int
	InvitedMemberCount *int
}

// RoomUpdate is a coarse update for a single room: the user's membership in
// it, unread counts, the pagination token for its history and an optional
// summary delta.
type RoomUpdate struct {
	RoomID            string
	Membership        string
	PrevBatch         string
	HighlightCount    int
	NotificationCount int
	Summary           *Summary
}

func (u RoomUpdate) Type() string { return "r" }

// RoomEvent is a fine-grained update: a single raw event scoped to one room.
// Kind is "timeline" or "state"; other kinds exist upstream but are not
// consumed by the room list.
type RoomEvent struct {
	Kind   string
	RoomID string
	Event  json.RawMessage
}

func (u RoomEvent) Type() string { return "e" }
