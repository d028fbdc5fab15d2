package list

import (
	"context"
	"sync"

	"github.com/matrix-org/roomlist/internal"
	"github.com/matrix-org/roomlist/pubsub"
)

// StreamAdapter ties a RoomList to its two feeds. It subscribes to exactly
// one coarse and one fine listener at construction and dispatches each
// payload synchronously, in the order its own feed delivers it. The two
// feeds carry no ordering guarantee relative to each other.
type StreamAdapter struct {
	list           *RoomList
	roomsListener  pubsub.Listener
	eventsListener pubsub.Listener

	// mu is held for reading around every dispatch and for writing by
	// Teardown, so Teardown cannot return while a payload is being applied.
	mu     sync.RWMutex
	closed bool
}

// NewStreamAdapter starts consuming both feeds. Any pre-seeded entries in
// the list are fully sorted before the first payload can be delivered.
// Callers must Teardown the adapter when the list is discarded, else both
// subscriptions leak and keep notifying a dead list.
func NewStreamAdapter(list *RoomList, roomsListener, eventsListener pubsub.Listener) *StreamAdapter {
	list.sortInitial()
	sa := &StreamAdapter{
		list:           list,
		roomsListener:  roomsListener,
		eventsListener: eventsListener,
	}
	go func() {
		if err := roomsListener.Listen(pubsub.ChanRooms, sa.onRoomsPayload); err != nil {
			logger.Err(err).Msg("StreamAdapter: rooms feed listener terminated")
		}
	}()
	go func() {
		if err := eventsListener.Listen(pubsub.ChanEvents, sa.onEventsPayload); err != nil {
			logger.Err(err).Msg("StreamAdapter: events feed listener terminated")
		}
	}()
	return sa
}

// Teardown cancels both feed subscriptions. No notifications fire after it
// returns: payloads still buffered on either feed are dropped, not applied,
// so a torn-down list can be discarded safely.
func (sa *StreamAdapter) Teardown() {
	sa.mu.Lock()
	alreadyClosed := sa.closed
	sa.closed = true
	sa.mu.Unlock()
	if alreadyClosed {
		return
	}
	if err := sa.roomsListener.Close(); err != nil {
		logger.Err(err).Msg("StreamAdapter: failed to close rooms feed listener")
	}
	if err := sa.eventsListener.Close(); err != nil {
		logger.Err(err).Msg("StreamAdapter: failed to close events feed listener")
	}
}

func (sa *StreamAdapter) onRoomsPayload(p pubsub.Payload) {
	sa.mu.RLock()
	defer sa.mu.RUnlock()
	if sa.closed {
		return
	}
	switch pl := p.(type) {
	case *pubsub.RoomUpdate:
		sa.list.ApplyRoomUpdate(pl)
	default:
		logger.Warn().Str("type", p.Type()).Msg("StreamAdapter: unhandled payload on rooms feed")
	}
}

func (sa *StreamAdapter) onEventsPayload(p pubsub.Payload) {
	sa.mu.RLock()
	defer sa.mu.RUnlock()
	if sa.closed {
		return
	}
	switch pl := p.(type) {
	case *pubsub.RoomEvent:
		if err := sa.list.ApplyRoomEvent(pl); err != nil {
			logger.Err(err).Str("room", pl.RoomID).Msg("StreamAdapter: failed to apply room event")
			internal.GetSentryHubFromContextOrDefault(context.Background()).CaptureException(err)
		}
	default:
		logger.Warn().Str("type", p.Type()).Msg("StreamAdapter: unhandled payload on events feed")
	}
}
