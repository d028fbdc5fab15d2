package sync2

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/matrix-org/roomlist/pubsub"
)

// Poller repeatedly calls the sync v2 endpoint and translates each response
// into coarse room updates and fine-grained room events, published on the
// two independent feeds. One poller per access token.
type Poller struct {
	accessToken string
	deviceID    string
	client      Client
	roomsPub    pubsub.Notifier
	eventsPub   pubsub.Notifier
	// flag set to true when poll() returns due to expired access tokens
	Terminated bool
	logger     zerolog.Logger
}

func NewPoller(accessToken, deviceID string, client Client, roomsPub, eventsPub pubsub.Notifier) *Poller {
	return &Poller{
		accessToken: accessToken,
		deviceID:    deviceID,
		client:      client,
		roomsPub:    roomsPub,
		eventsPub:   eventsPub,
		logger: zerolog.New(os.Stdout).With().Timestamp().Str("device", deviceID).Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
}

// Poll will block forever, repeatedly calling v2 sync. Do this in a goroutine.
// Returns if the access token gets invalidated or the context is cancelled.
// Invokes the callback on first success.
func (p *Poller) Poll(ctx context.Context, since string, callback func()) {
	p.logger.Info().Str("since", since).Msg("v2 poll loop started")
	failCount := 0
	firstTime := true
	for ctx.Err() == nil {
		if failCount > 0 {
			waitTime := time.Duration(math.Pow(2, float64(failCount))) * time.Second
			p.logger.Warn().Str("duration", waitTime.String()).Msg("waiting before next poll")
			select {
			case <-time.After(waitTime):
			case <-ctx.Done():
				return
			}
		}
		resp, statusCode, err := p.client.DoSyncV2(ctx, p.accessToken, since, firstTime)
		if err != nil {
			if statusCode == 401 {
				p.logger.Warn().Msg("access token has been invalidated, terminating loop")
				p.Terminated = true
				return
			}
			p.logger.Warn().Int("code", statusCode).Err(err).Msg("sync v2 poll returned temporary error")
			failCount += 1
			continue
		}
		failCount = 0
		p.publish(resp)
		since = resp.NextBatch

		if firstTime {
			firstTime = false
			callback()
		}
	}
}

// publish translates one sync response into bus payloads. For each room the
// coarse update goes out before that room's events, so the events always
// find an entry to land on. Rooms in the same response carry no ordering
// guarantee relative to each other.
func (p *Poller) publish(res *SyncResponse) {
	numEvents := 0
	for roomID, roomData := range res.Rooms.Join {
		p.notifyRooms(&pubsub.RoomUpdate{
			RoomID:            roomID,
			Membership:        "join",
			PrevBatch:         roomData.Timeline.PrevBatch,
			HighlightCount:    derefCount(roomData.UnreadNotifications.HighlightCount),
			NotificationCount: derefCount(roomData.UnreadNotifications.NotificationCount),
			Summary:           summaryPayload(roomData.Summary),
		})
		numEvents += p.notifyEvents(roomID, "state", roomData.State.Events)
		numEvents += p.notifyEvents(roomID, "timeline", roomData.Timeline.Events)
	}
	for roomID, roomData := range res.Rooms.Invite {
		p.notifyRooms(&pubsub.RoomUpdate{
			RoomID:     roomID,
			Membership: "invite",
		})
		// stripped invite state has no origin_server_ts; the records land with
		// timestamp 0 and are overwritten by real state after the join.
		numEvents += p.notifyEvents(roomID, "state", roomData.InviteState.Events)
	}
	for roomID, roomData := range res.Rooms.Leave {
		p.notifyRooms(&pubsub.RoomUpdate{
			RoomID:     roomID,
			Membership: "leave",
			PrevBatch:  roomData.Timeline.PrevBatch,
		})
	}
	p.logger.Info().
		Int("num_join", len(res.Rooms.Join)).
		Int("num_invite", len(res.Rooms.Invite)).
		Int("num_leave", len(res.Rooms.Leave)).
		Int("num_events", numEvents).
		Msg("published sync data")
}

func (p *Poller) notifyRooms(up *pubsub.RoomUpdate) {
	if err := p.roomsPub.Notify(pubsub.ChanRooms, up); err != nil {
		p.logger.Err(err).Str("room_id", up.RoomID).Msg("failed to publish room update")
	}
}

func (p *Poller) notifyEvents(roomID, kind string, events []json.RawMessage) int {
	for _, ev := range events {
		err := p.eventsPub.Notify(pubsub.ChanEvents, &pubsub.RoomEvent{
			Kind:   kind,
			RoomID: roomID,
			Event:  ev,
		})
		if err != nil {
			p.logger.Err(err).Str("room_id", roomID).Str("kind", kind).Msg("failed to publish room event")
		}
	}
	return len(events)
}

func derefCount(c *int) int {
	if c == nil {
		return 0
	}
	return *c
}

// summaryPayload converts the wire summary into a payload summary, or nil if
// every field was omitted upstream.
func summaryPayload(s RoomSummary) *pubsub.Summary {
	if s.Heroes == nil && s.JoinedMemberCount == nil && s.InvitedMemberCount == nil {
		return nil
	}
	return &pubsub.Summary{
		Heroes:             s.Heroes,
		JoinedMemberCount:  s.JoinedMemberCount,
		InvitedMemberCount: s.InvitedMemberCount,
	}
}
