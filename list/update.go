package list

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// StateKey derives the key a record is stored under from the event type and
// its sub-key (the event's state_key, which is often empty).
func StateKey(evType, subKey string) string {
	return evType + "|" + subKey
}

// deriveStateRecord pulls the fields we care about out of a raw event. An
// event with no type cannot be keyed and is an error: the caller treats that
// as fatal for this one update, with no retry and no partial application.
func deriveStateRecord(event json.RawMessage) (StateRecord, error) {
	ev := gjson.ParseBytes(event)
	evType := ev.Get("type").Str
	if evType == "" {
		return StateRecord{}, fmt.Errorf("deriveStateRecord: event has no type: %s", string(event))
	}
	return StateRecord{
		Key:       StateKey(evType, ev.Get("state_key").Str),
		Timestamp: ev.Get("origin_server_ts").Uint(),
		Content:   json.RawMessage(ev.Get("content").Raw),
	}, nil
}
