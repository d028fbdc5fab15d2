package testutils

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/tidwall/sjson"
)

var (
	eventIDCounter = 0
	eventIDMu      sync.Mutex
)

func generateEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDCounter++
	return fmt.Sprintf("$event_%d", eventIDCounter)
}

// NewStateEvent makes a state event with the given type, state key and
// timestamp. The content can be any JSON-marshallable value.
func NewStateEvent(t *testing.T, evType, stateKey, sender string, ts uint64, content interface{}) json.RawMessage {
	t.Helper()
	ev := []byte(`{}`)
	for field, value := range map[string]interface{}{
		"type":             evType,
		"state_key":        stateKey,
		"sender":           sender,
		"origin_server_ts": ts,
		"content":          content,
		"event_id":         generateEventID(),
	} {
		var err error
		ev, err = sjson.SetBytes(ev, field, value)
		if err != nil {
			t.Fatalf("failed to make event JSON: %s", err)
		}
	}
	return ev
}

// NewEvent makes a timeline event (no state key).
func NewEvent(t *testing.T, evType, sender string, ts uint64, content interface{}) json.RawMessage {
	t.Helper()
	ev := []byte(`{}`)
	for field, value := range map[string]interface{}{
		"type":             evType,
		"sender":           sender,
		"origin_server_ts": ts,
		"content":          content,
		"event_id":         generateEventID(),
	} {
		var err error
		ev, err = sjson.SetBytes(ev, field, value)
		if err != nil {
			t.Fatalf("failed to make event JSON: %s", err)
		}
	}
	return ev
}
