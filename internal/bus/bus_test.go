package bus

import (
	"encoding/json"
	"testing"
	"time"
)

type fakeAuth struct{}

func (fakeAuth) IsPlayer(roomID, deviceID string) bool { return true }
func (fakeAuth) Verify(roomID, token string) bool      { return true }

func TestBroadcastFrameCarriesRawPayload(t *testing.T) {
	b := New(fakeAuth{}, fakeAuth{}, nil)
	sub, err := b.Subscribe("room1", "device1", "", false)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	payload := map[string]interface{}{"foo": "bar", "count": float64(3)}
	b.BroadcastAll("room1", "TEST_EVENT", payload)

	select {
	case f := <-sub.send:
		if f.event != "TEST_EVENT" {
			t.Fatalf("event = %q, want TEST_EVENT", f.event)
		}
		var got map[string]interface{}
		if err := json.Unmarshal(f.data, &got); err != nil {
			t.Fatalf("unmarshal frame data: %v", err)
		}
		if _, wrapped := got["payload"]; wrapped {
			t.Fatalf("frame data = %s, should not be wrapped in a \"payload\" key", f.data)
		}
		if got["foo"] != "bar" || got["count"] != float64(3) {
			t.Fatalf("frame data = %s, want the raw payload verbatim", f.data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast frame")
	}
}
