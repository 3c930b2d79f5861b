package timestamp

import (
	"testing"
	"time"

	bayeux "github.com/sigmavirus24/gobayeux/v3"
)

func TestOutgoing(t *testing.T) {
	e := New()
	e.now = func() time.Time {
		return time.Date(2026, time.October, 18, 12, 30, 0, 0, time.FixedZone("CEST", 2*60*60))
	}

	for _, channel := range []bayeux.Channel{bayeux.MetaHandshake, "/foo/bar", "/service/echo"} {
		m := &bayeux.Message{Channel: channel}
		if !e.Outgoing(m) {
			t.Fatalf("expected the message on %s to be kept", channel)
		}
		if want := "Sun, 18 Oct 2026 10:30:00 GMT"; m.Timestamp != want {
			t.Errorf("expected timestamp %q on %s, got %q", want, channel, m.Timestamp)
		}
	}
}

func TestIncomingUntouched(t *testing.T) {
	m := &bayeux.Message{Channel: "/foo", Timestamp: "server time"}
	if !New().Incoming(m) || m.Timestamp != "server time" {
		t.Error("expected incoming messages to be left untouched")
	}
}
