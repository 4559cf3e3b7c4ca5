package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oms/internal/core"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type captureChannel struct {
	name string

	mu       sync.Mutex
	sent     []Payload
	failures int // fail this many sends before succeeding
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Send(ctx context.Context, p Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("webhook unavailable")
	}
	c.sent = append(c.sent, p)
	return nil
}

func (c *captureChannel) delivered() []Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Payload, len(c.sent))
	copy(out, c.sent)
	return out
}

func waitDelivered(t *testing.T, ch *captureChannel, n int) []Payload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := ch.delivered(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries, got %d", n, len(ch.delivered()))
	return nil
}

func TestManagerFansOutToEveryChannel(t *testing.T) {
	m := NewManager(nopLogger{})
	ch1 := &captureChannel{name: "one"}
	ch2 := &captureChannel{name: "two"}
	m.AddChannel(ch1)
	m.AddChannel(ch2)

	m.Alert(context.Background(), "Account blocked", "risk control blocked account 7",
		Warning, map[string]string{"account_id": "7"})

	got := waitDelivered(t, ch1, 1)
	assert.Equal(t, "Account blocked", got[0].Title)
	assert.Equal(t, Warning, got[0].Level)
	assert.Equal(t, "7", got[0].Fields["account_id"])
	waitDelivered(t, ch2, 1)
}

func TestManagerRetriesTransientDeliveryFailures(t *testing.T) {
	m := NewManager(nopLogger{})
	ch := &captureChannel{name: "flaky", failures: 2}
	m.AddChannel(ch)

	m.Alert(context.Background(), "Command deadlettered", "command 12 failed", Error, nil)

	got := waitDelivered(t, ch, 1)
	require.Len(t, got, 1)
	assert.Equal(t, Error, got[0].Level)
}

func TestNotifierMapsEventTypes(t *testing.T) {
	m := NewManager(nopLogger{})
	ch := &captureChannel{name: "capture"}
	m.AddChannel(ch)
	n := NewNotifier(m, nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan core.Event, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Watch(ctx, events)
	}()

	events <- core.Event{ID: 1, AccountID: 3, Namespace: core.NamespacePosition,
		EventType: "command_failed", Payload: `{"command_id":12}`}
	events <- core.Event{ID: 2, AccountID: 3, Namespace: core.NamespaceRisk,
		EventType: "account_status_changed", Payload: `{"status":"blocked"}`}
	// Routine traffic stays quiet.
	events <- core.Event{ID: 3, AccountID: 3, Namespace: core.NamespacePosition,
		EventType: "order_submitted", Payload: `{}`}
	close(events)
	<-done

	// Delivery goroutines race, so check the set rather than the order.
	got := waitDelivered(t, ch, 2)
	require.Len(t, got, 2)
	levels := map[Level]Payload{got[0].Level: got[0], got[1].Level: got[1]}
	require.Contains(t, levels, Error)
	require.Contains(t, levels, Warning)
	assert.Equal(t, "3", levels[Error].Fields["account_id"])
}
