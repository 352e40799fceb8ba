package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"collab/cmd/internal/bus"
	"collab/cmd/internal/metrics"
	v1 "collab/shared/contracts/collab/v1"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestRelay(transport bus.Transport, instanceID string) *Relay {
	return NewRelay(newTestLogger(), transport, RelayConfig{
		InstanceID: instanceID,
		BackoffMin: 5 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
	})
}

func runRelay(t *testing.T, r *Relay, handler func(EditEvent)) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, handler) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("Run did not return after cancel")
		}
	})
	return cancel
}

func TestRelay_CrossInstanceDelivery(t *testing.T) {
	t.Parallel()

	transport := bus.NewMemoryTransport()
	log := newTestLogger()

	relayA := newTestRelay(transport, "inst-a")
	relayB := newTestRelay(transport, "inst-b")
	gwA := NewGateway(log, NewRegistry(log), NewRateLimiter(), relayA, GatewayConfig{InstanceID: "inst-a"})
	gwB := NewGateway(log, NewRegistry(log), NewRateLimiter(), relayB, GatewayConfig{InstanceID: "inst-b"})

	runRelay(t, relayA, gwA.DeliverRemote)
	runRelay(t, relayB, gwB.DeliverRemote)
	waitFor(t, "both relays subscribed", func() bool { return relayA.Connected() && relayB.Connected() })

	a, a2, b := gwA.Connect(), gwA.Connect(), gwB.Connect()
	joinRoom(t, gwA, a, "doc1")
	joinRoom(t, gwA, a2, "doc1")
	joinRoom(t, gwB, b, "doc1")

	if err := gwA.Edit(context.Background(), a, "doc1", "hello"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	remote := decodeAs[v1.NoteUpdatedPayload](t, nextOfType(t, b, v1.TypeNoteUpdated))
	if remote.Content != "hello" || remote.OriginID != a.ID || remote.RoomKey != "doc1" {
		t.Fatalf("remote note_updated=%+v", remote)
	}

	local := decodeAs[v1.NoteUpdatedPayload](t, nextOfType(t, a2, v1.TypeNoteUpdated))
	if local.Content != "hello" {
		t.Fatalf("local note_updated=%+v", local)
	}

	// The bus copy of our own edit must not be delivered a second time.
	time.Sleep(50 * time.Millisecond)
	if n := drain(a2, v1.TypeNoteUpdated); n != 0 {
		t.Fatalf("local member received %d duplicate updates", n)
	}
	if n := drain(a, v1.TypeNoteUpdated); n != 0 {
		t.Fatalf("origin received its own edit")
	}
}

// Not parallel: it reads a process-wide counter.
func TestRelay_ReconnectCounterSkipsFirstSubscribe(t *testing.T) {
	transport := bus.NewMemoryTransport()
	r := newTestRelay(transport, "inst-a")

	before := testutil.ToFloat64(metrics.BusReconnects)
	runRelay(t, r, func(EditEvent) {})
	waitFor(t, "subscribed", r.Connected)
	time.Sleep(30 * time.Millisecond)

	if got := testutil.ToFloat64(metrics.BusReconnects) - before; got != 0 {
		t.Fatalf("reconnects after first subscribe=%v want=0", got)
	}

	transport.SetDown(true)
	waitFor(t, "disconnected", func() bool { return !r.Connected() })
	transport.SetDown(false)
	waitFor(t, "resubscribed", r.Connected)

	if got := testutil.ToFloat64(metrics.BusReconnects) - before; got < 1 {
		t.Fatalf("reconnects after outage=%v want>=1", got)
	}
}

func TestRelay_ReconnectsAfterOutage(t *testing.T) {
	t.Parallel()

	transport := bus.NewMemoryTransport()
	r := newTestRelay(transport, "inst-a")

	var (
		mu   sync.Mutex
		seen []EditEvent
	)
	runRelay(t, r, func(evt EditEvent) {
		mu.Lock()
		seen = append(seen, evt)
		mu.Unlock()
	})
	waitFor(t, "subscribed", r.Connected)

	transport.SetDown(true)
	waitFor(t, "disconnected", func() bool { return !r.Connected() })

	err := r.Publish(context.Background(), EditEvent{RoomKey: "doc1", Content: "x"})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Publish while down err=%v, want ErrTransport", err)
	}

	transport.SetDown(false)
	waitFor(t, "resubscribed", r.Connected)

	payload, _ := json.Marshal(v1.BusMessage{RoomKey: "doc1", Content: "back", OriginID: "c9", InstanceID: "inst-b"})
	if err := transport.Publish(context.Background(), v1.DefaultBusChannel, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "message after reconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if seen[0].Content != "back" || seen[0].InstanceID != "inst-b" || seen[0].Timestamp.IsZero() {
		t.Fatalf("received %+v", seen[0])
	}
}

func TestRelay_SkipsInvalidMessages(t *testing.T) {
	t.Parallel()

	transport := bus.NewMemoryTransport()
	r := newTestRelay(transport, "inst-a")

	got := make(chan EditEvent, 4)
	runRelay(t, r, func(evt EditEvent) { got <- evt })
	waitFor(t, "subscribed", r.Connected)

	ctx := context.Background()
	for _, raw := range []string{
		`not json`,
		`{"roomKey":"bad key","content":"x"}`,
		`{"roomKey":"doc1","content":""}`,
		`{"roomKey":"doc1","content":"ok","originId":"c1","instanceId":"inst-b"}`,
	} {
		if err := transport.Publish(ctx, v1.DefaultBusChannel, []byte(raw)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	select {
	case evt := <-got:
		if evt.Content != "ok" {
			t.Fatalf("first delivered event=%+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("valid message not delivered")
	}
	select {
	case evt := <-got:
		t.Fatalf("unexpected extra event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelay_HandlerPanicDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	transport := bus.NewMemoryTransport()
	r := newTestRelay(transport, "inst-a")

	got := make(chan string, 2)
	runRelay(t, r, func(evt EditEvent) {
		if evt.Content == "boom" {
			panic("handler failure")
		}
		got <- evt.Content
	})
	waitFor(t, "subscribed", r.Connected)

	for _, content := range []string{"boom", "fine"} {
		b, _ := json.Marshal(v1.BusMessage{RoomKey: "doc1", Content: content, InstanceID: "inst-b"})
		_ = transport.Publish(context.Background(), v1.DefaultBusChannel, b)
	}

	select {
	case c := <-got:
		if c != "fine" {
			t.Fatalf("got %q", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay stopped after handler panic")
	}
}

func TestRelay_Backoff(t *testing.T) {
	t.Parallel()

	r := NewRelay(newTestLogger(), bus.NewMemoryTransport(), RelayConfig{
		BackoffMin: 100 * time.Millisecond,
		BackoffMax: time.Second,
	})

	for attempt, want := range map[int]time.Duration{
		0:  100 * time.Millisecond,
		1:  200 * time.Millisecond,
		3:  800 * time.Millisecond,
		10: time.Second,
	} {
		for i := 0; i < 20; i++ {
			got := r.backoff(attempt)
			if got < want/2 || got >= want {
				t.Fatalf("backoff(%d)=%v, want in [%v, %v)", attempt, got, want/2, want)
			}
		}
	}
}

func TestRelay_Defaults(t *testing.T) {
	t.Parallel()

	r := NewRelay(nil, bus.NewMemoryTransport(), RelayConfig{InstanceID: "inst-a"})
	if r.Channel() != v1.DefaultBusChannel {
		t.Fatalf("Channel()=%q", r.Channel())
	}
	if r.InstanceID() != "inst-a" {
		t.Fatalf("InstanceID()=%q", r.InstanceID())
	}
	if r.Connected() {
		t.Fatalf("new relay reports connected")
	}
	if err := r.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Ping(context.Background()); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("Ping after Close err=%v", err)
	}
}
