package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func receiveWithin(t *testing.T, sub Subscription, d time.Duration) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return sub.Receive(ctx)
}

func TestMemoryTransport_PublishFansOutPerChannel(t *testing.T) {
	t.Parallel()

	tr := NewMemoryTransport()
	ctx := context.Background()

	s1, err := tr.Subscribe(ctx, "note_updates")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	s2, _ := tr.Subscribe(ctx, "note_updates")
	other, _ := tr.Subscribe(ctx, "other")

	if got := tr.Subscribers("note_updates"); got != 2 {
		t.Fatalf("Subscribers()=%d want=2", got)
	}

	payload := []byte(`{"roomKey":"doc1"}`)
	if err := tr.Publish(ctx, "note_updates", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	payload[0] = 'X'

	for _, s := range []Subscription{s1, s2} {
		got, err := receiveWithin(t, s, time.Second)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if string(got) != `{"roomKey":"doc1"}` {
			t.Fatalf("payload=%q; publisher buffer must be copied", got)
		}
	}

	if _, err := receiveWithin(t, other, 20*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("other channel err=%v, want deadline", err)
	}
}

func TestMemoryTransport_SetDownBreaksSubscriptions(t *testing.T) {
	t.Parallel()

	tr := NewMemoryTransport()
	ctx := context.Background()

	sub, _ := tr.Subscribe(ctx, "c")
	tr.SetDown(true)

	if _, err := receiveWithin(t, sub, time.Second); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Receive err=%v, want ErrUnavailable", err)
	}
	if err := tr.Publish(ctx, "c", []byte("x")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Publish err=%v, want ErrUnavailable", err)
	}
	if _, err := tr.Subscribe(ctx, "c"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Subscribe err=%v, want ErrUnavailable", err)
	}
	if err := tr.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Ping err=%v, want ErrUnavailable", err)
	}

	tr.SetDown(false)
	if err := tr.Ping(ctx); err != nil {
		t.Fatalf("Ping after recovery: %v", err)
	}
	if tr.Subscribers("c") != 0 {
		t.Fatalf("broken subscriptions still registered")
	}
}

func TestMemoryTransport_CloseIsTerminal(t *testing.T) {
	t.Parallel()

	tr := NewMemoryTransport()
	ctx := context.Background()

	sub, _ := tr.Subscribe(ctx, "c")
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := receiveWithin(t, sub, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive err=%v, want ErrClosed", err)
	}
	tr.SetDown(false)
	if err := tr.Publish(ctx, "c", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish err=%v, want ErrClosed", err)
	}
}

func TestMemorySubscription_CloseUnblocksReceive(t *testing.T) {
	t.Parallel()

	tr := NewMemoryTransport()
	sub, _ := tr.Subscribe(context.Background(), "c")

	done := make(chan error, 1)
	go func() {
		_, err := sub.Receive(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	_ = sub.Close()
	_ = sub.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Receive err=%v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Receive not unblocked by Close")
	}
	if tr.Subscribers("c") != 0 {
		t.Fatalf("closed subscription still registered")
	}
}
