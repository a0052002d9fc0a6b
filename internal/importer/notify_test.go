package importer

import (
	"testing"
	"time"

	"github.com/andrijdavid/Allfeat/pkg/types"
)

func note(height uint64) Notification {
	var h types.Hash
	h[0] = byte(height)
	return Notification{Hash: h, Height: height, ExtendsBest: true}
}

// recv reads one notification or fails.
func recv(t *testing.T, sub *Subscription) Notification {
	t.Helper()
	select {
	case n, ok := <-sub.C:
		if !ok {
			t.Fatal("stream closed")
		}
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return Notification{}
}

func TestHub_FanOutInOrder(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe()
	b := hub.Subscribe()

	for h := uint64(1); h <= 3; h++ {
		hub.Publish(note(h))
	}
	for _, sub := range []*Subscription{a, b} {
		for h := uint64(1); h <= 3; h++ {
			if got := recv(t, sub); got.Height != h {
				t.Fatalf("height = %d, want %d", got.Height, h)
			}
		}
	}
}

func TestHub_LateSubscriberMissesEarlier(t *testing.T) {
	hub := NewHub()
	hub.Publish(note(1))

	sub := hub.Subscribe()
	hub.Publish(note(2))
	if got := recv(t, sub); got.Height != 2 {
		t.Fatalf("height = %d, want 2", got.Height)
	}
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe()
	b := hub.Subscribe()

	a.Cancel()
	a.Cancel() // idempotent
	if n := hub.Subscribers(); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}

	hub.Publish(note(1))
	if got := recv(t, b); got.Height != 1 {
		t.Fatalf("height = %d, want 1", got.Height)
	}
	if _, ok := <-a.C; ok {
		t.Fatal("canceled subscription still delivers")
	}
}

func TestHub_CloseDrainsThenEnds(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()

	hub.Publish(note(1))
	hub.Close()
	hub.Close() // idempotent
	hub.Publish(note(2))

	if got := recv(t, sub); got.Height != 1 {
		t.Fatalf("height = %d, want 1", got.Height)
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("notification published after close was delivered")
	}
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	hub := NewHub()
	hub.Close()

	sub := hub.Subscribe()
	if _, ok := <-sub.C; ok {
		t.Fatal("subscription on a closed hub delivered")
	}
	sub.Cancel()
}
