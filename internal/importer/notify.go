package importer

import (
	"sync"

	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Notification announces one block committed to the canonical chain.
// Notifications are delivered to every subscriber in commit order, exactly
// once per subscriber, and only after the block is durably stored.
type Notification struct {
	Hash        types.Hash
	Height      uint64
	ExtendsBest bool
	// Retracted lists blocks displaced by the reorg this block triggered,
	// tip first. Set on the first notification of a reorg batch.
	Retracted []types.Hash
}

// subscriberBuffer absorbs bursts for subscribers that process
// notifications slower than blocks arrive.
const subscriberBuffer = 256

// Subscription is one subscriber's ordered view of the notification
// stream. Read from C until it closes; Cancel stops delivery and closes C.
type Subscription struct {
	C      <-chan Notification
	id     int
	hub    *Hub
	cancel sync.Once
}

// Cancel removes the subscription. Pending buffered notifications are
// discarded and C is closed.
func (s *Subscription) Cancel() {
	s.cancel.Do(func() {
		s.hub.remove(s.id)
	})
}

// Hub fans notifications out to subscribers. Delivery blocks once a
// subscriber's buffer is full, so a subscriber that stops draining
// eventually stalls every publisher; cancel before stopping.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Notification
	nextID int
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Notification)}
}

// Subscribe registers a new subscriber. It observes every notification
// published after this call.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Notification, subscriberBuffer)
	if h.closed {
		close(ch)
		return &Subscription{C: ch, id: -1, hub: h}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	return &Subscription{C: ch, id: id, hub: h}
}

// Publish delivers one notification to every subscriber. Called with the
// import commit lock held, which is what makes each subscriber's stream
// match commit order.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		ch <- n
	}
}

// Close ends the stream: every subscriber's channel is closed after the
// notifications already buffered. Publish becomes a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

func (h *Hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
