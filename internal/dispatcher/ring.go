package dispatcher

import (
	"sync"

	"oms/internal/core"
)

// EventRing buffers recent events per account for WebSocket fan-out, so
// subscribers pull deltas without polling the outbox table. It implements
// core.EventSink.
type EventRing struct {
	size int

	mu       sync.RWMutex
	accounts map[int64][]core.Event
	tail     map[int64]int64

	subMu sync.RWMutex
	subs  map[int]chan core.Event
	nextS int
}

// NewEventRing creates a ring keeping up to size events per account.
func NewEventRing(size int) *EventRing {
	if size <= 0 {
		size = 5000
	}
	return &EventRing{
		size:     size,
		accounts: make(map[int64][]core.Event),
		tail:     make(map[int64]int64),
		subs:     make(map[int]chan core.Event),
	}
}

// Publish appends the event to its account ring and fans it out to live
// subscribers. Slow subscribers lose events rather than block publishers;
// they recover via PullAfter.
func (r *EventRing) Publish(ev core.Event) {
	r.mu.Lock()
	buf := append(r.accounts[ev.AccountID], ev)
	if len(buf) > r.size {
		buf = buf[len(buf)-r.size:]
	}
	r.accounts[ev.AccountID] = buf
	if ev.ID > r.tail[ev.AccountID] {
		r.tail[ev.AccountID] = ev.ID
	}
	r.mu.Unlock()

	r.subMu.RLock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	r.subMu.RUnlock()
}

// TailID returns the highest event id seen for the account.
func (r *EventRing) TailID(accountID int64) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tail[accountID]
}

// PullAfter returns up to limit buffered events with id > afterID.
func (r *EventRing) PullAfter(accountID, afterID int64, limit int) []core.Event {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.Event
	for _, ev := range r.accounts[accountID] {
		if ev.ID <= afterID {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Subscribe registers a live feed of every published event. The returned
// cancel must be called to release the channel.
func (r *EventRing) Subscribe(buffer int) (<-chan core.Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan core.Event, buffer)
	r.subMu.Lock()
	id := r.nextS
	r.nextS++
	r.subs[id] = ch
	r.subMu.Unlock()

	return ch, func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}
