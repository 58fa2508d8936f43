// Package event implements typed event descriptors and the synchronous
// dispatch registry that carries them from interrupt context to subscribers.
package event

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/log"
)

// Handler is a subscriber callback. It may run at interrupt priority, so it
// must not block and must finish in bounded time.
type Handler func(ev Event)

// SubscriptionID identifies one registration for Unsubscribe.
type SubscriptionID uint32

// Stats 统计信息
type Stats struct {
	PublishedCount int64
	DeliveredCount int64
	Subscribers    map[SourceID]int
}

type subscriber struct {
	id      SubscriptionID
	name    string
	handler Handler
}

// table is immutable once stored; mutators publish a fresh copy.
type table struct {
	subs []subscriber
}

// Registry is a fixed-capacity, per-source subscriber table.
//
// Publish reads the current table through an atomic pointer and never locks,
// so it is safe from interrupt context. Subscribe and Unsubscribe serialize on
// a mutex and swap in a new table; a dispatch already in progress keeps
// iterating the table it loaded, which makes Unsubscribe safe from inside a
// handler.
type Registry struct {
	capacity int
	tables   [sourceCount]atomic.Pointer[table]
	mu       sync.Mutex
	nextID   atomic.Uint32

	publishedCount atomic.Int64
	deliveredCount atomic.Int64
}

// SubscribeOption adjusts a single Subscribe call.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	allowDuplicate bool
}

// AllowDuplicate registers the handler even if the name is already present
// on the source.
func AllowDuplicate() SubscribeOption {
	return func(o *subscribeOptions) { o.allowDuplicate = true }
}

// NewRegistry creates a registry holding at most capacity subscribers per source.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Registry{capacity: capacity}
	for i := range r.tables {
		r.tables[i].Store(&table{})
	}
	return r
}

// Capacity returns the per-source subscriber limit.
func (r *Registry) Capacity() int {
	return r.capacity
}

// Subscribe appends handler to src's dispatch list.
func (r *Registry) Subscribe(src SourceID, name string, handler Handler, opts ...SubscribeOption) (SubscriptionID, error) {
	if src >= sourceCount {
		return 0, fmt.Errorf("%w: unknown event source %d", core.ErrConfigInvalid, src)
	}
	if handler == nil {
		return 0, fmt.Errorf("%w: nil handler for %s", core.ErrConfigInvalid, name)
	}
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.tables[src].Load()
	if !o.allowDuplicate {
		for _, s := range cur.subs {
			if s.name == name {
				return 0, fmt.Errorf("%w: %s on source %s", core.ErrDuplicateSubscriber, name, src)
			}
		}
	}
	if len(cur.subs) >= r.capacity {
		return 0, fmt.Errorf("%w: source %s holds %d subscribers", core.ErrCapacityExceeded, src, r.capacity)
	}

	id := SubscriptionID(r.nextID.Inc())
	next := &table{subs: make([]subscriber, len(cur.subs), len(cur.subs)+1)}
	copy(next.subs, cur.subs)
	next.subs = append(next.subs, subscriber{id: id, name: name, handler: handler})
	r.tables[src].Store(next)

	log.GetLogger().WithField("source", src.String()).Debugf("subscribed %s", name)
	return id, nil
}

// Unsubscribe removes a registration. It reports whether the id was found.
func (r *Registry) Unsubscribe(src SourceID, id SubscriptionID) bool {
	if src >= sourceCount {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.tables[src].Load()
	for i, s := range cur.subs {
		if s.id != id {
			continue
		}
		next := &table{subs: make([]subscriber, 0, len(cur.subs)-1)}
		next.subs = append(next.subs, cur.subs[:i]...)
		next.subs = append(next.subs, cur.subs[i+1:]...)
		r.tables[src].Store(next)
		return true
	}
	return false
}

// Publish invokes every subscriber of src in registration order, synchronously,
// in the caller's context.
func (r *Registry) Publish(src SourceID, ev Event) {
	if src >= sourceCount {
		return
	}
	r.publishedCount.Inc()
	t := r.tables[src].Load()
	for i := range t.subs {
		t.subs[i].handler(ev)
	}
	r.deliveredCount.Add(int64(len(t.subs)))
}

// Reset drops every registration. Only valid while no interrupt can publish.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.tables {
		r.tables[i].Store(&table{})
	}
}

// GetStats 获取统计信息
func (r *Registry) GetStats() *Stats {
	stats := &Stats{
		PublishedCount: r.publishedCount.Load(),
		DeliveredCount: r.deliveredCount.Load(),
		Subscribers:    make(map[SourceID]int, sourceCount),
	}
	for i := range r.tables {
		stats.Subscribers[SourceID(i)] = len(r.tables[i].Load().subs)
	}
	return stats
}
