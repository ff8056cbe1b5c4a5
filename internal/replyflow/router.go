package replyflow

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Handler consumes one routed event. Handlers run on the delivery's
// goroutine after the webhook has already been acknowledged, so they own
// their own failure containment.
type Handler func(ctx context.Context, ev InboundEvent)

// RouterStats are the ingress counters surfaced by the status endpoint.
type RouterStats struct {
	Accepted uint64 `json:"accepted"`
	Deduped  uint64 `json:"deduped"`
	Unknown  uint64 `json:"unknown"`
}

// Router assigns each event a stable identity, drops re-deliveries inside
// the dedup window and dispatches the rest by kind. The seen-key set is
// safe for concurrent insert-if-absent from simultaneous deliveries.
type Router struct {
	mu       sync.RWMutex
	handlers map[EventKind]Handler

	seen   *TTLSet
	window time.Duration

	accepted atomic.Uint64
	deduped  atomic.Uint64
	unknown  atomic.Uint64
}

// NewRouter builds a router whose dedup window should cover the upstream
// platform's maximum plausible retry horizon.
func NewRouter(seen *TTLSet, window time.Duration) *Router {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Router{
		handlers: map[EventKind]Handler{},
		seen:     seen,
		window:   window,
	}
}

func (r *Router) Register(kind EventKind, h Handler) {
	if kind == "" || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Dispatch routes ev to its handler. Returns false when the event was a
// re-delivery and was silently dropped. Unknown kinds are counted and
// logged rather than failed so new event types degrade gracefully.
func (r *Router) Dispatch(ctx context.Context, ev InboundEvent) bool {
	if !r.seen.InsertIfAbsent(ev.DedupKey(), r.window) {
		r.deduped.Add(1)
		return false
	}

	r.mu.RLock()
	handler, ok := r.handlers[ev.Kind]
	r.mu.RUnlock()
	if !ok {
		r.unknown.Add(1)
		log.Printf("router: no handler for event kind %q (account=%s), counted and skipped", ev.Kind, ev.AccountID)
		return true
	}
	r.accepted.Add(1)
	handler(ctx, ev)
	return true
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		Accepted: r.accepted.Load(),
		Deduped:  r.deduped.Load(),
		Unknown:  r.unknown.Load(),
	}
}
