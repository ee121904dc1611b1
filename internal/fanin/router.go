// Package fanin demuxes the two venue-wide fill-event streams
// (WalletEventStream, ChainEventStream) into per-task channels. Each
// TaskExecutor only ever sees fills for the one order it submitted; the
// router is the boundary where "one feed, many tasks" turns into "one
// filtered channel per task" (Deps.FillEvents, §4.3).
//
// A task registers its channel at creation time, before it has an order
// hash (Phase A hasn't submitted yet), and binds that channel to its order
// hash once PlaceOrder returns one. Events for an order hash with no bound
// channel are dropped — there is no task waiting for them yet, or the task
// has already torn down.
//
// Grounded on the teacher's internal/api/events.go hub (registered output
// channels, best-effort non-blocking delivery, drop-and-log on backpressure)
// generalized from a single broadcast-to-all hub into a keyed route table.
package fanin

import (
	"context"
	"log/slog"
	"sync"

	"arb-engine/pkg/types"
)

// Router owns the task-id -> channel route table, the order-hash -> task-id
// binding index, and the pump goroutines that drain upstream venue feeds
// into it.
type Router struct {
	mu      sync.RWMutex
	routes  map[string]chan types.FillEvent // taskID -> channel
	byOrder map[string]string               // orderHash -> taskID

	logger *slog.Logger
}

// New constructs an empty Router.
func New(logger *slog.Logger) *Router {
	return &Router{
		routes:  make(map[string]chan types.FillEvent),
		byOrder: make(map[string]string),
		logger:  logger.With("component", "fanin_router"),
	}
}

// Register allocates and returns taskID's FillEvents channel. Call before
// the order hash is known; route it with Bind once PlaceOrder returns one.
// The returned func unregisters and closes the channel; callers must call
// it once the task reaches a terminal state to avoid leaking route entries.
func (r *Router) Register(taskID string) (<-chan types.FillEvent, func()) {
	ch := make(chan types.FillEvent, 64)

	r.mu.Lock()
	r.routes[taskID] = ch
	r.mu.Unlock()

	unregister := func() {
		r.mu.Lock()
		if existing, ok := r.routes[taskID]; ok && existing == ch {
			delete(r.routes, taskID)
			close(existing)
		}
		for hash, id := range r.byOrder {
			if id == taskID {
				delete(r.byOrder, hash)
			}
		}
		r.mu.Unlock()
	}
	return ch, unregister
}

// Bind associates orderHash with taskID so future fill events for that
// order reach taskID's registered channel.
func (r *Router) Bind(orderHash, taskID string) {
	r.mu.Lock()
	r.byOrder[orderHash] = taskID
	r.mu.Unlock()
}

// dispatch routes evt to the channel bound to its order hash, if any.
func (r *Router) dispatch(evt types.FillEvent) {
	r.mu.RLock()
	taskID, ok := r.byOrder[evt.OrderHash]
	var ch chan types.FillEvent
	if ok {
		ch = r.routes[taskID]
	}
	r.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- evt:
	default:
		r.logger.Warn("fanin: task fill channel full, dropping event", "order_hash", evt.OrderHash, "source", evt.Source)
	}
}

// Pump drains source and dispatches every event until ctx is cancelled or
// source closes. Run one Pump per upstream feed (wallet, chain) per venue.
func (r *Router) Pump(ctx context.Context, source <-chan types.FillEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-source:
			if !ok {
				return
			}
			r.dispatch(evt)
		}
	}
}
