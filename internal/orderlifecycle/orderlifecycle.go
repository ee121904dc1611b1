// Package orderlifecycle implements OrderLifecycle (§4.7): a thin wrapper
// around PrimaryVenueClient's place/status/cancel verbs that tracks the
// order's status state machine and handles cancel-race reconciliation — a
// successful cancel ack is never treated as proof of zero fill; the caller
// must re-poll and reconcile.
//
// Grounded on the teacher's internal/exchange/client.go (PostOrders,
// CancelOrders REST verb shapes), generalized into a venue-agnostic
// interface implemented once per venue by internal/exchange.Client.
package orderlifecycle

import (
	"context"
	"fmt"

	"arb-engine/internal/taskerr"
	"arb-engine/internal/venue"
)

// Lifecycle owns the place/status/cancel verbs for one order within a task.
type Lifecycle struct {
	client venue.Client

	orderHash string
	status    venue.OrderStatus
}

// New creates a Lifecycle bound to one venue client.
func New(client venue.Client) *Lifecycle {
	return &Lifecycle{client: client, status: venue.OrderPending}
}

// Place submits order and records its hash. Idempotent per Lifecycle: once
// an order hash has been recorded, further calls return it without
// submitting again, so one Lifecycle never has more than one outstanding
// order (I3).
func (l *Lifecycle) Place(ctx context.Context, order venue.OrderSpec) (string, error) {
	if l.orderHash != "" {
		return l.orderHash, nil
	}
	hash, err := l.client.PlaceOrder(ctx, order)
	if err != nil {
		return "", err
	}
	l.orderHash = hash
	l.status = venue.OrderOpen
	return hash, nil
}

// OrderHash returns the current order's hash, or "" if none has been placed.
func (l *Lifecycle) OrderHash() string { return l.orderHash }

// Status returns the last-observed status without polling.
func (l *Lifecycle) Status() venue.OrderStatus { return l.status }

// Poll fetches the order's current status from the venue and updates the
// cached status.
func (l *Lifecycle) Poll(ctx context.Context) (venue.StatusResult, error) {
	if l.orderHash == "" {
		return venue.StatusResult{}, fmt.Errorf("orderlifecycle: poll called before place")
	}
	res, err := l.client.GetOrderStatus(ctx, l.orderHash)
	if err != nil {
		return venue.StatusResult{}, err
	}
	l.status = res.Status
	return res, nil
}

// Cancel requests cancellation. Per §4.7, a successful ack does NOT prove
// zero fill: ReconcileAfterCancel must be called afterward to re-poll and
// fold in any fill that raced the cancel.
func (l *Lifecycle) Cancel(ctx context.Context) (venue.CancelAck, error) {
	if l.orderHash == "" {
		return venue.CancelAck{OK: true}, nil // nothing to cancel
	}
	ack, err := l.client.CancelOrder(ctx, l.orderHash)
	if err != nil {
		return venue.CancelAck{}, taskerr.New(taskerr.TransientNet, err)
	}
	return ack, nil
}

// ReconcileAfterCancel polls status once after a cancel (FILLED counts as
// terminal here too — the cancel-race path), returning the StatusResult so
// the caller can fold any last fill into the aggregator and, if FILLED,
// treat it as the normal fill path rather than a cancellation (§4.7, §8
// P7). It does not keep polling: if that one poll is not terminal, it
// returns the result together with an error.
func (l *Lifecycle) ReconcileAfterCancel(ctx context.Context, pollOnce func(context.Context) (venue.StatusResult, error)) (venue.StatusResult, error) {
	if pollOnce == nil {
		pollOnce = l.Poll
	}
	res, err := pollOnce(ctx)
	if err != nil {
		return venue.StatusResult{}, err
	}
	l.status = res.Status
	if !res.Status.IsTerminal() {
		return res, fmt.Errorf("orderlifecycle: order %s not yet terminal after cancel (status=%s)", l.orderHash, res.Status)
	}
	return res, nil
}

// IsOpenOrUnknown reports whether the order may still be open on the venue
// and therefore needs an explicit cancel before teardown can complete.
func (l *Lifecycle) IsOpenOrUnknown() bool {
	return !l.status.IsTerminal()
}
