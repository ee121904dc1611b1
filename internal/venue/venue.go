// Package venue defines the capability interfaces the Task Execution Engine
// consumes (§6): PrimaryVenueClient, HedgeVenueClient, WalletEventStream,
// ChainEventStream, and Signer. Concrete implementations live in
// internal/exchange; this package exists so internal/task, internal/hedge,
// and internal/orderlifecycle depend only on narrow interfaces, not on the
// REST/WS transport details (DESIGN NOTE §9: explicit dependency injection
// replacing module-level singletons for watchers).
package venue

import (
	"context"

	"arb-engine/pkg/types"
)

// OrderSpec is the venue-agnostic order the executor asks a venue client to
// place.
type OrderSpec struct {
	MarketOrAsset string
	Side          types.Side
	Price         float64
	Size          float64
	TickSize      float64 // the venue's minimum price increment, as a plain float
	FeeRateBps    int
}

// OrderStatus is the venue-agnostic status alphabet (§4.7).
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the order status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired, OrderRejected:
		return true
	default:
		return false
	}
}

// StatusResult is the response to a getOrderStatus call.
type StatusResult struct {
	Status    OrderStatus
	FilledQty float64 // cumulative
	Remaining float64
}

// CancelAck is the response to a cancelOrder call. A successful ack is NOT
// proof of zero fill (§4.7) — callers must re-poll status afterward.
type CancelAck struct {
	OK     bool
	Reason string
}

// BidAsk is the minimal book read a venue client can serve directly
// (returned by Client.GetOrderBook).
type BidAsk struct {
	Bid, Ask float64
}

// Client is implemented once per venue (P and H) by internal/exchange.Client.
// Every method is async (ctx-aware). Callers branch on internal/taskerr
// kinds (the executor retries submission only on TRANSIENT_NET), but
// internal/exchange.Client returns plain wrapped errors that carry no
// taskerr kind, so the executor does not retry its submission failures.
type Client interface {
	PlaceOrder(ctx context.Context, order OrderSpec) (orderHash string, err error)
	GetOrderStatus(ctx context.Context, orderHash string) (StatusResult, error)
	CancelOrder(ctx context.Context, orderHash string) (CancelAck, error)
	GetOrderBook(ctx context.Context, marketOrAsset string) (BidAsk, error)
	GetTokenID(ctx context.Context, marketID string, side types.Side) (assetID string, err error)
}

// FillStream is the shared shape of WalletEventStream and ChainEventStream:
// a restartable, at-least-once delivery of normalized fill events.
type FillStream interface {
	Events() <-chan types.FillEvent
	Run(ctx context.Context) error
}

// Signer produces signatures for the account; all signing happens outside
// the task's hot path (at construction or place-order time).
type Signer interface {
	Address() string
}
