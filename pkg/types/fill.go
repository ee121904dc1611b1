package types

import "time"

// FillSource tags which collaborator produced a FillEvent.
type FillSource string

const (
	SourceWalletWS FillSource = "WALLET_WS"
	SourceChainWS  FillSource = "CHAIN_WS"
	SourceRestPoll FillSource = "REST_POLL"
)

// DedupKey uniquely identifies a fill event across redelivery. For chain
// events it is (txHash, logIndex); for wallet events (orderHash, nonce).
type DedupKey struct {
	Primary   string
	Secondary string
}

// FillEvent is the tagged-variant, normalized shape every fill source is
// converted into at the edge (DESIGN NOTE: dynamic event-source union).
// WS-sourced events carry DeltaQty; REST-sourced events carry CumulativeQty.
type FillEvent struct {
	Source        FillSource
	OrderHash     string
	DedupKey      DedupKey
	DeltaQty      Quantity
	CumulativeQty Quantity
	Price         float64
	Timestamp     time.Time
	Raw           any // opaque passthrough for diagnostics
}

// HedgeResult is returned by HedgeExecutor after attempting to hedge a
// pending quantity on the hedge venue.
type HedgeResult struct {
	FilledQty Quantity
	AvgPrice  float64
	Complete  bool
}
