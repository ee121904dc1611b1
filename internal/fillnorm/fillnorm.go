// Package fillnorm converts heterogeneous wallet-event and chain-event
// payloads into the common types.FillEvent shape and a stable DedupKey
// (§4.3). Fill amounts arrive as decimal strings, numbers, and 1e18-scaled
// base-unit integers; this package parses to arbitrary precision at the
// edge (decimal.Decimal / big.Float) and only ever exposes the resulting
// fixed-point types.Quantity to the rest of the system (DESIGN NOTE §9:
// heterogeneous number representations).
package fillnorm

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"arb-engine/pkg/types"
)

// WalletFillPayload is the wallet-WS trade event shape: filledQty may carry
// either cumulative or delta semantics depending on the feed's mode, hence
// the explicit Cumulative flag rather than inferring it from context.
type WalletFillPayload struct {
	OrderHash  string
	Nonce      string
	FilledQty  string // decimal string, e.g. "10.5"
	Price      string
	Cumulative bool
	Timestamp  time.Time
}

// ChainFillPayload is an on-chain order-fill log event: amounts are
// denominated in 1e18 base units. TakerAssetID == "0" is the sentinel
// meaning the opposite side of the fill is the stake (collateral) token.
type ChainFillPayload struct {
	TxHash       string
	LogIndex     int
	OrderHash    string // indexed topic on the OrderFilled log; routing key for per-task dispatch
	TakerAssetID string
	FilledAmount *big.Int // 1e18-scaled base units
	Price        string
	Timestamp    time.Time
}

// baseUnitScale is the exponent chain amounts are scaled by (1e18), per
// §4.3. This generalizes the teacher's fixed 1e6 USDC scale in
// exchange/auth.go's PriceToAmounts to a parameterized exponent.
var baseUnitScale = new(big.Float).SetFloat64(1e18)

// NormalizeWallet converts a wallet-WS payload into a FillEvent. When the
// payload carries cumulative semantics, DeltaQty is left zero and callers
// must use CumulativeQty (the aggregator's applyRestSnapshot-style path);
// wallet WS with delta semantics is the common case and populates DeltaQty.
func NormalizeWallet(p WalletFillPayload) (types.FillEvent, error) {
	qty, err := decimal.NewFromString(p.FilledQty)
	if err != nil {
		return types.FillEvent{}, fmt.Errorf("fillnorm: parse wallet filledQty %q: %w", p.FilledQty, err)
	}
	price, _ := strconv.ParseFloat(p.Price, 64)

	lots := types.Quantity(qty.IntPart())

	evt := types.FillEvent{
		Source:    types.SourceWalletWS,
		OrderHash: p.OrderHash,
		DedupKey:  types.DedupKey{Primary: p.OrderHash, Secondary: p.Nonce},
		Price:     price,
		Timestamp: p.Timestamp,
		Raw:       p,
	}
	if p.Cumulative {
		evt.CumulativeQty = lots
	} else {
		evt.DeltaQty = lots
	}
	return evt, nil
}

// NormalizeChain converts a chain-WS log payload into a FillEvent. The
// 1e18-scaled amount is divided as a big.Float to avoid the precision loss
// a naive float64 division would introduce at that scale.
func NormalizeChain(p ChainFillPayload) (types.FillEvent, error) {
	if p.FilledAmount == nil {
		return types.FillEvent{}, fmt.Errorf("fillnorm: chain event missing filled amount")
	}
	scaled := new(big.Float).Quo(new(big.Float).SetInt(p.FilledAmount), baseUnitScale)
	lots, _ := scaled.Int64()
	price, _ := strconv.ParseFloat(p.Price, 64)

	return types.FillEvent{
		Source:    types.SourceChainWS,
		OrderHash: p.OrderHash,
		DedupKey:  types.DedupKey{Primary: p.TxHash, Secondary: strconv.Itoa(p.LogIndex)},
		DeltaQty:  types.Quantity(lots),
		Price:     price,
		Timestamp: p.Timestamp,
		Raw:       p,
	}, nil
}

// NormalizeRestSnapshot converts a REST status poll's cumulative filled
// size (a decimal string, e.g. from OpenOrder.SizeMatched) into a FillEvent
// carrying CumulativeQty — the reconciliation floor (§4.4 applyRestSnapshot).
func NormalizeRestSnapshot(orderHash, cumulativeSize string, at time.Time) (types.FillEvent, error) {
	qty, err := decimal.NewFromString(cumulativeSize)
	if err != nil {
		return types.FillEvent{}, fmt.Errorf("fillnorm: parse rest cumulative size %q: %w", cumulativeSize, err)
	}
	return types.FillEvent{
		Source:        types.SourceRestPoll,
		OrderHash:     orderHash,
		CumulativeQty: types.Quantity(qty.IntPart()),
		Timestamp:     at,
	}, nil
}
