// Package hedge implements HedgeExecutor (§4.6): submits a bounded taker
// order on the hedge venue and polls it to completion, retrying up to
// maxRetries times on partial fill at a refreshed price, provided the
// remainder still clears minHedgeNotional.
//
// Grounded on the teacher's internal/exchange/client.go order-placement
// methods generalized to the hedge venue, and on
// other_examples/mselser95-polymarket-arb's FillTracker
// (exponential-backoff fill-verification-with-retry loop) for the
// poll-then-retry-on-partial shape.
package hedge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"arb-engine/internal/priceutils"
	"arb-engine/internal/taskerr"
	"arb-engine/internal/venue"
	"arb-engine/pkg/types"
)

// Executor submits and drives one hedge order to completion on the hedge
// venue. Callers must serialize calls to Execute per task (I4: at most one
// hedge in flight) — Executor itself holds no cross-call lock.
type Executor struct {
	client          venue.Client
	tickHedge       float64
	feeRateBps      int
	pollEvery       time.Duration
	pollTimeout     time.Duration
	maxRetries      int
	minHedgeNotional float64
	logger          *slog.Logger
}

// Config bundles the tunables an Executor is constructed with.
type Config struct {
	TickHedge        float64
	FeeRateBps       int
	PollEvery        time.Duration // defaults to 250ms
	PollTimeout      time.Duration // defaults to 5s per attempt
	MaxRetries       int           // N_retry
	MinHedgeNotional float64       // N_min — below this, a partial remainder is accepted rather than retried
}

// New constructs a hedge Executor bound to one hedge-venue client.
func New(client venue.Client, cfg Config, logger *slog.Logger) *Executor {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 250 * time.Millisecond
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	return &Executor{
		client:           client,
		tickHedge:        cfg.TickHedge,
		feeRateBps:       cfg.FeeRateBps,
		pollEvery:        cfg.PollEvery,
		pollTimeout:      cfg.PollTimeout,
		maxRetries:       cfg.MaxRetries,
		minHedgeNotional: cfg.MinHedgeNotional,
		logger:           logger,
	}
}

// Execute submits a taker order on asset for qty lots, bounded by maxAskH,
// and drives it to completion or exhaustion of retries (§4.6).
func (e *Executor) Execute(ctx context.Context, asset string, qty types.Quantity, maxAskH float64) (types.HedgeResult, error) {
	bidAsk, err := e.client.GetOrderBook(ctx, asset)
	if err != nil {
		return types.HedgeResult{}, taskerr.New(taskerr.TransientNet, err)
	}
	if bidAsk.Ask > maxAskH {
		return types.HedgeResult{}, taskerr.Newf(taskerr.HedgePriceRejected,
			"hedge ask %.4f exceeds maxAskH %.4f", bidAsk.Ask, maxAskH)
	}

	remaining := qty
	var filledTotal types.Quantity
	var priceSum float64 // sum(price * deltaFilled), for the weighted average

	for attempt := 0; ; attempt++ {
		price := priceutils.AlignUp(maxAskH, e.tickHedge)
		hash, err := e.client.PlaceOrder(ctx, venue.OrderSpec{
			MarketOrAsset: asset,
			Side:          types.BUY,
			Price:         price,
			Size:          float64(remaining),
			TickSize:      e.tickHedge,
			FeeRateBps:    e.feeRateBps,
		})
		if err != nil {
			return e.result(filledTotal, priceSum, remaining), taskerr.New(taskerr.TransientNet, err)
		}

		res, err := e.pollToRest(ctx, hash)
		if err != nil {
			return e.result(filledTotal, priceSum, remaining), err
		}

		deltaFilled := types.Quantity(res.FilledQty)
		if deltaFilled > remaining {
			deltaFilled = remaining
		}
		filledTotal += deltaFilled
		priceSum += price * float64(deltaFilled)
		remaining = qty - filledTotal

		if remaining <= 0 || res.Status == venue.OrderFilled {
			break
		}

		if attempt >= e.maxRetries {
			e.logger.Warn("hedge: retries exhausted with residual", "asset", asset, "remaining", remaining)
			break
		}
		if float64(remaining)*price < e.minHedgeNotional {
			e.logger.Info("hedge: residual below min notional, accepting partial",
				"asset", asset, "remaining", remaining, "notional", float64(remaining)*price)
			break
		}

		bidAsk, err = e.client.GetOrderBook(ctx, asset)
		if err != nil {
			break
		}
		if bidAsk.Ask > maxAskH {
			e.logger.Warn("hedge: ask moved past maxAskH before retry, accepting partial",
				"asset", asset, "ask", bidAsk.Ask, "maxAskH", maxAskH)
			break
		}

		e.logger.Info("hedge: partial fill, retrying", "asset", asset,
			"filled", filledTotal, "remaining", remaining, "attempt", attempt)
	}

	result := e.result(filledTotal, priceSum, remaining)
	if filledTotal == 0 {
		return result, taskerr.New(taskerr.HedgePriceRejected, fmt.Errorf("hedge: zero fill after exhausting retries"))
	}
	return result, nil
}

func (e *Executor) result(filled types.Quantity, priceSum float64, remaining types.Quantity) types.HedgeResult {
	avg := 0.0
	if filled > 0 {
		avg = priceSum / float64(filled)
	}
	return types.HedgeResult{FilledQty: filled, AvgPrice: avg, Complete: remaining <= 0}
}

// pollToRest polls orderHash's status until it reaches a terminal state, a
// partial fill is observed, or pollTimeout elapses.
func (e *Executor) pollToRest(ctx context.Context, orderHash string) (venue.StatusResult, error) {
	deadline := time.Now().Add(e.pollTimeout)
	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()

	for {
		res, err := e.client.GetOrderStatus(ctx, orderHash)
		if err != nil {
			return venue.StatusResult{}, taskerr.New(taskerr.TransientNet, err)
		}
		if res.Status.IsTerminal() || res.Status == venue.OrderPartiallyFilled {
			return res, nil
		}
		if time.Now().After(deadline) {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return venue.StatusResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
