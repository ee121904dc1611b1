// Package costguard implements CostGuard (§4.5): a per-task polling loop
// that samples both venues' best asks, computes the round-trip total cost,
// and edge-triggers onCostExceeded exactly once per high->invalid
// transition. The guard never mutates the task directly — the callback is
// its only side channel to the executor (DESIGN NOTE §9: callback-based
// cost guard replaced by an explicit signal the executor consumes).
//
// Grounded on the teacher's internal/risk/manager.go: a ticker-driven loop
// with an edge-triggered emit that "drains a stale signal before sending a
// fresh one" so the channel never blocks and never goes stale.
package costguard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"arb-engine/internal/priceutils"
	"arb-engine/pkg/types"
)

// BookReader is the minimal capability CostGuard needs from OrderBookCache:
// a best-ask read that refreshes from REST on expiry.
type BookReader interface {
	BestAsk(ctx context.Context, venue types.Venue, key string) (float64, types.BookFreshness, error)
}

// Guard runs one CostGuard loop for one task.
type Guard struct {
	book       BookReader
	primaryKey string
	hedgeKey   string
	feeRateBps int
	maxCost    float64
	interval   time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	lastValid bool // whether the previous sample was valid (starts true), for edge-triggering
	lastState types.CostState

	exceededCh chan types.CostState
}

// New creates a CostGuard for one task. interval defaults to 300ms if <= 0.
func New(reader BookReader, primaryKey, hedgeKey string, feeRateBps int, maxCost float64, interval time.Duration, logger *slog.Logger) *Guard {
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	return &Guard{
		book:       reader,
		primaryKey: primaryKey,
		hedgeKey:   hedgeKey,
		feeRateBps: feeRateBps,
		maxCost:    maxCost,
		interval:   interval,
		logger:     logger,
		lastValid:  true, // a task starts out believed valid (Phase A already checked once)
		exceededCh: make(chan types.CostState, 1),
	}
}

// Exceeded delivers the CostState at the moment cost first became invalid.
// At most one unconsumed signal is ever buffered — a later transition
// overwrites a stale unread one, matching the teacher's drain-then-send
// idiom, since only the latest invalid reading matters to the executor.
func (g *Guard) Exceeded() <-chan types.CostState { return g.exceededCh }

// LastState returns the most recently sampled CostState.
func (g *Guard) LastState() types.CostState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastState
}

// Run samples on every tick until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample(ctx)
		}
	}
}

func (g *Guard) sample(ctx context.Context) {
	askP, _, errP := g.book.BestAsk(ctx, types.VenuePrimary, g.primaryKey)
	askH, _, errH := g.book.BestAsk(ctx, types.VenueHedge, g.hedgeKey)

	state := types.CostState{SampledAt: time.Now()}

	if errP != nil || errH != nil {
		// Either venue's ask could not be read (expired and the REST refresh
		// failed): conservative UNKNOWN, treated as invalid (§4.5 failure mode).
		state.Unknown = true
		state.IsValid = false
		g.logger.Warn("cost guard: book refresh failed, marking unknown/invalid",
			"primary_err", errP, "hedge_err", errH)
	} else {
		state.AskP = askP
		state.AskH = askH
		state.Fee = priceutils.Fee(askP, g.feeRateBps)
		state.TotalCost = priceutils.TotalCost(askP, askH, g.feeRateBps)
		state.IsValid = state.TotalCost <= g.maxCost
	}

	g.mu.Lock()
	wasValid := g.lastValid
	g.lastState = state
	g.lastValid = state.IsValid
	g.mu.Unlock()

	if wasValid && !state.IsValid {
		g.emitExceeded(state)
	}
}

// emitExceeded delivers state, draining any stale unread signal first so
// the channel send never blocks and the executor always observes the
// latest invalid reading.
func (g *Guard) emitExceeded(state types.CostState) {
	select {
	case g.exceededCh <- state:
	default:
		select {
		case <-g.exceededCh:
		default:
		}
		g.exceededCh <- state
	}
}
