package task

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"arb-engine/internal/hedge"
	"arb-engine/internal/venue"
	"arb-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubClient is a minimal venue.Client good enough to drive an Executor
// through submit -> full fill -> hedge -> teardown without any retries or
// partials, for both the primary and hedge venue roles.
type stubClient struct {
	mu     sync.Mutex
	status venue.StatusResult
	ask    float64
	places int
}

func (c *stubClient) PlaceOrder(ctx context.Context, order venue.OrderSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.places++
	return "0xhash", nil
}

func (c *stubClient) placeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.places
}

func (c *stubClient) GetOrderStatus(ctx context.Context, orderHash string) (venue.StatusResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, nil
}

func (c *stubClient) CancelOrder(ctx context.Context, orderHash string) (venue.CancelAck, error) {
	return venue.CancelAck{OK: true}, nil
}

func (c *stubClient) GetOrderBook(ctx context.Context, marketOrAsset string) (venue.BidAsk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return venue.BidAsk{Bid: c.ask - 0.01, Ask: c.ask}, nil
}

func (c *stubClient) GetTokenID(ctx context.Context, marketID string, side types.Side) (string, error) {
	return "asset", nil
}

func (c *stubClient) setStatus(s venue.StatusResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// stubBook answers BestAsk with fixed per-venue prices, always fresh.
type stubBook struct {
	askP, askH float64
}

func (b *stubBook) BestAsk(ctx context.Context, v types.Venue, key string) (float64, types.BookFreshness, error) {
	if v == types.VenuePrimary {
		return b.askP, types.Fresh, nil
	}
	return b.askH, types.Fresh, nil
}

func baseParams() types.TaskParams {
	return types.TaskParams{
		MarketID:         "mkt",
		HedgeAssetID:     "asset",
		Side:             types.BuyYes,
		AskP:             0.45,
		Qty:              10,
		MaxCost:          1.00,
		FeeRateBps:       200,
		TickPrimary:      0.01,
		TickHedge:        0.01,
		OrderTimeout:     2 * time.Second,
		MaxHedgeRetries:  1,
		MinHedgeNotional: 0.01,
	}
}

func TestExecutorFullyFilledAndHedged(t *testing.T) {
	primary := &stubClient{status: venue.StatusResult{Status: venue.OrderFilled, FilledQty: 10}}
	hedgeClient := &stubClient{ask: 0.50, status: venue.StatusResult{Status: venue.OrderFilled, FilledQty: 10}}
	book := &stubBook{askP: 0.45, askH: 0.50}

	var events []types.Event
	var evMu sync.Mutex

	fillCh := make(chan types.FillEvent, 1)
	deps := Deps{
		Primary:    primary,
		HedgeVenue: hedgeClient,
		Book:       book,
		FillEvents: fillCh,
		OnEvent: func(e types.Event) {
			evMu.Lock()
			events = append(events, e)
			evMu.Unlock()
		},
		Logger: testLogger(),
	}
	cfg := Config{
		CostPollInterval:   5 * time.Millisecond,
		RestReconcileEvery: 5 * time.Millisecond,
		HedgeConfig: hedge.Config{
			TickHedge:        0.01,
			MaxRetries:       1,
			MinHedgeNotional: 0.01,
			PollEvery:        time.Millisecond,
			PollTimeout:      20 * time.Millisecond,
		},
	}

	tk := &types.Task{TaskID: "t1", Params: baseParams(), CreatedAt: time.Now()}
	ex := New(tk, deps, cfg)

	externalCancel := make(chan struct{})
	done := make(chan struct{})
	go func() {
		ex.Run(context.Background(), externalCancel)
		close(done)
	}()

	// Deliver the fill shortly after submit.
	time.Sleep(5 * time.Millisecond)
	fillCh <- types.FillEvent{
		DedupKey: types.DedupKey{Primary: "0xhash"},
		DeltaQty: 10,
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not reach a terminal state")
	}

	snap := ex.Snapshot()
	require.True(t, snap.Status.IsTerminal())
	require.Equal(t, types.StatusCompleted, snap.Status)
	require.Equal(t, types.ReasonFullyHedged, snap.TerminalReason)
	require.Equal(t, types.Quantity(10), snap.EffectiveFilled)
	require.Equal(t, types.Quantity(10), snap.TotalHedged)

	evMu.Lock()
	defer evMu.Unlock()
	var sawTerminal bool
	for _, e := range events {
		if e.Kind == types.EventTerminal {
			sawTerminal = true
		}
	}
	require.True(t, sawTerminal)
}

func TestExecutorTimesOutWithNoFill(t *testing.T) {
	primary := &stubClient{status: venue.StatusResult{Status: venue.OrderOpen, FilledQty: 0}}
	hedgeClient := &stubClient{ask: 0.50}
	book := &stubBook{askP: 0.45, askH: 0.50}

	fillCh := make(chan types.FillEvent)
	params := baseParams()
	params.OrderTimeout = 10 * time.Millisecond

	deps := Deps{
		Primary:    primary,
		HedgeVenue: hedgeClient,
		Book:       book,
		FillEvents: fillCh,
		Logger:     testLogger(),
	}
	cfg := Config{
		CostPollInterval:   5 * time.Millisecond,
		RestReconcileEvery: 5 * time.Millisecond,
		HedgeConfig:        hedge.Config{TickHedge: 0.01, MaxRetries: 1, MinHedgeNotional: 0.01},
	}

	tk := &types.Task{TaskID: "t2", Params: params, CreatedAt: time.Now()}
	ex := New(tk, deps, cfg)

	done := make(chan struct{})
	go func() {
		ex.Run(context.Background(), make(chan struct{}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not time out")
	}

	snap := ex.Snapshot()
	require.Equal(t, types.StatusFailed, snap.Status)
	require.Equal(t, types.ReasonOrderTimeout, snap.TerminalReason)
}

// S3: a partial fill observed before the order times out is still hedged,
// and the task completes — but the terminal reason must still say
// ORDER_TIMEOUT, not FULLY_HEDGED, so an operator can tell a pre-empted
// task apart from one that filled and hedged on its own terms.
func TestExecutorPartialFillThenTimeoutReportsOrderTimeout(t *testing.T) {
	primary := &stubClient{status: venue.StatusResult{Status: venue.OrderCancelled, FilledQty: 4}}
	hedgeClient := &stubClient{ask: 0.54, status: venue.StatusResult{Status: venue.OrderFilled, FilledQty: 4}}
	book := &stubBook{askP: 0.45, askH: 0.54}

	params := baseParams()
	params.OrderTimeout = 20 * time.Millisecond

	fillCh := make(chan types.FillEvent, 1)
	deps := Deps{
		Primary:    primary,
		HedgeVenue: hedgeClient,
		Book:       book,
		FillEvents: fillCh,
		Logger:     testLogger(),
	}
	cfg := Config{
		CostPollInterval:   5 * time.Millisecond,
		RestReconcileEvery: 5 * time.Millisecond,
		HedgeConfig: hedge.Config{
			TickHedge:        0.01,
			MaxRetries:       1,
			MinHedgeNotional: 0.01,
			PollEvery:        time.Millisecond,
			PollTimeout:      20 * time.Millisecond,
		},
	}

	tk := &types.Task{TaskID: "t3", Params: params, CreatedAt: time.Now()}
	ex := New(tk, deps, cfg)

	done := make(chan struct{})
	go func() {
		ex.Run(context.Background(), make(chan struct{}))
		close(done)
	}()

	fillCh <- types.FillEvent{
		DedupKey: types.DedupKey{Primary: "0xhash"},
		DeltaQty: 4,
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not reach a terminal state")
	}

	snap := ex.Snapshot()
	require.Equal(t, types.StatusCompleted, snap.Status)
	require.Equal(t, types.ReasonOrderTimeout, snap.TerminalReason)
	require.Equal(t, types.Quantity(4), snap.EffectiveFilled)
	require.Equal(t, types.Quantity(4), snap.TotalHedged)
}

// Two concurrent callers observing the same fill increase — the fill
// subscription and the REST-poll loop both crossing minHedgeNotional for
// the same pending quantity — must still only place one hedge order.
func TestExecutorConcurrentFillIncreaseDoesNotDoubleHedge(t *testing.T) {
	primary := &stubClient{status: venue.StatusResult{Status: venue.OrderFilled, FilledQty: 10}}
	hedgeClient := &stubClient{ask: 0.50, status: venue.StatusResult{Status: venue.OrderFilled, FilledQty: 10}}
	book := &stubBook{askP: 0.45, askH: 0.50}

	fillCh := make(chan types.FillEvent, 1)
	deps := Deps{
		Primary:    primary,
		HedgeVenue: hedgeClient,
		Book:       book,
		FillEvents: fillCh,
		Logger:     testLogger(),
	}
	cfg := Config{
		CostPollInterval:   5 * time.Millisecond,
		RestReconcileEvery: time.Millisecond, // fires fast, racing the WS fill below
		HedgeConfig: hedge.Config{
			TickHedge:        0.01,
			MaxRetries:       1,
			MinHedgeNotional: 0.01,
			PollEvery:        time.Millisecond,
			PollTimeout:      20 * time.Millisecond,
		},
	}

	tk := &types.Task{TaskID: "t4", Params: baseParams(), CreatedAt: time.Now()}
	ex := New(tk, deps, cfg)

	done := make(chan struct{})
	go func() {
		ex.Run(context.Background(), make(chan struct{}))
		close(done)
	}()

	fillCh <- types.FillEvent{
		DedupKey: types.DedupKey{Primary: "0xhash"},
		DeltaQty: 10,
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not reach a terminal state")
	}

	snap := ex.Snapshot()
	require.Equal(t, types.Quantity(10), snap.EffectiveFilled)
	require.Equal(t, types.Quantity(10), snap.TotalHedged, "hedged quantity must not exceed effectiveFilled")
	require.Equal(t, 1, hedgeClient.placeCount(), "only one hedge order may be placed for the fill")
}
