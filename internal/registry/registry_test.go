package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"arb-engine/internal/hedge"
	"arb-engine/internal/task"
	"arb-engine/internal/venue"
	"arb-engine/pkg/types"
)

type fakeClient struct{ ask float64 }

func (c *fakeClient) PlaceOrder(ctx context.Context, order venue.OrderSpec) (string, error) {
	return "0xhash", nil
}
func (c *fakeClient) GetOrderStatus(ctx context.Context, orderHash string) (venue.StatusResult, error) {
	return venue.StatusResult{Status: venue.OrderOpen}, nil
}
func (c *fakeClient) CancelOrder(ctx context.Context, orderHash string) (venue.CancelAck, error) {
	return venue.CancelAck{OK: true}, nil
}
func (c *fakeClient) GetOrderBook(ctx context.Context, marketOrAsset string) (venue.BidAsk, error) {
	return venue.BidAsk{Bid: c.ask - 0.01, Ask: c.ask}, nil
}
func (c *fakeClient) GetTokenID(ctx context.Context, marketID string, side types.Side) (string, error) {
	return "asset", nil
}

type fakeBook struct{ askP, askH float64 }

func (b *fakeBook) BestAsk(ctx context.Context, v types.Venue, key string) (float64, types.BookFreshness, error) {
	if v == types.VenuePrimary {
		return b.askP, types.Fresh, nil
	}
	return b.askH, types.Fresh, nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	book := &fakeBook{askP: 0.45, askH: 0.50}

	newDeps := func(tk *types.Task) task.Deps {
		return task.Deps{
			Primary:    &fakeClient{ask: 0.45},
			HedgeVenue: &fakeClient{ask: 0.50},
			Book:       book,
			FillEvents: make(chan types.FillEvent),
			Logger:     logger,
		}
	}

	cfg := Config{
		CancelWaitTimeout: time.Second,
		HistoryRetention:  time.Hour,
		TaskConfig: task.Config{
			CostPollInterval:   5 * time.Millisecond,
			RestReconcileEvery: 5 * time.Millisecond,
			HedgeConfig:        hedge.Config{TickHedge: 0.01, MaxRetries: 1, MinHedgeNotional: 0.01},
		},
	}
	reg, err := New(cfg, newDeps, logger)
	require.NoError(t, err)
	return reg
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
		OrderTimeout:     200 * time.Millisecond,
		MaxHedgeRetries:  1,
		MinHedgeNotional: 0.01,
	}
}

func TestCreateIsIdempotentWhileNonTerminal(t *testing.T) {
	reg := testRegistry(t)
	id1, err := reg.Create(baseParams(), "idem-1")
	require.NoError(t, err)

	id2, err := reg.Create(baseParams(), "idem-1")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestCreateAllowsNewTaskAfterPriorTerminates(t *testing.T) {
	reg := testRegistry(t)
	params := baseParams()
	params.OrderTimeout = 10 * time.Millisecond

	id1, err := reg.Create(params, "idem-2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := reg.Get(id1)
		return ok && snap.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	id2, err := reg.Create(params, "idem-2")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
}

func TestCancelWaitsForTerminal(t *testing.T) {
	reg := testRegistry(t)
	params := baseParams()
	params.OrderTimeout = 5 * time.Second // long enough that only Cancel ends it

	id, err := reg.Create(params, "idem-3")
	require.NoError(t, err)

	err = reg.Cancel(id)
	require.NoError(t, err)

	snap, ok := reg.Get(id)
	require.True(t, ok)
	require.True(t, snap.Status.IsTerminal())
}

func TestSubscribeReceivesTaskCreatedEvent(t *testing.T) {
	reg := testRegistry(t)
	ch, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	_, err := reg.Create(baseParams(), "idem-4")
	require.NoError(t, err)

	select {
	case evt := <-ch:
		require.Equal(t, types.EventTaskCreated, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a TASK_CREATED event")
	}
}
