package book

import (
	"context"
	"testing"
	"time"

	"arb-engine/pkg/types"
)

type fakeRefresher struct {
	bid, ask float64
	calls    int
}

func (f *fakeRefresher) GetBestBidAsk(ctx context.Context, key string) (float64, float64, error) {
	f.calls++
	return f.bid, f.ask, nil
}

func TestCacheFreshAfterApply(t *testing.T) {
	c := New(50*time.Millisecond, 200*time.Millisecond)
	c.Apply(types.VenuePrimary, "mkt1", 0.44, 0.45)

	ask, fresh, err := c.BestAsk(context.Background(), types.VenuePrimary, "mkt1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh != types.Fresh {
		t.Fatalf("expected Fresh, got %v", fresh)
	}
	if ask != 0.45 {
		t.Fatalf("ask = %v, want 0.45", ask)
	}
}

func TestCacheExpiredTriggersRefresh(t *testing.T) {
	c := New(10*time.Millisecond, 20*time.Millisecond)
	refresher := &fakeRefresher{bid: 0.50, ask: 0.51}
	c.RegisterRefresher(types.VenueHedge, refresher)

	c.Apply(types.VenueHedge, "asset1", 0.40, 0.41)
	time.Sleep(30 * time.Millisecond)

	ask, fresh, err := c.BestAsk(context.Background(), types.VenueHedge, "asset1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh != types.Fresh {
		t.Fatalf("expected refreshed entry to report Fresh, got %v", fresh)
	}
	if ask != 0.51 {
		t.Fatalf("ask = %v, want refreshed 0.51", ask)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected exactly 1 refresh call, got %d", refresher.calls)
	}
}

func TestCacheMissingRefresherErrors(t *testing.T) {
	c := New(time.Millisecond, 2*time.Millisecond)
	_, _, err := c.BestAsk(context.Background(), types.VenuePrimary, "unknown")
	if err == nil {
		t.Fatal("expected error when no entry and no refresher registered")
	}
}
