package costguard

import (
	"context"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"arb-engine/pkg/types"
)

type scriptedReader struct {
	mu     sync.Mutex
	askP   float64
	askH   float64
}

func (s *scriptedReader) set(askP, askH float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.askP, s.askH = askP, askH
}

func (s *scriptedReader) BestAsk(ctx context.Context, venue types.Venue, key string) (float64, types.BookFreshness, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if venue == types.VenuePrimary {
		return s.askP, types.Fresh, nil
	}
	return s.askH, types.Fresh, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// P6: onCostExceeded fires exactly once per high->invalid transition.
func TestEdgeTrigger(t *testing.T) {
	reader := &scriptedReader{askP: 0.45, askH: 0.54}
	g := New(reader, "mkt", "asset", 200, 1.000, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	select {
	case <-g.Exceeded():
		t.Fatal("should not have fired while cost is valid")
	default:
	}

	// Push H's ask up so cost exceeds 1.000 (S2 scenario).
	reader.set(0.45, 0.56)
	select {
	case state := <-g.Exceeded():
		require.False(t, state.IsValid)
		require.InDelta(t, 1.019, state.TotalCost, 1e-6)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected onCostExceeded to fire")
	}

	// It should not fire again while remaining invalid.
	select {
	case <-g.Exceeded():
		t.Fatal("should not re-fire while still invalid")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestRecoversAndRefires(t *testing.T) {
	reader := &scriptedReader{askP: 0.45, askH: 0.54}
	g := New(reader, "mkt", "asset", 200, 1.000, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	reader.set(0.45, 0.56)
	<-g.Exceeded()

	reader.set(0.45, 0.50) // recover
	time.Sleep(20 * time.Millisecond)

	reader.set(0.45, 0.60) // invalid again
	select {
	case state := <-g.Exceeded():
		require.False(t, state.IsValid)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected a second onCostExceeded after recovery")
	}
}
