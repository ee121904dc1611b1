// Package aggregator implements FillAggregator (§4.4): the per-task,
// mutex-protected structure that merges two asynchronous WS fill streams
// and a REST reconciliation poll into one monotonic-nondecreasing
// effectiveFilled, and tracks hedge progress against it.
//
// Grounded on the teacher's internal/strategy/inventory.go (mutex-protected
// per-market running totals with a consistent-snapshot read method); the
// merge semantics themselves (max-merge, set-based dedup) are new, driven
// directly by spec.md §4.4 and invariants I1/I2.
package aggregator

import (
	"fmt"
	"sync"

	"arb-engine/pkg/types"
)

// Snapshot is the consistent tuple every read returns (§4.4).
type Snapshot struct {
	EffectiveFilled types.Quantity
	PendingHedge    types.Quantity
	TotalHedged     types.Quantity
	AvgHedgePrice   float64
}

// sourceKey scopes a DedupKey to the source that produced it. The chain WS
// and wallet WS key their redeliveries in disjoint spaces — (txHash,
// logIndex) vs (orderHash, nonce) — so a single shared seen-set can never
// recognize the same underlying fill arriving from both; dedup is only ever
// valid within one source.
type sourceKey struct {
	source types.FillSource
	key    types.DedupKey
}

// Aggregator is one per task. All mutation happens under mu; no fine-grained
// locking per field, matching §5's "single per-task mutex" concurrency model.
type Aggregator struct {
	mu sync.Mutex

	seen         map[sourceKey]struct{}
	walletFilled types.Quantity
	chainFilled  types.Quantity
	restFilled   types.Quantity

	effectiveFilled types.Quantity

	totalHedged   types.Quantity
	hedgePriceSum float64
}

// New creates an empty Aggregator for one task.
func New() *Aggregator {
	return &Aggregator{
		seen: make(map[sourceKey]struct{}),
	}
}

// ApplyWsFill applies a deduplicated delta from either WS source. Replaying
// the same (source, dedupKey) pair is a no-op (P2). The wallet WS and chain
// WS each accumulate into their OWN running total — walletFilled,
// chainFilled — because the same underlying fill is commonly reported by
// both; recomputeEffective then takes the max across sources rather than
// summing them, so a fill seen twice (once per source) still counts once
// (S4).
func (a *Aggregator) ApplyWsFill(evt types.FillEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sk := sourceKey{source: evt.Source, key: evt.DedupKey}
	if _, seen := a.seen[sk]; seen {
		return
	}
	a.seen[sk] = struct{}{}

	if evt.Source == types.SourceChainWS {
		a.chainFilled += evt.DeltaQty
	} else {
		a.walletFilled += evt.DeltaQty
	}
	a.recomputeEffective()
}

// ApplyRestSnapshot folds in the REST reconciliation floor: restFilled only
// ever moves up (I1), since REST cumulative counts never retreat.
func (a *Aggregator) ApplyRestSnapshot(cumulativeQty types.Quantity) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cumulativeQty > a.restFilled {
		a.restFilled = cumulativeQty
	}
	a.recomputeEffective()
}

// recomputeEffective must be called with mu held. It is the single place
// I1 is enforced: effectiveFilled never moves down, and the single place
// the three sources are merged by max rather than summed.
func (a *Aggregator) recomputeEffective() {
	merged := a.walletFilled
	if a.chainFilled > merged {
		merged = a.chainFilled
	}
	if a.restFilled > merged {
		merged = a.restFilled
	}
	if merged > a.effectiveFilled {
		a.effectiveFilled = merged
	}
}

// RecordHedge folds a completed (or partial) hedge fill into totalHedged and
// the running weighted-average price sum. Returns an error (I2) if the
// recorded hedge would push totalHedged above effectiveFilled — this should
// never happen if callers only hedge pendingHedge amounts, and signals an
// INTERNAL_INVARIANT violation if it does.
func (a *Aggregator) RecordHedge(qty types.Quantity, avgPrice float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.totalHedged+qty > a.effectiveFilled {
		return fmt.Errorf("aggregator: totalHedged would exceed effectiveFilled (%d+%d > %d)",
			a.totalHedged, qty, a.effectiveFilled)
	}
	a.totalHedged += qty
	a.hedgePriceSum += float64(qty) * avgPrice
	return nil
}

// Read returns a consistent snapshot of the aggregator's state.
func (a *Aggregator) Read() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	var avg float64
	if a.totalHedged > 0 {
		avg = a.hedgePriceSum / float64(a.totalHedged)
	}
	return Snapshot{
		EffectiveFilled: a.effectiveFilled,
		PendingHedge:    a.effectiveFilled - a.totalHedged,
		TotalHedged:     a.totalHedged,
		AvgHedgePrice:   avg,
	}
}
