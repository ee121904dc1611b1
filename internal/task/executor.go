// Package task implements TaskExecutor (§4.8): the state machine that owns
// one Task end to end — submit on the primary venue, monitor four
// concurrent activities while the order lives, and tear down into a
// terminal status with a recorded reason.
//
// Grounded on the teacher's internal/strategy/maker.go select-loop-over-
// channels concurrency shape (book updates, reprice ticker, kill signal,
// context-done, all in one select) and internal/risk/manager.go's
// kill-signal dispatch pattern, both generalized from "one loop per market"
// to "one executor per task, four concurrent sub-activities" run with
// sourcegraph/conc's WaitGroup.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"arb-engine/internal/aggregator"
	"arb-engine/internal/costguard"
	"arb-engine/internal/hedge"
	"arb-engine/internal/orderlifecycle"
	"arb-engine/internal/priceutils"
	"arb-engine/internal/taskerr"
	"arb-engine/internal/venue"
	"arb-engine/pkg/types"
)

// Config bundles the process-wide tunables every Executor is built with.
// HedgeConfig is passed to the hedge executor as given, so the hedge leg's
// tick size and retry count come from it; TaskParams.TickHedge and
// TaskParams.MaxHedgeRetries are not read.
type Config struct {
	CostPollInterval  time.Duration
	RestReconcileEvery time.Duration
	SubmitMaxRetries  int
	SubmitRetryBase   time.Duration
	HedgeConfig       hedge.Config
}

// Deps are the capabilities an Executor needs, all injected rather than
// reached for as package-level singletons (DESIGN NOTE §9).
type Deps struct {
	Primary    venue.Client
	HedgeVenue venue.Client
	Book       costguard.BookReader
	FillEvents <-chan types.FillEvent // pre-filtered to this task's order by the caller
	OnEvent    func(types.Event)      // fan-out hook; TaskRegistry stamps Seq
	// BindOrderHash tells the caller's fan-in router which order hash this
	// task's already-registered FillEvents channel should now receive, once
	// Phase A's submit learns it. Optional; nil is a no-op (e.g. in tests
	// that feed FillEvents directly).
	BindOrderHash func(orderHash string)
	Logger        *slog.Logger
}

// Executor owns one Task for its entire lifetime.
type Executor struct {
	task   *types.Task
	taskMu sync.RWMutex

	deps Deps
	cfg  Config

	agg       *aggregator.Aggregator
	lifecycle *orderlifecycle.Lifecycle
	hedgeExec *hedge.Executor

	adjustMu  sync.Mutex
	adjusting bool

	monitorCancel context.CancelFunc
}

// New constructs an Executor for task, not yet started.
func New(t *types.Task, deps Deps, cfg Config) *Executor {
	if cfg.SubmitMaxRetries <= 0 {
		cfg.SubmitMaxRetries = 3
	}
	if cfg.SubmitRetryBase <= 0 {
		cfg.SubmitRetryBase = 500 * time.Millisecond
	}
	if cfg.CostPollInterval <= 0 {
		cfg.CostPollInterval = 300 * time.Millisecond
	}
	if cfg.RestReconcileEvery <= 0 {
		cfg.RestReconcileEvery = 3 * time.Second
	}
	return &Executor{
		task:      t,
		deps:      deps,
		cfg:       cfg,
		agg:       aggregator.New(),
		lifecycle: orderlifecycle.New(deps.Primary),
		hedgeExec: hedge.New(deps.HedgeVenue, cfg.HedgeConfig, deps.Logger),
	}
}

// Snapshot returns an immutable, externally-safe view of the task's state.
func (e *Executor) Snapshot() types.Snapshot {
	e.taskMu.RLock()
	defer e.taskMu.RUnlock()
	aggSnap := e.agg.Read()
	return types.Snapshot{
		TaskID:          e.task.TaskID,
		IdempotencyKey:  e.task.IdempotencyKey,
		Status:          e.task.Status,
		TerminalReason:  e.task.TerminalReason,
		EffectiveFilled: aggSnap.EffectiveFilled,
		TotalHedged:     aggSnap.TotalHedged,
		AvgHedgePrice:   aggSnap.AvgHedgePrice,
		CreatedAt:       e.task.CreatedAt,
		CompletedAt:     e.task.CompletedAt,
	}
}

func (e *Executor) setStatus(status types.TaskStatus) {
	e.taskMu.Lock()
	e.task.Status = status
	e.taskMu.Unlock()
	e.emit(types.Event{Kind: types.EventStatusChanged, TaskID: e.task.TaskID, Status: status, At: time.Now()})
}

func (e *Executor) emit(evt types.Event) {
	if e.deps.OnEvent != nil {
		e.deps.OnEvent(evt)
	}
}

// Run drives the task through Phase A (submit), Phase B (monitor), and
// Phase C (teardown), returning once the task has reached a terminal
// status. externalCancel fires when an operator requests cancellation.
func (e *Executor) Run(ctx context.Context, externalCancel <-chan struct{}) {
	if err := e.submit(ctx); err != nil {
		e.failTerminal(types.ReasonSubmitFailed, err)
		return
	}

	reason, cause := e.monitor(ctx, externalCancel)
	e.teardown(reason, cause)
}

// submit is Phase A: validate, compute maxAskH, place the primary order,
// with bounded retry on transient failure (§4.8 failure semantics).
func (e *Executor) submit(ctx context.Context) error {
	p := e.task.Params
	if !priceutils.IsValidPrice(p.AskP) {
		return taskerr.Newf(taskerr.InvalidParams, "askP %.4f out of domain", p.AskP)
	}
	maxAskH, ok := priceutils.MaxHedgeAsk(p.AskP, p.MaxCost, p.FeeRateBps)
	if !ok {
		return taskerr.Newf(taskerr.InvalidParams, "no room for a hedge leg at maxCost %.4f", p.MaxCost)
	}
	e.taskMu.Lock()
	e.task.MaxAskH = maxAskH
	e.taskMu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= e.cfg.SubmitMaxRetries; attempt++ {
		hash, err := e.lifecycle.Place(ctx, venue.OrderSpec{
			MarketOrAsset: p.MarketID,
			Side:          sideToVenue(p.Side),
			Price:         p.AskP,
			Size:          float64(p.Qty),
			TickSize:      p.TickPrimary,
			FeeRateBps:    p.FeeRateBps,
		})
		if err == nil {
			e.taskMu.Lock()
			e.task.OrderHash = hash
			e.task.SubmittedAt = time.Now()
			e.taskMu.Unlock()
			if e.deps.BindOrderHash != nil {
				e.deps.BindOrderHash(hash)
			}
			e.setStatus(types.StatusSubmitted)
			return nil
		}
		lastErr = err
		if !taskerr.Is(err, taskerr.TransientNet) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.SubmitRetryBase * time.Duration(1<<attempt)):
		}
	}
	return lastErr
}

func sideToVenue(s types.TaskSide) types.Side {
	if s == types.BuyNo {
		return types.SELL
	}
	return types.BUY
}

// teardownReason is the internal signal monitor() uses to tell teardown()
// why it stopped.
type teardownReason int

const (
	reasonFullyFilled teardownReason = iota
	reasonTimeout
	reasonCostInvalid
	reasonExternalCancel
	reasonMonitorError
)

// monitor is Phase B: run the four concurrent activities (§4.8) until one
// of them signals a reason to tear down.
func (e *Executor) monitor(ctx context.Context, externalCancel <-chan struct{}) (teardownReason, error) {
	monitorCtx, cancel := context.WithCancel(ctx)
	e.monitorCancel = cancel
	defer cancel()

	guard := costguard.New(e.deps.Book, e.task.Params.MarketID, e.task.Params.HedgeAssetID,
		e.task.Params.FeeRateBps, e.task.Params.MaxCost, e.cfg.CostPollInterval, e.deps.Logger)

	result := make(chan struct {
		reason teardownReason
		err    error
	}, 1)
	var once sync.Once
	finish := func(r teardownReason, err error) {
		once.Do(func() {
			result <- struct {
				reason teardownReason
				err    error
			}{r, err}
			cancel()
		})
	}

	var wg conc.WaitGroup

	// 1. timeout timer
	wg.Go(func() {
		timer := time.NewTimer(e.task.Params.OrderTimeout)
		defer timer.Stop()
		select {
		case <-monitorCtx.Done():
		case <-timer.C:
			finish(reasonTimeout, nil)
		}
	})

	// 2. CostGuard loop
	wg.Go(func() { guard.Run(monitorCtx) })
	wg.Go(func() {
		select {
		case <-monitorCtx.Done():
		case state := <-guard.Exceeded():
			e.deps.Logger.Warn("cost invalid, requesting teardown", "total_cost", state.TotalCost)
			finish(reasonCostInvalid, nil)
		}
	})

	// 3. fill subscription(s)
	wg.Go(func() {
		for {
			select {
			case <-monitorCtx.Done():
				return
			case evt, ok := <-e.deps.FillEvents:
				if !ok {
					return
				}
				e.agg.ApplyWsFill(evt)
				e.emit(types.Event{Kind: types.EventFill, TaskID: e.task.TaskID, Fill: &evt, At: time.Now()})
				if e.handleFillIncrease(monitorCtx) {
					finish(reasonFullyFilled, nil)
					return
				}
			}
		}
	})

	// 4. REST reconciliation poll
	wg.Go(func() {
		ticker := time.NewTicker(e.cfg.RestReconcileEvery)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				res, err := e.lifecycle.Poll(monitorCtx)
				if err != nil {
					continue
				}
				e.agg.ApplyRestSnapshot(types.Quantity(priceutils.FloorQty(res.FilledQty)))
				if e.handleFillIncrease(monitorCtx) {
					finish(reasonFullyFilled, nil)
					return
				}
			}
		}
	})

	// external cancel dispatch
	wg.Go(func() {
		select {
		case <-monitorCtx.Done():
		case <-externalCancel:
			finish(reasonExternalCancel, nil)
		}
	})

	wg.Wait()

	select {
	case r := <-result:
		return r.reason, r.err
	default:
		return reasonMonitorError, fmt.Errorf("task: monitor loops exited without a teardown signal")
	}
}

// handleFillIncrease is invoked whenever the aggregator may have advanced.
// It hedges any newly-pending quantity once it clears minHedgeNotional, and
// reports whether the task is now fully filled, whether or not that fill is
// fully hedged yet (teardown drains any residual). The pending
// quantity checked here is only a threshold estimate — runHedge recomputes
// the real figure inside the adjust guard, so two concurrent callers (the
// fill-subscription loop and the REST-poll loop) racing on the same
// increase never both submit a hedge for it.
func (e *Executor) handleFillIncrease(ctx context.Context) bool {
	snap := e.agg.Read()
	pending := snap.EffectiveFilled - snap.TotalHedged
	if pending <= 0 {
		return snap.EffectiveFilled >= e.task.Params.Qty
	}

	askH, _, err := e.deps.Book.BestAsk(ctx, types.VenueHedge, e.task.Params.HedgeAssetID)
	if err != nil {
		return false
	}
	notional := float64(pending) * askH
	fullyFilled := snap.EffectiveFilled >= e.task.Params.Qty
	if notional < e.task.Params.MinHedgeNotional && !fullyFilled {
		return false // too small to hedge yet, and not the final drain
	}

	e.runHedge(ctx)
	return e.agg.Read().EffectiveFilled >= e.task.Params.Qty
}

// runHedge serializes hedge submissions through the adjusting guard (I4,
// I5): at most one hedge attempt is ever in flight for this task, and the
// guard is released on every exit path via defer. The pending quantity is
// recomputed from the aggregator after the guard is held, not taken from the
// caller, so a second caller blocked on the same guard sees the first
// hedge's effect and bails instead of placing a duplicate order on H.
func (e *Executor) runHedge(ctx context.Context) {
	guard := e.acquireAdjustGuard()
	defer guard.release()

	snap := e.agg.Read()
	pending := snap.EffectiveFilled - snap.TotalHedged
	if pending <= 0 {
		return
	}

	e.setStatus(types.StatusHedging)
	res, err := e.hedgeExec.Execute(ctx, e.task.Params.HedgeAssetID, pending, e.task.MaxAskH)
	if err != nil {
		e.deps.Logger.Error("hedge attempt failed", "err", err, "qty", pending)
	}
	if res.FilledQty > 0 {
		if recErr := e.agg.RecordHedge(res.FilledQty, res.AvgPrice); recErr != nil {
			e.deps.Logger.Error("hedge result rejected by aggregator", "err", recErr)
		}
		e.emit(types.Event{Kind: types.EventHedge, TaskID: e.task.TaskID, Hedge: &res, At: time.Now()})
	}

	snap = e.agg.Read()
	if snap.EffectiveFilled >= e.task.Params.Qty {
		e.setStatus(types.StatusFullyFilled)
	} else if snap.TotalHedged > 0 {
		e.setStatus(types.StatusPartialFilled)
	}
}

// teardown is Phase C: stop all monitor loops (already cancelled by the
// caller), cancel the primary order if it may still be open, reconcile any
// cancel-race fill, drain a final hedge pass, and settle into a terminal
// status.
func (e *Executor) teardown(reason teardownReason, cause error) {
	ctx := context.Background()

	if cause != nil {
		e.deps.Logger.Error("teardown: monitor loops exited abnormally", "err", cause)
	}

	if e.lifecycle.IsOpenOrUnknown() {
		if _, err := e.lifecycle.Cancel(ctx); err != nil {
			e.deps.Logger.Warn("teardown: cancel request failed", "err", err)
		}
		res, err := e.lifecycle.ReconcileAfterCancel(ctx, nil)
		if err == nil {
			e.agg.ApplyRestSnapshot(types.Quantity(priceutils.FloorQty(res.FilledQty)))
		}
	}

	// Final hedge pass: drain any residual even below minHedgeNotional (§4.8).
	snap := e.agg.Read()
	pending := snap.EffectiveFilled - snap.TotalHedged
	if pending > 0 {
		e.runHedge(ctx)
		snap = e.agg.Read()
	}

	// tr records WHY monitor() stopped, independent of how much ended up
	// filled — a partial fill that was fully hedged after a timeout or a
	// cost-invalidation still reports ORDER_TIMEOUT/COST_INVALID, not
	// FULLY_HEDGED, so an operator can tell a pre-empted task from one that
	// ran its course.
	var tr types.TerminalReason
	switch reason {
	case reasonExternalCancel:
		tr = types.ReasonUserCancelled
	case reasonTimeout:
		tr = types.ReasonOrderTimeout
	case reasonCostInvalid:
		tr = types.ReasonCostInvalid
	case reasonMonitorError:
		tr = types.ReasonInternalInvariant
	default:
		tr = types.ReasonFullyHedged
	}

	e.taskMu.Lock()
	e.task.CompletedAt = time.Now()
	pendingResidual := snap.EffectiveFilled - snap.TotalHedged
	var status types.TaskStatus
	switch {
	case pendingResidual > 0:
		status = types.StatusFailed
		tr = types.ReasonHedgeResidual
	case reason == reasonMonitorError:
		status = types.StatusFailed
	case reason == reasonExternalCancel && snap.EffectiveFilled == 0:
		status = types.StatusCancelled
	case reason == reasonCostInvalid && snap.EffectiveFilled == 0:
		status = types.StatusCancelled
	case reason == reasonTimeout && snap.EffectiveFilled == 0:
		status = types.StatusFailed
	default:
		status = types.StatusCompleted
	}
	e.task.Status = status
	e.task.TerminalReason = tr
	e.taskMu.Unlock()

	e.emit(types.Event{Kind: types.EventTerminal, TaskID: e.task.TaskID, Status: status, TerminalReason: tr, At: time.Now()})
}

func (e *Executor) failTerminal(reason types.TerminalReason, err error) {
	e.taskMu.Lock()
	e.task.Status = types.StatusFailed
	e.task.TerminalReason = reason
	e.task.CompletedAt = time.Now()
	e.taskMu.Unlock()
	e.deps.Logger.Error("task failed in submit phase", "reason", reason, "err", err)
	e.emit(types.Event{Kind: types.EventTerminal, TaskID: e.task.TaskID, Status: types.StatusFailed, TerminalReason: reason, At: time.Now()})
}
