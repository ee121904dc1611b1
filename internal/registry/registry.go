// Package registry implements TaskRegistry (§4.9): the process-wide
// taskId -> TaskExecutor map, an idempotency index, and the in-process
// SSE-style typed event fan-out every task reports through.
//
// Grounded on the teacher's internal/engine/engine.go (central slots-map
// orchestrator, tokenMap-style routing, graceful Stop() with a cancel-all
// safety net) for the registry shape, and internal/api/events.go/stream.go
// (typed event hub, per-client broadcast channel, event_type discriminated
// union) for the in-process fan-out, minus the HTTP/WS transport layer
// (Non-goal).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"arb-engine/internal/diag"
	"arb-engine/internal/task"
	"arb-engine/pkg/types"
)

// Config bundles the registry's own tunables (§6 supplemented config).
type Config struct {
	HistoryRetention   time.Duration // how long a terminal task's Snapshot stays queryable
	CancelWaitTimeout  time.Duration // bounded wait for cancel() to observe terminal
	TaskConfig         task.Config
	HistoryPersistDir  string // optional; "" disables diagnostic persistence
}

type entry struct {
	executor   *task.Executor
	cancelOnce sync.Once
	cancelCh   chan struct{}
	createdAt  time.Time
	terminalAt time.Time // zero until terminal
}

// Registry is the process-wide task directory.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*entry
	idemp map[string]string // idempotencyKey -> taskId

	subsMu sync.Mutex
	subs   map[int]chan types.Event
	nextSub int
	seq    map[string]uint64 // per-task monotonic sequence counter

	cfg    Config
	logger *slog.Logger
	diag   *diag.Store // nil if history persistence is disabled

	newDeps func(*types.Task) task.Deps
}

// NewDepsFunc constructs the Deps for a freshly created task — wiring in the
// venue clients, book cache, and per-task filtered fill channel. Supplied by
// the caller (cmd/arbbot) so Registry stays free of venue/transport details.
type NewDepsFunc func(*types.Task) task.Deps

// New constructs an empty Registry. If cfg.HistoryPersistDir is non-empty,
// terminal-task snapshots are atomically written there as a diagnostic aid
// (never read back as the source of truth for in-flight tasks).
func New(cfg Config, newDeps NewDepsFunc, logger *slog.Logger) (*Registry, error) {
	if cfg.CancelWaitTimeout <= 0 {
		cfg.CancelWaitTimeout = 5 * time.Second
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = time.Hour
	}
	var store *diag.Store
	if cfg.HistoryPersistDir != "" {
		s, err := diag.Open(cfg.HistoryPersistDir)
		if err != nil {
			return nil, fmt.Errorf("registry: open diagnostic store: %w", err)
		}
		store = s
	}
	return &Registry{
		tasks:   make(map[string]*entry),
		idemp:   make(map[string]string),
		subs:    make(map[int]chan types.Event),
		seq:     make(map[string]uint64),
		cfg:     cfg,
		logger:  logger,
		diag:    store,
		newDeps: newDeps,
	}, nil
}

// Create allocates and starts a new task, unless idempotencyKey already
// names a non-terminal task — in which case its taskId is returned instead
// (P8: idempotent task creation).
func (r *Registry) Create(params types.TaskParams, idempotencyKey string) (string, error) {
	r.mu.Lock()
	if existingID, ok := r.idemp[idempotencyKey]; ok {
		if e, ok := r.tasks[existingID]; ok && e.terminalAt.IsZero() {
			r.mu.Unlock()
			return existingID, nil
		}
	}
	r.mu.Unlock()

	taskID := uuid.NewString()
	t := &types.Task{
		TaskID:         taskID,
		IdempotencyKey: idempotencyKey,
		Params:         params,
		Status:         types.StatusPending,
		CreatedAt:      time.Now(),
	}

	deps := r.newDeps(t)
	deps.OnEvent = r.fanOut(taskID, deps.OnEvent)

	ex := task.New(t, deps, r.cfg.TaskConfig)
	ent := &entry{executor: ex, cancelCh: make(chan struct{}), createdAt: time.Now()}

	r.mu.Lock()
	r.tasks[taskID] = ent
	r.idemp[idempotencyKey] = taskID
	r.mu.Unlock()

	r.publish(types.Event{Kind: types.EventTaskCreated, TaskID: taskID, At: time.Now()})

	go func() {
		ex.Run(context.Background(), ent.cancelCh)
		r.mu.Lock()
		ent.terminalAt = time.Now()
		r.mu.Unlock()
		r.persistTerminal(ex.Snapshot())
	}()

	return taskID, nil
}

// fanOut wraps a task's own OnEvent hook (if any) with sequence-number
// stamping and registry-level broadcast.
func (r *Registry) fanOut(taskID string, inner func(types.Event)) func(types.Event) {
	return func(evt types.Event) {
		r.subsMu.Lock()
		r.seq[taskID]++
		evt.Seq = r.seq[taskID]
		r.subsMu.Unlock()
		evt.TaskID = taskID
		if inner != nil {
			inner(evt)
		}
		r.publish(evt)
	}
}

func (r *Registry) publish(evt types.Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- evt:
		default:
			r.logger.Warn("registry: subscriber channel full, dropping event", "task_id", evt.TaskID, "kind", evt.Kind)
		}
	}
}

// Subscribe returns a channel of every task's events from this point
// forward. Events are not replayed for late subscribers beyond whatever a
// concurrent Get/List call on the current snapshot would show.
func (r *Registry) Subscribe() (<-chan types.Event, func()) {
	ch := make(chan types.Event, 64)
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subsMu.Unlock()

	unsubscribe := func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		close(ch)
		r.subsMu.Unlock()
	}
	return ch, unsubscribe
}

// Cancel signals taskId's executor to tear down and waits up to
// CancelWaitTimeout for it to reach a terminal state.
func (r *Registry) Cancel(taskID string) error {
	r.mu.Lock()
	ent, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("registry: unknown task %s", taskID)
	}

	ent.cancelOnce.Do(func() { close(ent.cancelCh) })

	deadline := time.Now().Add(r.cfg.CancelWaitTimeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		done := !ent.terminalAt.IsZero()
		r.mu.Unlock()
		if done {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("registry: task %s did not reach terminal state within %s", taskID, r.cfg.CancelWaitTimeout)
}

// Get returns a task's current snapshot.
func (r *Registry) Get(taskID string) (types.Snapshot, bool) {
	r.mu.Lock()
	ent, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return types.Snapshot{}, false
	}
	return ent.executor.Snapshot(), true
}

// List returns a snapshot of every known task, including reaped-pending
// terminal ones still within the retention window.
func (r *Registry) List() []types.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Snapshot, 0, len(r.tasks))
	for _, ent := range r.tasks {
		out = append(out, ent.executor.Snapshot())
	}
	return out
}

// Reap removes terminal tasks whose terminalAt is older than
// HistoryRetention from the in-memory map. The idempotency index entry is
// removed alongside so a new Create with the same key starts fresh.
func (r *Registry) Reap() {
	cutoff := time.Now().Add(-r.cfg.HistoryRetention)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ent := range r.tasks {
		if !ent.terminalAt.IsZero() && ent.terminalAt.Before(cutoff) {
			delete(r.tasks, id)
			for key, mapped := range r.idemp {
				if mapped == id {
					delete(r.idemp, key)
				}
			}
		}
	}
}

// Stop cancels every non-terminal task and waits up to CancelWaitTimeout for
// each to reach a terminal state, mirroring the teacher's engine.Stop()
// cancel-all safety net generalized from "one engine, many markets" to "one
// registry, many tasks."
func (r *Registry) Stop() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tasks))
	for id, ent := range r.tasks {
		if ent.terminalAt.IsZero() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			if err := r.Cancel(taskID); err != nil {
				r.logger.Warn("registry: task did not cancel cleanly during stop", "task_id", taskID, "err", err)
			}
		}(id)
	}
	wg.Wait()
}

// RunReaper calls Reap on every tick until ctx is cancelled.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

func (r *Registry) persistTerminal(snap types.Snapshot) {
	if r.diag == nil {
		return
	}
	if err := r.diag.SaveTerminalTask(snap); err != nil {
		r.logger.Warn("registry: failed to persist terminal task diagnostic", "task_id", snap.TaskID, "err", err)
	}
}
