package types

import "time"

// TaskStatus is the single totally-ordered status field of a Task, mutated
// only by its TaskExecutor.
type TaskStatus string

const (
	StatusPending        TaskStatus = "PENDING"
	StatusSubmitted      TaskStatus = "SUBMITTED"
	StatusPartialFilled  TaskStatus = "PARTIAL_FILLED"
	StatusFullyFilled    TaskStatus = "FULLY_FILLED"
	StatusHedging        TaskStatus = "HEDGING"
	StatusCompleted      TaskStatus = "COMPLETED"
	StatusCancelling     TaskStatus = "CANCELLING"
	StatusCancelled      TaskStatus = "CANCELLED"
	StatusFailed         TaskStatus = "FAILED"
)

// IsTerminal reports whether status admits no further transitions (I6).
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// TerminalReason explains why a task reached a terminal status. Surfaced on
// the TERMINAL event and retained on the Task for diagnostic queries.
type TerminalReason string

const (
	ReasonFullyHedged       TerminalReason = "FULLY_HEDGED"
	ReasonCostInvalid       TerminalReason = "COST_INVALID"
	ReasonOrderTimeout      TerminalReason = "ORDER_TIMEOUT"
	ReasonUserCancelled     TerminalReason = "USER_CANCELLED"
	ReasonHedgeResidual     TerminalReason = "HEDGE_RESIDUAL"
	ReasonSubmitFailed      TerminalReason = "SUBMIT_FAILED"
	ReasonInternalInvariant TerminalReason = "INTERNAL_INVARIANT"
)

// TaskSide is the directional side of the opportunity on the primary venue.
type TaskSide string

const (
	BuyYes TaskSide = "BUY_YES"
	BuyNo  TaskSide = "BUY_NO"
)

// Quantity is an integer count of minimum-tradable-unit lots. Representing
// fill quantities as an integer (rather than float64) makes the monotonic
// comparisons required by I1/P1/P3 exact; conversion to a human-readable
// size happens only at the PriceUtils/reporting boundary.
type Quantity int64

// TaskParams are the immutable inputs a Task is created with.
type TaskParams struct {
	MarketID         string // primary venue market id (M)
	HedgeAssetID     string // hedge venue asset id (A)
	Side             TaskSide
	AskP             float64 // entry price on P at task creation
	Qty              Quantity
	MaxCost          float64
	FeeRateBps       int
	TickPrimary      float64
	TickHedge        float64
	OrderTimeout     time.Duration
	MaxHedgeRetries  int
	MinHedgeNotional float64
}

// Task is the unit of execution owned exclusively by one TaskExecutor.
type Task struct {
	TaskID         string
	IdempotencyKey string
	Params         TaskParams
	MaxAskH        float64 // derived once at Phase A, static for the task's life

	Status         TaskStatus
	TerminalReason TerminalReason

	CreatedAt   time.Time
	SubmittedAt time.Time
	CompletedAt time.Time

	OrderHash string
}

// Snapshot is an immutable, safe-to-share copy of a Task's externally
// visible state, handed out by TaskRegistry.Get/List and embedded in events.
type Snapshot struct {
	TaskID          string
	IdempotencyKey  string
	Status          TaskStatus
	TerminalReason  TerminalReason
	EffectiveFilled Quantity
	TotalHedged     Quantity
	AvgHedgePrice   float64
	CreatedAt       time.Time
	CompletedAt     time.Time
}
