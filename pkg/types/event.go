package types

import "time"

// EventKind enumerates the typed events TaskRegistry fans out to subscribers
// (§4.9): TASK_CREATED, STATUS_CHANGED, FILL, HEDGE, TERMINAL.
type EventKind string

const (
	EventTaskCreated   EventKind = "TASK_CREATED"
	EventStatusChanged EventKind = "STATUS_CHANGED"
	EventFill          EventKind = "FILL"
	EventHedge         EventKind = "HEDGE"
	EventTerminal      EventKind = "TERMINAL"
)

// Event is one entry in a task's event stream. Seq is assigned by
// TaskRegistry and is monotonically increasing per task, letting subscribers
// detect gaps after a reconnect.
type Event struct {
	Kind   EventKind
	TaskID string
	Seq    uint64
	At     time.Time

	Status         TaskStatus     // set for STATUS_CHANGED and TERMINAL
	TerminalReason TerminalReason // set for TERMINAL
	Fill           *FillEvent     // set for FILL
	Hedge          *HedgeResult   // set for HEDGE
}
