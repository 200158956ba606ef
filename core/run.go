package core

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run. The string values are part of the
// wire contract.
type Status string

const (
	// StatusCreated means the run record exists but execution has not begun.
	StatusCreated Status = "created"
	// StatusInProgress means the run is actively executing agent logic.
	StatusInProgress Status = "in-progress"
	// StatusAwaiting means the run is suspended waiting for externally
	// supplied data. No execution context is held while awaiting.
	StatusAwaiting Status = "awaiting"
	// StatusCompleted is the successful terminal state.
	StatusCompleted Status = "completed"
	// StatusFailed is the terminal state after an unrecoverable agent error.
	StatusFailed Status = "failed"
	// StatusCancelled is the terminal state after an explicit cancellation.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal runs are immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions encodes the run state machine.
var transitions = map[Status][]Status{
	StatusCreated:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusAwaiting, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaiting:   {StatusInProgress, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the state machine permits moving to next.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// RunError is the structured error payload carried by a failed run. It is
// distinct from the protocol-level error taxonomy, which applies to requests
// about a run rather than failures from within it.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RunError) Error() string { return e.Code + ": " + e.Message }

// Run is the durable record of one agent execution. It is mutated only by
// the engine instance currently executing it (single-writer invariant) and
// becomes immutable once the status is terminal. Other components issue
// resume/cancel requests instead of writing the record directly; the one
// exception is the CancelRequested flag, which the dispatcher may set via a
// compare-and-swap and the executor observes at its next suspension point.
type Run struct {
	ID        string    `json:"id"`
	AgentName string    `json:"agent_name"`
	SessionID string    `json:"session_id,omitempty"`
	Status    Status    `json:"status"`
	Input     []Message `json:"input"`
	Output    []Message `json:"output,omitempty"`

	// AwaitRequest is the message posed to the caller while the run is
	// suspended. Set on entry to awaiting, cleared on resume.
	AwaitRequest *Message `json:"await_request,omitempty"`

	// Error is the terminal payload of a failed run.
	Error *RunError `json:"error,omitempty"`

	// AgentState is the engine-managed snapshot captured at each awaiting
	// transition. It lets the next segment execute on any replica; an
	// in-process stack frame would not survive the process boundary.
	AgentState []byte `json:"agent_state,omitempty"`

	// CancelRequested asks the executing engine to cancel cooperatively.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRun builds a run record in the created state.
func NewRun(agentName, sessionID string, input []Message) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        NewID(),
		AgentName: agentName,
		SessionID: sessionID,
		Status:    StatusCreated,
		Input:     CloneMessages(input),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy safe for independent mutation.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Input = CloneMessages(r.Input)
	out.Output = CloneMessages(r.Output)
	if r.AwaitRequest != nil {
		aw := CloneMessages([]Message{*r.AwaitRequest})[0]
		out.AwaitRequest = &aw
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	if r.AgentState != nil {
		out.AgentState = append([]byte(nil), r.AgentState...)
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// NewID generates a unique identifier for runs, sessions and events.
func NewID() string { return uuid.NewString() }
