package core

import "time"

// EventKind categorizes a run state change.
type EventKind string

const (
	// EventStatusChanged records a run status transition.
	EventStatusChanged EventKind = "status-changed"
	// EventMessagePart records a streamed output message produced by the agent.
	EventMessagePart EventKind = "message-part"
	// EventAwaitRequested records entry into the awaiting state together with
	// the message posed to the caller.
	EventAwaitRequested EventKind = "await-requested"
	// EventAwaitResumed records the resume message that re-entered the agent.
	EventAwaitResumed EventKind = "await-resumed"
	// EventRunFinished is the terminal event of a run. Subscriptions end
	// after delivering it.
	EventRunFinished EventKind = "run-finished"
)

// Event is an immutable, ordered record of a run state change. Events are
// produced exclusively by the engine instance executing the run and consumed
// by any number of observers, locally or from other replicas.
//
// Sequence numbers are monotonic and gap-free within a run; they are assigned
// by the event bus at publish time and are the basis of replay-safety.
type Event struct {
	ID       string    `json:"id"`
	RunID    string    `json:"run_id"`
	Sequence uint64    `json:"sequence"`
	Kind     EventKind `json:"kind"`

	// Status carries the new status for status-changed and run-finished events.
	Status Status `json:"status,omitempty"`
	// Message carries the payload of message-part, await-requested and
	// await-resumed events.
	Message *Message `json:"message,omitempty"`
	// Error carries the failure payload on a run-finished event with status
	// failed.
	Error *RunError `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether this event ends the run's event stream.
func (e Event) Terminal() bool { return e.Kind == EventRunFinished }

func newEvent(runID string, kind EventKind) Event {
	return Event{ID: NewID(), RunID: runID, Kind: kind, Timestamp: time.Now().UTC()}
}

// NewStatusEvent records a transition to the given non-terminal status.
func NewStatusEvent(runID string, status Status) Event {
	e := newEvent(runID, EventStatusChanged)
	e.Status = status
	return e
}

// NewMessageEvent records an output message chunk yielded by the agent.
func NewMessageEvent(runID string, msg Message) Event {
	e := newEvent(runID, EventMessagePart)
	e.Message = &msg
	return e
}

// NewAwaitRequestedEvent records suspension with the posed message.
func NewAwaitRequestedEvent(runID string, request Message) Event {
	e := newEvent(runID, EventAwaitRequested)
	e.Status = StatusAwaiting
	e.Message = &request
	return e
}

// NewAwaitResumedEvent records the externally supplied resume message.
func NewAwaitResumedEvent(runID string, resume Message) Event {
	e := newEvent(runID, EventAwaitResumed)
	e.Status = StatusInProgress
	e.Message = &resume
	return e
}

// NewFinishedEvent records the terminal status of a run. err is non-nil only
// for failed runs.
func NewFinishedEvent(runID string, status Status, err *RunError) Event {
	e := newEvent(runID, EventRunFinished)
	e.Status = status
	e.Error = err
	return e
}
