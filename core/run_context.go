package core

import (
	"context"

	"github.com/agentwire/agentwire/logging"
)

// SessionAccess exposes the session operations available to an executing
// agent. The session manager implements it; the engine injects it into the
// RunContext so agents never touch the store directly.
type SessionAccess interface {
	// LoadHistory replays the session's full message history, oldest first.
	LoadHistory(ctx context.Context, sessionID string) ([]Message, error)
	// LoadState returns the opaque state blob and its version. An absent
	// blob yields (nil, 0, nil).
	LoadState(ctx context.Context, sessionID string) ([]byte, int64, error)
	// StoreState writes the blob, failing with ErrVersionConflict when
	// expectedVersion is stale.
	StoreState(ctx context.Context, sessionID string, blob []byte, expectedVersion int64) error
}

// RunContext is the per-segment execution scope handed to Agent.Execute.
//
// Session history is exposed on demand via LoadHistory rather than merged
// into Input; changing this is a breaking change to the agent-invocation
// interface, not the client protocol.
type RunContext struct {
	// RunID identifies the executing run.
	RunID string
	// SessionID is empty for session-less runs.
	SessionID string
	// Input is the ordered input of the run.
	Input []Message
	// Resume carries the externally supplied message after an await. It is
	// nil on the first segment.
	Resume *Message
	// State is the snapshot returned by the previous segment, nil on the
	// first segment.
	State []byte
	// Logger is scoped to the run.
	Logger logging.Logger

	yield    func(Message) error
	sessions SessionAccess
}

// NewRunContext builds a run context. The yield callback publishes an output
// message and reports cancellation; the engine owns it.
func NewRunContext(
	run *Run,
	resume *Message,
	yield func(Message) error,
	sessions SessionAccess,
	logger logging.Logger,
) *RunContext {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &RunContext{
		RunID:     run.ID,
		SessionID: run.SessionID,
		Input:     CloneMessages(run.Input),
		Resume:    resume,
		State:     run.AgentState,
		Logger:    logger,
		yield:     yield,
		sessions:  sessions,
	}
}

// Yield streams an output message. It validates the message, appends it to
// the run's output, and publishes a message-part event. Yield returns
// ErrRunCancelled once cancellation has been requested; agents should stop
// and propagate it.
func (rc *RunContext) Yield(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return rc.yield(msg)
}

// LoadHistory replays the session history. Session-less runs see an empty
// history.
func (rc *RunContext) LoadHistory(ctx context.Context) ([]Message, error) {
	if rc.SessionID == "" || rc.sessions == nil {
		return nil, nil
	}
	return rc.sessions.LoadHistory(ctx, rc.SessionID)
}

// LoadState returns the session's opaque state blob and its version.
func (rc *RunContext) LoadState(ctx context.Context) ([]byte, int64, error) {
	if rc.SessionID == "" || rc.sessions == nil {
		return nil, 0, nil
	}
	return rc.sessions.LoadState(ctx, rc.SessionID)
}

// StoreState writes the session state blob using the optimistic-concurrency
// discipline: pass the version returned by LoadState, and retry on
// ErrVersionConflict by re-reading.
func (rc *RunContext) StoreState(ctx context.Context, blob []byte, expectedVersion int64) error {
	if rc.SessionID == "" || rc.sessions == nil {
		return &ValidationError{Field: "session_id", Reason: "run is not bound to a session"}
	}
	return rc.sessions.StoreState(ctx, rc.SessionID, blob, expectedVersion)
}
