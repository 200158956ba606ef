package core

import "context"

// Agent is the capability contract implemented by every invocable agent.
//
// An agent executes in segments. The engine calls Execute once for a fresh
// run and once more after every resume; the RunContext tells the segment
// whether it is starting (Resume nil) or continuing (Resume set, State
// carrying the snapshot returned by the previous segment).
//
// A segment ends in one of three ways:
//   - return (nil, nil) or (&StepResult{}, nil): the run is complete;
//   - return a StepResult with Await set: the run suspends in the awaiting
//     state, the posed message is surfaced to the caller, and the snapshot in
//     State is persisted so the next segment can execute on any replica;
//   - return an error: the run fails (or is cancelled when the error wraps
//     ErrRunCancelled or the context's cancellation).
//
// Agents stream incremental output through RunContext.Yield; each yield is a
// cooperative suspension point where cancellation is observed. Agents must
// not retain the RunContext beyond the Execute call.
type Agent interface {
	Name() string
	Description() string
	Execute(ctx context.Context, rc *RunContext) (*StepResult, error)
}

// StepResult is the outcome of one execution segment.
type StepResult struct {
	// Await, when non-nil, suspends the run and poses this message to the
	// caller. A nil Await means the segment completed the run.
	Await *Message
	// State is the agent snapshot persisted across the suspension. Ignored
	// when Await is nil.
	State []byte
}

// AwaitWith builds a suspending step result.
func AwaitWith(request Message, state []byte) *StepResult {
	return &StepResult{Await: &request, State: state}
}

// AgentDescriptor is the metadata surfaced for a registered agent.
type AgentDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
