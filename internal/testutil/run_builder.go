package testutil

import (
	"github.com/agentwire/agentwire/core"
)

// RunBuilder helps construct run records with fluent chaining for tests.
// Example:
//
//	run := NewRunBuilder("echo").Session("sess-1").UserText("hi").Status(core.StatusInProgress).Build()
type RunBuilder struct {
	agentName string
	sessionID string
	input     []core.Message
	output    []core.Message
	status    core.Status
	state     []byte
}

// NewRunBuilder creates a builder for a run executed by the named agent.
func NewRunBuilder(agentName string) *RunBuilder {
	return &RunBuilder{agentName: agentName, status: core.StatusCreated}
}

// Session binds the run to a session id (chainable).
func (b *RunBuilder) Session(sessionID string) *RunBuilder {
	b.sessionID = sessionID
	return b
}

// UserText appends a plain-text user message to the input (chainable).
func (b *RunBuilder) UserText(text string) *RunBuilder {
	b.input = append(b.input, core.UserText(text))
	return b
}

// Input appends messages to the run input (chainable).
func (b *RunBuilder) Input(msgs ...core.Message) *RunBuilder {
	b.input = append(b.input, msgs...)
	return b
}

// Output appends messages to the run output (chainable).
func (b *RunBuilder) Output(msgs ...core.Message) *RunBuilder {
	b.output = append(b.output, msgs...)
	return b
}

// Status sets the run status (chainable). The builder does not validate
// transitions; tests may construct any status directly.
func (b *RunBuilder) Status(status core.Status) *RunBuilder {
	b.status = status
	return b
}

// State sets the persisted agent snapshot (chainable).
func (b *RunBuilder) State(blob []byte) *RunBuilder {
	b.state = blob
	return b
}

// Build returns the assembled run record.
func (b *RunBuilder) Build() *core.Run {
	run := core.NewRun(b.agentName, b.sessionID, b.input)
	run.Status = b.status
	run.Output = core.CloneMessages(b.output)
	run.AgentState = b.state
	return run
}
