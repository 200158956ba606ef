// Package agent provides building blocks for implementing the core.Agent
// contract: a function adapter for plain step functions and a small built-in
// echo agent useful for wiring checks and examples.
package agent

import (
	"context"

	"github.com/agentwire/agentwire/core"
)

// Func adapts a plain step function to the core.Agent interface.
type Func struct {
	name        string
	description string
	fn          func(ctx context.Context, rc *core.RunContext) (*core.StepResult, error)
}

// NewFunc wraps fn as a named agent.
func NewFunc(name, description string, fn func(ctx context.Context, rc *core.RunContext) (*core.StepResult, error)) *Func {
	return &Func{name: name, description: description, fn: fn}
}

// Name implements core.Agent.
func (f *Func) Name() string { return f.name }

// Description implements core.Agent.
func (f *Func) Description() string { return f.description }

// Execute implements core.Agent.
func (f *Func) Execute(ctx context.Context, rc *core.RunContext) (*core.StepResult, error) {
	return f.fn(ctx, rc)
}

var _ core.Agent = (*Func)(nil)
