// Package agentwire provides a high-level façade over the run dispatcher and
// its supporting services (store, sessions, event bus, engine). Most
// applications interact with this package by:
//  1. Creating an AgentWire via New() (optionally supplying a durable store)
//  2. Registering one or more agents
//  3. Starting runs asynchronously (StartRun + StreamRun) or synchronously
//     (RunSync)
//
// The defaults are safe for local development and testing: an in-memory
// store, which limits coordination to a single process. Production
// deployments supply a Redis or Postgres store so any replica can serve any
// run, and a structured logger.
package agentwire

import (
	"context"

	"github.com/agentwire/agentwire/core"
	"github.com/agentwire/agentwire/dispatcher"
	"github.com/agentwire/agentwire/engine"
	"github.com/agentwire/agentwire/eventbus"
	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/session"
	"github.com/agentwire/agentwire/store"
)

// Options configures the AgentWire instance.
type Options struct {
	// Store is the shared backend all components coordinate through.
	// Defaults to an in-memory store.
	Store store.Store

	// EngineConfig tunes run execution (concurrency, record TTL).
	EngineConfig engine.Config

	// RequireExistingSessions makes caller-supplied session ids fail with
	// NotFound instead of being created implicitly.
	RequireExistingSessions bool

	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// AgentWire aggregates the dispatcher and the services beneath it.
type AgentWire struct {
	store      store.Store
	ownsStore  bool
	sessions   *session.Manager
	bus        *eventbus.Bus
	engine     *engine.Engine
	dispatcher *dispatcher.Dispatcher
}

// New creates an AgentWire instance. Any unset service is initialized with
// an in-memory implementation.
func New(optFns ...func(o *Options)) *AgentWire {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	ownsStore := opts.Store == nil
	if ownsStore {
		opts.Store = store.NewInMemoryStore()
	}

	sessions := session.NewManager(opts.Store, func(o *session.Options) {
		o.RequireExisting = opts.RequireExistingSessions
		o.Logger = opts.Logger
	})
	bus := eventbus.New(opts.Store, func(o *eventbus.Options) {
		o.Logger = opts.Logger
	})
	eng := engine.New(opts.Store, sessions, bus, func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Logger = opts.Logger
	})
	disp := dispatcher.New(opts.Store, sessions, bus, eng, func(o *dispatcher.Options) {
		o.Logger = opts.Logger
	})

	return &AgentWire{
		store:      opts.Store,
		ownsStore:  ownsStore,
		sessions:   sessions,
		bus:        bus,
		engine:     eng,
		dispatcher: disp,
	}
}

// Register adds an agent to the dispatcher's registry.
func (w *AgentWire) Register(a core.Agent) { w.dispatcher.Register(a) }

// ListAgents returns descriptors for all registered agents.
func (w *AgentWire) ListAgents() []core.AgentDescriptor { return w.dispatcher.ListAgents() }

// StartRun admits and starts a run asynchronously. Follow it with StreamRun
// or GetRun.
func (w *AgentWire) StartRun(ctx context.Context, req dispatcher.StartRunRequest) (*core.Run, error) {
	return w.dispatcher.StartRun(ctx, req)
}

// GetRun reads the current run record.
func (w *AgentWire) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	return w.dispatcher.GetRun(ctx, runID)
}

// ResumeRun supplies the awaited message to a suspended run.
func (w *AgentWire) ResumeRun(ctx context.Context, runID string, msg core.Message) (*core.Run, error) {
	return w.dispatcher.ResumeRun(ctx, runID, msg)
}

// CancelRun requests cancellation of a non-terminal run.
func (w *AgentWire) CancelRun(ctx context.Context, runID string) error {
	return w.dispatcher.CancelRun(ctx, runID)
}

// StreamRun subscribes to a run's ordered event stream from the given
// sequence number.
func (w *AgentWire) StreamRun(ctx context.Context, runID string, fromSequence uint64) (<-chan core.Event, error) {
	return w.dispatcher.StreamRun(ctx, runID, fromSequence)
}

// RunSync is a synchronous helper: it starts the run, drains its event
// stream and returns the final run record. A run that suspends in awaiting
// is returned as-is with its posed message; resume it with ResumeRun.
func (w *AgentWire) RunSync(ctx context.Context, req dispatcher.StartRunRequest) (*core.Run, []core.Event, error) {
	run, err := w.StartRun(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	events, err := w.StreamRun(ctx, run.ID, 1)
	if err != nil {
		return run, nil, err
	}

	var collected []core.Event
	for ev := range events {
		collected = append(collected, ev)
		if ev.Kind == core.EventAwaitRequested {
			awaiting, err := w.GetRun(ctx, run.ID)
			return awaiting, collected, err
		}
	}
	if err := ctx.Err(); err != nil {
		return run, collected, err
	}

	final, err := w.GetRun(ctx, run.ID)
	return final, collected, err
}

// Sessions exposes the session manager for history and state access outside
// a run.
func (w *AgentWire) Sessions() *session.Manager { return w.sessions }

// Close stops local execution. The store is closed only when it was created
// by New; injected stores belong to the caller.
func (w *AgentWire) Close() error {
	err := w.engine.Close()
	if w.ownsStore {
		if cerr := w.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
