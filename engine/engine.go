// Package engine drives the run lifecycle state machine and executes agents
// in segments.
//
// A run moves created → in-progress → {completed, failed, cancelled}, with
// in-progress ⇄ awaiting for externally supplied data. Every transition is a
// compare-and-swap on the run record, so the single-writer invariant holds
// even when replicas race, and every transition is published to the event bus
// before callers can observe it through the stream.
//
// Execution is segment-based: the agent is invoked once per segment and an
// awaiting run holds no goroutine, no channel and no stack frame, only the
// persisted snapshot, so the next segment can execute on any replica.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentwire/agentwire/core"
	"github.com/agentwire/agentwire/eventbus"
	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/store"
)

// casRetries bounds compare-and-swap loops on the run record. The engine is
// the record's single writer; the only competing write is the dispatcher's
// CancelRequested flag.
const casRetries = 8

// Sessions is the slice of session-manager behavior the engine depends on.
type Sessions interface {
	core.SessionAccess
	AppendHistory(ctx context.Context, sessionID string, msgs ...core.Message) error
	Release(ctx context.Context, sessionID, runID string) error
}

// Config defines tuning parameters for run execution.
type Config struct {
	// MaxConcurrentRuns bounds the number of segments executing at once on
	// this replica. Set to 0 for unlimited.
	MaxConcurrentRuns int
	// RunTTL, when positive, is applied to the run record on every write so
	// abandoned runs age out of the store.
	RunTTL time.Duration
}

// DefaultConfig provides production-ready defaults.
var DefaultConfig = Config{
	MaxConcurrentRuns: 10,
}

// Options configures an Engine.
type Options struct {
	Config Config
	Logger logging.Logger
}

// Engine executes runs against the shared store. It owns every write to a
// run record while the run executes locally; remote replicas communicate
// through the CancelRequested flag and the event stream.
type Engine struct {
	store    store.Store
	sessions Sessions
	bus      *eventbus.Bus
	config   Config
	logger   logging.Logger

	slots chan struct{}

	// activeRuns maps run ids to cancel functions for runs executing on THIS
	// replica only. Runs awaiting or executing elsewhere never appear here.
	activeRuns map[string]context.CancelFunc
	mu         sync.Mutex

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New builds an Engine on the given store, session manager and event bus.
func New(s store.Store, sessions Sessions, bus *eventbus.Bus, optFns ...func(o *Options)) *Engine {
	opts := Options{Config: DefaultConfig, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	var slots chan struct{}
	if opts.Config.MaxConcurrentRuns > 0 {
		slots = make(chan struct{}, opts.Config.MaxConcurrentRuns)
	}
	return &Engine{
		store:      s,
		sessions:   sessions,
		bus:        bus,
		config:     opts.Config,
		logger:     opts.Logger,
		slots:      slots,
		activeRuns: make(map[string]context.CancelFunc),
		done:       make(chan struct{}),
	}
}

// Start transitions a created run to in-progress and executes its first
// segment asynchronously. The run record must already be persisted.
func (e *Engine) Start(ctx context.Context, run *core.Run, agent core.Agent) error {
	updated, err := e.mutateRun(ctx, run.ID, func(r *core.Run) error {
		return e.transition(r, core.StatusInProgress)
	})
	if err != nil {
		return err
	}
	if _, err := e.bus.Publish(ctx, core.NewStatusEvent(run.ID, core.StatusInProgress)); err != nil {
		return err
	}
	e.spawn(updated, agent, nil)
	return nil
}

// Resume feeds an externally supplied message to an awaiting run and executes
// its next segment. Resuming a run in any other state fails with
// ErrInvalidTransition.
func (e *Engine) Resume(ctx context.Context, runID string, agent core.Agent, resume core.Message) error {
	if err := resume.Validate(); err != nil {
		return err
	}
	updated, err := e.mutateRun(ctx, runID, func(r *core.Run) error {
		if r.Status != core.StatusAwaiting {
			return fmt.Errorf("resume run %s in status %s: %w", runID, r.Status, core.ErrInvalidTransition)
		}
		r.Status = core.StatusInProgress
		r.AwaitRequest = nil
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := e.bus.Publish(ctx, core.NewAwaitResumedEvent(runID, resume)); err != nil {
		return err
	}
	e.spawn(updated, agent, &resume)
	return nil
}

// CancelLocal cancels the run's execution context if, and only if, the run is
// executing on this replica. It reports whether a local execution was found.
func (e *Engine) CancelLocal(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.activeRuns[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Close cancels all locally executing runs and waits for their segments to
// settle into awaiting or a terminal state.
func (e *Engine) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	for _, cancel := range e.activeRuns {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// spawn runs one segment in its own goroutine. The segment context is
// detached from the request context: the caller's connection ending must not
// kill the run, which may be streamed by a different replica entirely.
func (e *Engine) spawn(run *core.Run, agent core.Agent, resume *core.Message) {
	segCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.activeRuns[run.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.activeRuns, run.ID)
			e.mu.Unlock()
		}()

		if e.slots != nil {
			select {
			case e.slots <- struct{}{}:
				defer func() { <-e.slots }()
			case <-segCtx.Done():
				e.finish(run, core.StatusCancelled, nil)
				return
			case <-e.done:
				e.finish(run, core.StatusCancelled, nil)
				return
			}
		}

		e.runSegment(segCtx, run, agent, resume)
	}()
}

// runSegment executes one agent segment and applies its outcome to the run
// record and event log.
func (e *Engine) runSegment(ctx context.Context, run *core.Run, agent core.Agent, resume *core.Message) {
	logger := logging.With(e.logger, "run_id", run.ID, "agent", run.AgentName)

	yield := func(msg core.Message) error {
		return e.yield(ctx, run.ID, msg)
	}
	rc := core.NewRunContext(run, resume, yield, e.sessions, logger)

	step, err := agent.Execute(ctx, rc)
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, core.ErrRunCancelled)):
		logger.Info("run cancelled during segment")
		e.finish(run, core.StatusCancelled, nil)

	case err != nil:
		logger.Error("agent segment failed", "error", err)
		e.finish(run, core.StatusFailed, &core.RunError{Code: "agent-error", Message: err.Error()})

	case step != nil && step.Await != nil:
		e.suspend(run, *step.Await, step.State, logger)

	default:
		e.complete(run, logger)
	}
}

// yield persists one streamed output message and publishes it. It doubles as
// the cooperative cancellation point: a CancelRequested flag set by any
// replica surfaces here as ErrRunCancelled.
func (e *Engine) yield(ctx context.Context, runID string, msg core.Message) error {
	if ctx.Err() != nil {
		return core.ErrRunCancelled
	}
	_, err := e.mutateRun(ctx, runID, func(r *core.Run) error {
		if r.CancelRequested {
			return core.ErrRunCancelled
		}
		r.Output = append(r.Output, msg)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = e.bus.Publish(ctx, core.NewMessageEvent(runID, msg))
	return err
}

// suspend moves the run to awaiting, persisting the posed message and the
// agent snapshot, then releases the goroutine. The session claim is kept: an
// awaiting run is non-terminal and still excludes new runs in its session.
func (e *Engine) suspend(run *core.Run, request core.Message, state []byte, logger logging.Logger) {
	ctx, cancel := e.detachedCtx()
	defer cancel()

	_, err := e.mutateRun(ctx, run.ID, func(r *core.Run) error {
		if r.CancelRequested {
			return core.ErrRunCancelled
		}
		if err := e.transition(r, core.StatusAwaiting); err != nil {
			return err
		}
		r.AwaitRequest = &request
		r.AgentState = state
		return nil
	})
	if errors.Is(err, core.ErrRunCancelled) {
		e.finish(run, core.StatusCancelled, nil)
		return
	}
	if err != nil {
		logger.Error("persisting awaiting state failed", "error", err)
		e.finish(run, core.StatusFailed, &core.RunError{Code: "store-error", Message: err.Error()})
		return
	}
	if _, err := e.bus.Publish(ctx, core.NewAwaitRequestedEvent(run.ID, request)); err != nil {
		logger.Error("publishing await event failed", "error", err)
	}
	logger.Info("run awaiting external input")
}

// complete appends the run's conversation to session history and finishes
// the run. History gets the input and the accumulated output; failed and
// cancelled runs contribute nothing to history.
func (e *Engine) complete(run *core.Run, logger logging.Logger) {
	ctx, cancel := e.detachedCtx()
	defer cancel()

	final, err := e.readRun(ctx, run.ID)
	if err != nil {
		logger.Error("reading run for completion failed", "error", err)
		e.finish(run, core.StatusFailed, &core.RunError{Code: "store-error", Message: err.Error()})
		return
	}
	if final.SessionID != "" {
		msgs := append(core.CloneMessages(final.Input), final.Output...)
		if err := e.sessions.AppendHistory(ctx, final.SessionID, msgs...); err != nil {
			logger.Error("appending session history failed", "error", err)
			e.finish(run, core.StatusFailed, &core.RunError{Code: "store-error", Message: err.Error()})
			return
		}
	}
	e.finish(run, core.StatusCompleted, nil)
}

// finish writes the terminal status, publishes the terminal event and
// releases the session claim. Terminal states are immutable: once written,
// no further mutation of the record is possible.
func (e *Engine) finish(run *core.Run, status core.Status, runErr *core.RunError) {
	ctx, cancel := e.detachedCtx()
	defer cancel()

	logger := logging.With(e.logger, "run_id", run.ID)
	_, err := e.mutateRun(ctx, run.ID, func(r *core.Run) error {
		if err := e.transition(r, status); err != nil {
			return err
		}
		r.Error = runErr
		r.AwaitRequest = nil
		now := time.Now().UTC()
		r.FinishedAt = &now
		return nil
	})
	if errors.Is(err, core.ErrInvalidTransition) {
		// Another path already finished the run, e.g. a direct cancel.
		logger.Debug("run already terminal", "status", status)
	} else if err != nil {
		logger.Error("writing terminal status failed", "status", status, "error", err)
	} else {
		if _, err := e.bus.Publish(ctx, core.NewFinishedEvent(run.ID, status, runErr)); err != nil {
			logger.Error("publishing terminal event failed", "error", err)
		}
		logger.Info("run finished", "status", status)
	}

	if run.SessionID != "" {
		if err := e.sessions.Release(ctx, run.SessionID, run.ID); err != nil {
			logger.Error("releasing session claim failed", "session_id", run.SessionID, "error", err)
		}
	}
}

func (e *Engine) transition(r *core.Run, next core.Status) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("run %s: %s -> %s: %w", r.ID, r.Status, next, core.ErrInvalidTransition)
	}
	r.Status = next
	return nil
}

// mutateRun applies fn to the run record under compare-and-swap, retrying on
// version conflicts with a fresh read. fn sees the decoded record and may
// veto the mutation by returning an error.
func (e *Engine) mutateRun(ctx context.Context, runID string, fn func(r *core.Run) error) (*core.Run, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		raw, version, err := e.store.Get(ctx, core.RunKey(runID))
		if err != nil {
			return nil, err
		}
		var run core.Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", runID, err)
		}
		if err := fn(&run); err != nil {
			return nil, err
		}
		run.UpdatedAt = time.Now().UTC()

		encoded, err := json.Marshal(&run)
		if err != nil {
			return nil, fmt.Errorf("encode run %s: %w", runID, err)
		}
		_, err = e.store.Set(ctx, core.RunKey(runID), encoded, store.SetOptions{ExpectedVersion: version, TTL: e.config.RunTTL})
		if err == nil {
			return &run, nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update run %s: %w", runID, core.ErrVersionConflict)
}

func (e *Engine) readRun(ctx context.Context, runID string) (*core.Run, error) {
	raw, _, err := e.store.Get(ctx, core.RunKey(runID))
	if err != nil {
		return nil, err
	}
	var run core.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

// detachedCtx builds a short-lived context for terminal bookkeeping writes.
// These must proceed even though the segment context is already cancelled.
func (e *Engine) detachedCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
