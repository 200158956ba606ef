// Package dispatcher is the single point of entry for operating runs:
// StartRun, ResumeRun, GetRun, CancelRun, StreamRun and ListAgents.
//
// The dispatcher never assumes locality. Run state is read through the
// shared store and streamed through the event bus, so the replica serving a
// request does not need to be the replica executing the run. The only local
// state is the engine's execution map, used as a cancellation fast path.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentwire/agentwire/core"
	"github.com/agentwire/agentwire/engine"
	"github.com/agentwire/agentwire/eventbus"
	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/session"
	"github.com/agentwire/agentwire/store"
)

const cancelRetries = 8

// Options configures a Dispatcher.
type Options struct {
	// IdemTTL bounds how long an idempotency key maps to its run. Defaults
	// to 24h; zero disables expiry.
	IdemTTL time.Duration
	// Logger receives admission and cancellation diagnostics.
	Logger logging.Logger
}

// StartRunRequest describes a run admission.
type StartRunRequest struct {
	// AgentName selects the registered agent to execute.
	AgentName string
	// SessionID binds the run to an existing session. Empty allocates a new
	// session implicitly; its id is echoed back on the run record.
	SessionID string
	// Input is the ordered input of the run.
	Input []core.Message
	// IdempotencyKey, when set, makes retried starts return the original run
	// instead of creating duplicates.
	IdempotencyKey string
}

// idemRecord maps an idempotency key to the run it admitted.
type idemRecord struct {
	RunID string `json:"run_id"`
}

// Dispatcher owns the agent registry and orchestrates admission, resumption,
// cancellation and streaming of runs.
type Dispatcher struct {
	store    store.Store
	sessions *session.Manager
	bus      *eventbus.Bus
	engine   *engine.Engine
	idemTTL  time.Duration
	logger   logging.Logger

	agents map[string]core.Agent
	mu     sync.RWMutex
}

// New builds a Dispatcher over the shared store, session manager, event bus
// and engine.
func New(s store.Store, sessions *session.Manager, bus *eventbus.Bus, eng *engine.Engine, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{IdemTTL: 24 * time.Hour, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Dispatcher{
		store:    s,
		sessions: sessions,
		bus:      bus,
		engine:   eng,
		idemTTL:  opts.IdemTTL,
		logger:   opts.Logger,
		agents:   make(map[string]core.Agent),
	}
}

// Register adds an agent to the registry under its name, replacing any
// previous agent of the same name.
func (d *Dispatcher) Register(a core.Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[a.Name()] = a
}

// ListAgents returns descriptors for all registered agents, sorted by name.
func (d *Dispatcher) ListAgents() []core.AgentDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]core.AgentDescriptor, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, core.AgentDescriptor{Name: a.Name(), Description: a.Description()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *Dispatcher) lookup(name string) (core.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[name]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", name, core.ErrNotFound)
	}
	return a, nil
}

// StartRun validates and admits a new run, then begins executing it. The
// returned record carries the allocated run and session ids; the caller must
// reuse the session id for continuation.
//
// Admission order matters: the idempotency key is reserved first, then the
// run record is written, and only then is the session claim taken. A live
// claim always points at an existing record, so claim takeover stays reserved
// for genuinely stale holders (terminal or expired runs). A rejected
// admission removes both its record and its reservation.
func (d *Dispatcher) StartRun(ctx context.Context, req StartRunRequest) (*core.Run, error) {
	if req.AgentName == "" {
		return nil, &core.ValidationError{Field: "agent_name", Reason: "must not be empty"}
	}
	if len(req.Input) == 0 {
		return nil, &core.ValidationError{Field: "input", Reason: "must contain at least one message"}
	}
	if err := core.ValidateMessages(req.Input); err != nil {
		return nil, err
	}
	agent, err := d.lookup(req.AgentName)
	if err != nil {
		return nil, err
	}

	sessionID, err := d.sessions.Open(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	run := core.NewRun(req.AgentName, sessionID, req.Input)

	if req.IdempotencyKey != "" {
		existing, reserved, err := d.reserveIdem(ctx, req.IdempotencyKey, run.ID)
		if err != nil {
			return nil, err
		}
		if !reserved {
			d.logger.Debug("idempotent start replayed", "idempotency_key", req.IdempotencyKey, "run_id", existing)
			return d.GetRun(ctx, existing)
		}
	}

	encoded, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	if _, err := d.store.Set(ctx, core.RunKey(run.ID), encoded, store.SetOptions{ExpectedVersion: 0}); err != nil {
		d.releaseIdem(ctx, req.IdempotencyKey)
		return nil, err
	}

	if err := d.sessions.Claim(ctx, sessionID, run.ID); err != nil {
		if derr := d.store.Delete(ctx, core.RunKey(run.ID)); derr != nil {
			d.logger.Warn("removing run record after failed claim", "run_id", run.ID, "error", derr)
		}
		d.releaseIdem(ctx, req.IdempotencyKey)
		return nil, err
	}

	if _, err := d.bus.Publish(ctx, core.NewStatusEvent(run.ID, core.StatusCreated)); err != nil {
		return nil, err
	}

	if err := d.engine.Start(ctx, run, agent); err != nil {
		if rerr := d.sessions.Release(ctx, sessionID, run.ID); rerr != nil {
			d.logger.Warn("releasing claim after failed start", "session_id", sessionID, "error", rerr)
		}
		return nil, err
	}

	d.logger.Info("run admitted", "run_id", run.ID, "agent", req.AgentName, "session_id", sessionID)
	return d.GetRun(ctx, run.ID)
}

// releaseIdem drops the idempotency reservation after a rejected admission so
// a later retry with the same key can start a fresh run.
func (d *Dispatcher) releaseIdem(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := d.store.Delete(ctx, core.IdemKey(key)); err != nil {
		d.logger.Warn("releasing idempotency reservation failed", "idempotency_key", key, "error", err)
	}
}

// reserveIdem maps the key to runID with a create-only write. When the key
// is already taken it returns the run id of the original admission.
func (d *Dispatcher) reserveIdem(ctx context.Context, key, runID string) (existing string, reserved bool, err error) {
	encoded, err := json.Marshal(idemRecord{RunID: runID})
	if err != nil {
		return "", false, fmt.Errorf("encode idempotency record: %w", err)
	}
	_, err = d.store.Set(ctx, core.IdemKey(key), encoded, store.SetOptions{ExpectedVersion: 0, TTL: d.idemTTL})
	if err == nil {
		return "", true, nil
	}
	if !errors.Is(err, core.ErrVersionConflict) {
		return "", false, err
	}

	raw, _, err := d.store.Get(ctx, core.IdemKey(key))
	if err != nil {
		return "", false, err
	}
	var rec idemRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec.RunID, false, nil
}

// GetRun reads the current run record from the store, wherever the run is
// executing. Expired records surface as ErrNotFound.
func (d *Dispatcher) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	raw, _, err := d.store.Get(ctx, core.RunKey(runID))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("run %s: %w", runID, core.ErrNotFound)
		}
		return nil, err
	}
	var run core.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

// ResumeRun supplies the awaited message to a suspended run. The run resumes
// on THIS replica regardless of where its previous segments executed.
func (d *Dispatcher) ResumeRun(ctx context.Context, runID string, msg core.Message) (*core.Run, error) {
	run, err := d.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	agent, err := d.lookup(run.AgentName)
	if err != nil {
		return nil, err
	}
	if err := d.engine.Resume(ctx, runID, agent, msg); err != nil {
		return nil, err
	}
	return d.GetRun(ctx, runID)
}

// CancelRun requests cancellation. Runs that are not executing a segment
// (created or awaiting) are cancelled immediately; an in-progress run gets
// the CancelRequested flag and, when executing locally, a context cancel.
// The run reaches cancelled asynchronously in the flagged case.
func (d *Dispatcher) CancelRun(ctx context.Context, runID string) error {
	for attempt := 0; attempt < cancelRetries; attempt++ {
		run, version, err := d.readRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return fmt.Errorf("cancel run %s in status %s: %w", runID, run.Status, core.ErrInvalidTransition)
		}

		switch run.Status {
		case core.StatusCreated, core.StatusAwaiting:
			run.Status = core.StatusCancelled
			run.AwaitRequest = nil
			now := time.Now().UTC()
			run.FinishedAt = &now
		default:
			run.CancelRequested = true
		}
		run.UpdatedAt = time.Now().UTC()

		encoded, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("encode run %s: %w", runID, err)
		}
		if _, err := d.store.Set(ctx, core.RunKey(runID), encoded, store.SetOptions{ExpectedVersion: version}); err != nil {
			if errors.Is(err, core.ErrVersionConflict) {
				continue
			}
			return err
		}

		if run.Status == core.StatusCancelled {
			if _, err := d.bus.Publish(ctx, core.NewFinishedEvent(runID, core.StatusCancelled, nil)); err != nil {
				d.logger.Warn("publishing cancel event failed", "run_id", runID, "error", err)
			}
			if run.SessionID != "" {
				if err := d.sessions.Release(ctx, run.SessionID, runID); err != nil {
					d.logger.Warn("releasing claim after cancel", "session_id", run.SessionID, "error", err)
				}
			}
		} else if d.engine.CancelLocal(runID) {
			d.logger.Debug("run cancelled locally", "run_id", runID)
		}
		return nil
	}
	return fmt.Errorf("cancel run %s: %w", runID, core.ErrVersionConflict)
}

// StreamRun subscribes to the run's event stream starting at fromSequence.
// Replayed and live events are delivered exactly once each, in order, and
// the channel closes after the terminal event.
//
// fromSequence is inclusive: it names the first event to deliver. A consumer
// resuming after a disconnect therefore passes lastSeen+1; passing lastSeen
// itself re-delivers that event. Pass 1 (or 0) for the full stream.
func (d *Dispatcher) StreamRun(ctx context.Context, runID string, fromSequence uint64) (<-chan core.Event, error) {
	if _, err := d.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return d.bus.Subscribe(ctx, runID, fromSequence)
}

func (d *Dispatcher) readRun(ctx context.Context, runID string) (*core.Run, int64, error) {
	raw, version, err := d.store.Get(ctx, core.RunKey(runID))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, 0, fmt.Errorf("run %s: %w", runID, core.ErrNotFound)
		}
		return nil, 0, err
	}
	var run core.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, 0, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, version, nil
}
