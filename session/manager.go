// Package session manages conversational continuity across runs: session
// identity, the append-only message history, the opaque agent-managed state
// blob and the at-most-one-active-run claim. All state lives in the shared
// store so any replica can serve any session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentwire/agentwire/core"
	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/store"
)

// appendRetries bounds the internal re-read-reapply loop on history appends.
// Version conflicts here are transient by construction (the claim serializes
// runs), so a small bound suffices.
const appendRetries = 5

// Options configures a Manager.
type Options struct {
	// RequireExisting makes Open fail with ErrNotFound for caller-supplied
	// session ids that do not exist, instead of creating them.
	RequireExisting bool
	// SessionTTL, when positive, is refreshed on every session write so idle
	// sessions age out of the store. Expired sessions surface as ErrNotFound.
	SessionTTL time.Duration
	// Logger receives retry diagnostics.
	Logger logging.Logger
}

// record is the session metadata stored under session:{id}. The active-run
// claim lives here so claim handoff is a single CAS.
type record struct {
	ID          string    `json:"id"`
	ActiveRunID string    `json:"active_run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Manager implements session semantics on top of a Store. It satisfies
// core.SessionAccess for injection into executing agents.
type Manager struct {
	store           store.Store
	requireExisting bool
	ttl             time.Duration
	logger          logging.Logger
}

var _ core.SessionAccess = (*Manager)(nil)

// NewManager builds a session manager on the given store.
func NewManager(s store.Store, optFns ...func(o *Options)) *Manager {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		store:           s,
		requireExisting: opts.RequireExisting,
		ttl:             opts.SessionTTL,
		logger:          opts.Logger,
	}
}

// Open resolves a session id. An empty id allocates a fresh session; a
// caller-supplied id reuses the existing session, creating it unless the
// manager requires pre-existing sessions.
func (m *Manager) Open(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = core.NewID()
		if err := m.create(ctx, sessionID); err != nil {
			return "", err
		}
		return sessionID, nil
	}

	_, _, err := m.store.Get(ctx, core.SessionKey(sessionID))
	if err == nil {
		return sessionID, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return "", err
	}
	if m.requireExisting {
		return "", fmt.Errorf("session %s: %w", sessionID, core.ErrNotFound)
	}
	if err := m.create(ctx, sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

func (m *Manager) create(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	encoded, err := json.Marshal(record{ID: sessionID, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionID, err)
	}
	_, err = m.store.Set(ctx, core.SessionKey(sessionID), encoded, store.SetOptions{ExpectedVersion: 0, TTL: m.ttl})
	if errors.Is(err, core.ErrVersionConflict) {
		// Concurrent create of the same id; the session exists either way.
		return nil
	}
	return err
}

// AppendHistory atomically appends validated messages to the session history.
// Conflicting appends are retried internally by re-reading and re-applying.
func (m *Manager) AppendHistory(ctx context.Context, sessionID string, msgs ...core.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := core.ValidateMessages(msgs); err != nil {
		return err
	}

	key := core.SessionHistoryKey(sessionID)
	for attempt := 0; attempt < appendRetries; attempt++ {
		history, version, err := m.readHistory(ctx, sessionID)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(append(history, msgs...))
		if err != nil {
			return fmt.Errorf("encode history for session %s: %w", sessionID, err)
		}
		_, err = m.store.Set(ctx, key, encoded, store.SetOptions{ExpectedVersion: version, TTL: m.ttl})
		if err == nil {
			return nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return err
		}
		m.logger.Debug("history append conflict; re-reading", "session_id", sessionID, "attempt", attempt+1)
	}
	return fmt.Errorf("append history to session %s: %w", sessionID, core.ErrVersionConflict)
}

// LoadHistory replays the full session history, oldest first. A session with
// no history yields an empty slice.
func (m *Manager) LoadHistory(ctx context.Context, sessionID string) ([]core.Message, error) {
	history, _, err := m.readHistory(ctx, sessionID)
	return history, err
}

func (m *Manager) readHistory(ctx context.Context, sessionID string) ([]core.Message, int64, error) {
	raw, version, err := m.store.Get(ctx, core.SessionHistoryKey(sessionID))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	var history []core.Message
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, 0, fmt.Errorf("decode history for session %s: %w", sessionID, err)
	}
	return history, version, nil
}

// LoadState returns the opaque state blob and its version; (nil, 0, nil) when
// no blob has been stored yet.
func (m *Manager) LoadState(ctx context.Context, sessionID string) ([]byte, int64, error) {
	blob, version, err := m.store.Get(ctx, core.SessionStateKey(sessionID))
	if errors.Is(err, core.ErrNotFound) {
		return nil, 0, nil
	}
	return blob, version, err
}

// StoreState writes the state blob under optimistic concurrency. Unlike
// history appends, conflicts are NOT retried here: the blob is agent-defined,
// so only the agent can re-apply its change on a fresh read.
func (m *Manager) StoreState(ctx context.Context, sessionID string, blob []byte, expectedVersion int64) error {
	_, err := m.store.Set(ctx, core.SessionStateKey(sessionID), blob, store.SetOptions{ExpectedVersion: expectedVersion, TTL: m.ttl})
	return err
}

// Claim marks runID as the session's single active run. It fails with
// ErrSessionBusy while another non-terminal run holds the claim. A stale
// claim, left by a crashed replica whose run record has since reached a
// terminal state or expired, is taken over.
func (m *Manager) Claim(ctx context.Context, sessionID, runID string) error {
	for attempt := 0; attempt < appendRetries; attempt++ {
		rec, version, err := m.readRecord(ctx, sessionID)
		if err != nil {
			return err
		}

		if rec.ActiveRunID != "" && rec.ActiveRunID != runID {
			busy, err := m.runActive(ctx, rec.ActiveRunID)
			if err != nil {
				return err
			}
			if busy {
				return fmt.Errorf("session %s is executing run %s: %w", sessionID, rec.ActiveRunID, core.ErrSessionBusy)
			}
			m.logger.Warn("taking over stale session claim", "session_id", sessionID, "stale_run_id", rec.ActiveRunID, "run_id", runID)
		}

		rec.ActiveRunID = runID
		if err := m.writeRecord(ctx, rec, version); err == nil {
			return nil
		} else if !errors.Is(err, core.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("claim session %s: %w", sessionID, core.ErrVersionConflict)
}

// Release clears the claim held by runID. Releasing a claim held by a
// different run is a no-op, so release stays idempotent across retries.
func (m *Manager) Release(ctx context.Context, sessionID, runID string) error {
	for attempt := 0; attempt < appendRetries; attempt++ {
		rec, version, err := m.readRecord(ctx, sessionID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil
			}
			return err
		}
		if rec.ActiveRunID != runID {
			return nil
		}
		rec.ActiveRunID = ""
		if err := m.writeRecord(ctx, rec, version); err == nil {
			return nil
		} else if !errors.Is(err, core.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("release session %s: %w", sessionID, core.ErrVersionConflict)
}

// runActive reports whether the given run is still non-terminal. A missing or
// expired run record counts as inactive.
func (m *Manager) runActive(ctx context.Context, runID string) (bool, error) {
	raw, _, err := m.store.Get(ctx, core.RunKey(runID))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	var run core.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return false, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return !run.Status.Terminal(), nil
}

func (m *Manager) readRecord(ctx context.Context, sessionID string) (record, int64, error) {
	raw, version, err := m.store.Get(ctx, core.SessionKey(sessionID))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return record{}, 0, fmt.Errorf("session %s: %w", sessionID, core.ErrNotFound)
		}
		return record{}, 0, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, 0, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return rec, version, nil
}

func (m *Manager) writeRecord(ctx context.Context, rec record, expectedVersion int64) error {
	rec.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	_, err = m.store.Set(ctx, core.SessionKey(rec.ID), encoded, store.SetOptions{ExpectedVersion: expectedVersion, TTL: m.ttl})
	return err
}
