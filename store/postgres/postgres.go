// Package postgres implements the store.Store contract on Postgres.
//
// Records live in a single table with a version column; compare-and-swap
// writes serialize on a transaction-scoped advisory lock per key and bump the
// version. Change
// notifications ride LISTEN/NOTIFY on one channel with a JSON payload of key,
// version and change kind. TTL is a column plus a reaper that deletes expired
// rows and notifies their eviction, so replicas learn about expiry the same
// way they learn about writes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentwire/agentwire/core"
	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/store"
)

const (
	recordsTable  = "agentwire_records"
	notifyChannel = "agentwire_changes"
)

// Options configures New.
type Options struct {
	// ReapInterval is the period of the expiry reaper. Defaults to 5s.
	ReapInterval time.Duration
	// Logger receives connection and reaper diagnostics.
	Logger logging.Logger
}

// PostgresStore implements store.Store on a shared Postgres database. The
// pool is injected and remains owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger

	done chan struct{}
	once sync.Once
}

var _ store.Store = (*PostgresStore)(nil)

// New builds a PostgresStore, ensures the schema exists and starts the
// expiry reaper.
func New(ctx context.Context, pool *pgxpool.Pool, optFns ...func(o *Options)) (*PostgresStore, error) {
	opts := Options{ReapInterval: 5 * time.Second, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &PostgresStore{pool: pool, logger: opts.Logger, done: make(chan struct{})}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	go s.reap(opts.ReapInterval)
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + recordsTable + ` (
    key        TEXT PRIMARY KEY,
    value      BYTEA NOT NULL,
    version    BIGINT NOT NULL,
    expires_at TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS idx_agentwire_records_expiry
    ON ` + recordsTable + ` (expires_at) WHERE expires_at IS NOT NULL`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", core.ErrStoreUnavailable, err)
		}
	}
	return nil
}

// Get returns the record value and version, treating expired rows as absent.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	var value []byte
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT value, version FROM `+recordsTable+`
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&value, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, core.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: get %q: %v", core.ErrStoreUnavailable, key, err)
	}
	return value, version, nil
}

// Set performs a versioned write, see store.SetOptions.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, opts store.SetOptions) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin set tx: %v", core.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	// A row lock cannot serialize writers when no live row exists (key absent
	// or expired), which is exactly the create-only case. The advisory lock
	// covers the key itself, so concurrent writers queue here and the version
	// check below sees the committed state of whoever went first.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return 0, fmt.Errorf("%w: lock %q: %v", core.ErrStoreUnavailable, key, err)
	}

	var current int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM `+recordsTable+`
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: set %q: %v", core.ErrStoreUnavailable, key, err)
	}

	if opts.ExpectedVersion != store.VersionAny && opts.ExpectedVersion != current {
		return 0, core.ErrVersionConflict
	}

	next := current + 1
	var expiresAt *time.Time
	if opts.TTL > 0 {
		t := time.Now().Add(opts.TTL)
		expiresAt = &t
	}

	// An expired row may still be present physically, so upsert rather than
	// branching on the SELECT outcome.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+recordsTable+` (key, value, version, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET value = $2, version = $3, expires_at = $4`,
		key, value, next, expiresAt,
	); err != nil {
		return 0, fmt.Errorf("%w: set %q: %v", core.ErrStoreUnavailable, key, err)
	}

	if err := notify(ctx, tx, key, next, store.ChangeSet); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit set %q: %v", core.ErrStoreUnavailable, key, err)
	}
	return next, nil
}

// Delete removes a record.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin delete tx: %v", core.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	var version int64
	err = tx.QueryRow(ctx,
		`DELETE FROM `+recordsTable+` WHERE key = $1 RETURNING version`, key,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: delete %q: %v", core.ErrStoreUnavailable, key, err)
	}

	if err := notify(ctx, tx, key, version, store.ChangeDelete); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit delete %q: %v", core.ErrStoreUnavailable, key, err)
	}
	return nil
}

type changePayload struct {
	Key     string `json:"key"`
	Version int64  `json:"version"`
	Kind    string `json:"kind"`
}

func notify(ctx context.Context, tx pgx.Tx, key string, version int64, kind store.ChangeKind) error {
	payload, err := json.Marshal(changePayload{Key: key, Version: version, Kind: string(kind)})
	if err != nil {
		return fmt.Errorf("marshal notification for %q: %w", key, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("%w: notify %q: %v", core.ErrStoreUnavailable, key, err)
	}
	return nil
}

// Subscribe streams change notifications for the prefix. Each subscription
// holds one dedicated connection for LISTEN.
func (s *PostgresStore) Subscribe(ctx context.Context, keyPrefix string) (<-chan store.Notification, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire listen conn: %v", core.ErrStoreUnavailable, err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: listen: %v", core.ErrStoreUnavailable, err)
	}

	out := make(chan store.Notification, 128)
	go func() {
		defer close(out)
		defer conn.Release()

		for {
			pn, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("notification wait failed; subscription ends", "error", err)
				}
				return
			}
			var p changePayload
			if err := json.Unmarshal([]byte(pn.Payload), &p); err != nil {
				s.logger.Warn("dropping malformed change notification", "payload", pn.Payload, "error", err)
				continue
			}
			if !strings.HasPrefix(p.Key, keyPrefix) {
				continue
			}
			select {
			case out <- store.Notification{Key: p.Key, Version: p.Version, Kind: store.ChangeKind(p.Kind)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops the reaper; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// reap deletes expired rows and notifies their eviction so other replicas
// observe TTL-based session/run removal.
func (s *PostgresStore) reap(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := s.reapOnce(ctx); err != nil {
				s.logger.Warn("expiry reap failed", "error", err)
			}
			cancel()
		}
	}
}

func (s *PostgresStore) reapOnce(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`WITH gone AS (
		    DELETE FROM `+recordsTable+`
		    WHERE expires_at IS NOT NULL AND expires_at <= now()
		    RETURNING key, version
		 )
		 SELECT pg_notify($1, json_build_object('key', key, 'version', version, 'kind', 'expire')::text)
		 FROM gone`,
		notifyChannel,
	)
	if err != nil {
		return fmt.Errorf("%w: reap: %v", core.ErrStoreUnavailable, err)
	}
	return nil
}
