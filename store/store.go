// Package store defines the pluggable persistence and notification
// abstraction that lets a single logical run or session be served by multiple
// stateless replicas. Backends: process-local memory (this package),
// Redis (store/redisstore) and Postgres (store/postgres).
//
// The versioned compare-and-swap on Set is the single correctness-critical
// primitive: every cross-replica mutation in the runtime goes through it.
package store

import (
	"context"
	"time"
)

// VersionAny disables the version check on Set.
const VersionAny int64 = -1

// ChangeKind classifies a change notification.
type ChangeKind string

const (
	// ChangeSet signals a record write (create or update).
	ChangeSet ChangeKind = "set"
	// ChangeDelete signals an explicit record deletion.
	ChangeDelete ChangeKind = "delete"
	// ChangeExpire signals TTL-based eviction.
	ChangeExpire ChangeKind = "expire"
)

// Notification describes a record change. Delivery is at-least-once and may
// be reordered; consumers must deduplicate by re-reading and checking the
// record version rather than trusting the notification payload.
type Notification struct {
	Key     string
	Version int64
	Kind    ChangeKind
}

// SetOptions carries the optional arguments of Set.
type SetOptions struct {
	// ExpectedVersion enables compare-and-swap semantics: VersionAny skips
	// the check, zero requires the record to not exist, and a positive value
	// must match the current version or the write fails with
	// core.ErrVersionConflict.
	ExpectedVersion int64
	// TTL, when positive, schedules the record for eviction. Evicted records
	// read as core.ErrNotFound.
	TTL time.Duration
}

// Store is the key-value + notification contract shared by all backends.
//
// Implementations wrap backend connectivity failures in
// core.ErrStoreUnavailable and map missing or expired records to
// core.ErrNotFound.
type Store interface {
	// Get returns the record value and its current version.
	Get(ctx context.Context, key string) ([]byte, int64, error)

	// Set writes a record and returns the new version. Versions start at 1
	// and increase by 1 per write.
	Set(ctx context.Context, key string, value []byte, opts SetOptions) (int64, error)

	// Delete removes a record. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Subscribe streams change notifications for keys with the given prefix
	// until ctx is cancelled, at which point the channel is closed. Slow
	// consumers may miss notifications; consumers are expected to pair the
	// subscription with periodic re-reads.
	Subscribe(ctx context.Context, keyPrefix string) (<-chan Notification, error)

	// Close releases backend resources and background goroutines.
	Close() error
}
