package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentwire/agentwire/core"
)

// subscriberBuffer sizes per-subscriber notification channels. Overflowing
// notifications are dropped; subscribers recover via periodic re-reads.
const subscriberBuffer = 128

type entry struct {
	value     []byte
	version   int64
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type subscriber struct {
	prefix string
	ch     chan Notification
}

// InMemoryStore is a volatile, process-local Store. It is safe for concurrent
// access and best suited for tests, examples and single-replica deployments.
// TTLs are enforced by a reaper goroutine plus a lazy check on reads.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	subs    map[*subscriber]struct{}

	done chan struct{}
	once sync.Once
}

// InMemoryOptions configures NewInMemoryStore.
type InMemoryOptions struct {
	// ReapInterval is the period of the TTL reaper. Defaults to one second.
	ReapInterval time.Duration
}

// NewInMemoryStore constructs an empty in-memory store and starts its reaper.
func NewInMemoryStore(optFns ...func(o *InMemoryOptions)) *InMemoryStore {
	opts := InMemoryOptions{ReapInterval: time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &InMemoryStore{
		entries: make(map[string]*entry),
		subs:    make(map[*subscriber]struct{}),
		done:    make(chan struct{}),
	}
	go s.reap(opts.ReapInterval)
	return s
}

// Get returns the record value and version, treating expired records as absent.
func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, 0, core.ErrNotFound
	}
	return append([]byte(nil), e.value...), e.version, nil
}

// Set writes a record with compare-and-swap semantics on the version.
func (s *InMemoryStore) Set(_ context.Context, key string, value []byte, opts SetOptions) (int64, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && e.expired(time.Now()) {
		delete(s.entries, key)
		ok = false
	}

	var current int64
	if ok {
		current = e.version
	}
	if opts.ExpectedVersion != VersionAny && opts.ExpectedVersion != current {
		s.mu.Unlock()
		return 0, core.ErrVersionConflict
	}

	next := current + 1
	ne := &entry{value: append([]byte(nil), value...), version: next}
	if opts.TTL > 0 {
		ne.expiresAt = time.Now().Add(opts.TTL)
	}
	s.entries[key] = ne
	s.mu.Unlock()

	s.notify(Notification{Key: key, Version: next, Kind: ChangeSet})
	return next, nil
}

// Delete removes a record, notifying subscribers if it existed.
func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if ok {
		s.notify(Notification{Key: key, Version: e.version, Kind: ChangeDelete})
	}
	return nil
}

// Subscribe registers a prefix subscription that lives until ctx is cancelled.
func (s *InMemoryStore) Subscribe(ctx context.Context, keyPrefix string) (<-chan Notification, error) {
	sub := &subscriber{prefix: keyPrefix, ch: make(chan Notification, subscriberBuffer)}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

// Close stops the reaper and ends all subscriptions.
func (s *InMemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *InMemoryStore) notify(n Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		if !strings.HasPrefix(n.Key, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			// Subscriber is lagging; it will catch up on its next re-read.
		}
	}
}

func (s *InMemoryStore) reap(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			var evicted []Notification
			s.mu.Lock()
			for key, e := range s.entries {
				if e.expired(now) {
					delete(s.entries, key)
					evicted = append(evicted, Notification{Key: key, Version: e.version, Kind: ChangeExpire})
				}
			}
			s.mu.Unlock()
			for _, n := range evicted {
				s.notify(n)
			}
		}
	}
}
