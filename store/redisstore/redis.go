// Package redisstore implements the store.Store contract on Redis.
//
// Records are hashes holding the value and a version counter. Writes go
// through a Lua script so the compare-and-swap, the expiry update and the
// change notification are a single atomic step. Change notifications are
// published on one pub/sub channel; TTL evictions additionally surface
// through Redis keyspace events so replicas learn about expiry without
// polling.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/agentwire/agentwire/core"
	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/store"
)

// setScript performs the versioned write and publishes the notification in
// one atomic step. ARGV[1] expected version (-1 skips the check), ARGV[2]
// value, ARGV[3] TTL in milliseconds (0 disables), ARGV[4] logical key.
// Returns the new version, or -1 on a version conflict.
var setScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur then cur = tonumber(cur) else cur = 0 end
local expected = tonumber(ARGV[1])
if expected >= 0 and expected ~= cur then
  return -1
end
local next = cur + 1
redis.call('HSET', KEYS[1], 'v', next, 'd', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
else
  redis.call('PERSIST', KEYS[1])
end
redis.call('PUBLISH', KEYS[2], cjson.encode({key=ARGV[4], version=next, kind='set'}))
return next
`)

// delScript deletes a record and publishes the notification atomically.
var delScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if not cur then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('PUBLISH', KEYS[2], cjson.encode({key=ARGV[1], version=tonumber(cur), kind='delete'}))
return 1
`)

// Options configures New.
type Options struct {
	// Namespace prefixes every Redis key and the notification channel so
	// multiple deployments can share a Redis instance. Defaults to
	// "agentwire".
	Namespace string
	// Logger receives connection and subscription diagnostics.
	Logger logging.Logger
}

// RedisStore implements store.Store on a shared Redis instance. The client is
// injected and remains owned by the caller.
type RedisStore struct {
	client  *redis.Client
	ns      string
	channel string
	logger  logging.Logger
}

var _ store.Store = (*RedisStore)(nil)

// New builds a RedisStore. It verifies connectivity and best-effort enables
// keyspace expiry events, merging the Ex classes into the server's existing
// notify-keyspace-events setting. Some managed Redis offerings lock CONFIG
// down; without the events, expiry is still enforced but surfaces to other
// replicas only on their next read.
func New(ctx context.Context, client *redis.Client, optFns ...func(o *Options)) (*RedisStore, error) {
	opts := Options{Namespace: "agentwire", Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", core.ErrStoreUnavailable, err)
	}

	s := &RedisStore{
		client:  client,
		ns:      opts.Namespace + ":",
		channel: opts.Namespace + ":changes",
		logger:  opts.Logger,
	}

	if err := s.enableExpiryEvents(ctx); err != nil {
		s.logger.Warn("could not enable keyspace expiry events; expiry notifications disabled", "error", err)
	}

	return s, nil
}

// enableExpiryEvents merges the keyevent (E) and expired (x) classes into
// notify-keyspace-events, preserving whatever classes the operator already
// enabled.
func (s *RedisStore) enableExpiryEvents(ctx context.Context) error {
	res, err := s.client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		return err
	}
	current := res["notify-keyspace-events"]

	merged := current
	if !strings.ContainsRune(merged, 'E') {
		merged += "E"
	}
	// "A" is an alias covering all event classes, x included.
	if !strings.ContainsRune(merged, 'x') && !strings.ContainsRune(merged, 'A') {
		merged += "x"
	}
	if merged == current {
		return nil
	}
	return s.client.ConfigSet(ctx, "notify-keyspace-events", merged).Err()
}

func (s *RedisStore) redisKey(key string) string { return s.ns + key }

// Get returns the record value and version.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	res, err := s.client.HMGet(ctx, s.redisKey(key), "v", "d").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: redis get %q: %v", core.ErrStoreUnavailable, key, err)
	}
	if res[0] == nil {
		return nil, 0, core.ErrNotFound
	}
	var version int64
	if _, err := fmt.Sscanf(res[0].(string), "%d", &version); err != nil {
		return nil, 0, fmt.Errorf("corrupt version for %q: %w", key, err)
	}
	var value []byte
	if res[1] != nil {
		value = []byte(res[1].(string))
	}
	return value, version, nil
}

// Set performs a versioned write, see store.SetOptions.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, opts store.SetOptions) (int64, error) {
	res, err := setScript.Run(ctx, s.client,
		[]string{s.redisKey(key), s.channel},
		opts.ExpectedVersion, value, opts.TTL.Milliseconds(), key,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: redis set %q: %v", core.ErrStoreUnavailable, key, err)
	}
	if res < 0 {
		return 0, core.ErrVersionConflict
	}
	return res, nil
}

// Delete removes a record.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := delScript.Run(ctx, s.client, []string{s.redisKey(key), s.channel}, key).Err(); err != nil {
		return fmt.Errorf("%w: redis delete %q: %v", core.ErrStoreUnavailable, key, err)
	}
	return nil
}

// changePayload is the JSON body published on the change channel.
type changePayload struct {
	Key     string `json:"key"`
	Version int64  `json:"version"`
	Kind    string `json:"kind"`
}

// Subscribe streams change notifications for the prefix. Expiry events are
// folded in from Redis keyspace notifications.
func (s *RedisStore) Subscribe(ctx context.Context, keyPrefix string) (<-chan store.Notification, error) {
	expiredChannel := fmt.Sprintf("__keyevent@%d__:expired", s.client.Options().DB)
	pubsub := s.client.Subscribe(ctx, s.channel, expiredChannel)

	// Force the subscription to be established before returning so callers
	// do not miss changes made right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: redis subscribe: %v", core.ErrStoreUnavailable, err)
	}

	out := make(chan store.Notification, 128)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				n, ok := s.parseMessage(msg, expiredChannel)
				if !ok || !strings.HasPrefix(n.Key, keyPrefix) {
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) parseMessage(msg *redis.Message, expiredChannel string) (store.Notification, bool) {
	if msg.Channel == expiredChannel {
		// Keyspace event payload is the raw Redis key.
		if !strings.HasPrefix(msg.Payload, s.ns) {
			return store.Notification{}, false
		}
		return store.Notification{
			Key:  strings.TrimPrefix(msg.Payload, s.ns),
			Kind: store.ChangeExpire,
		}, true
	}

	var p changePayload
	if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
		s.logger.Warn("dropping malformed change notification", "payload", msg.Payload, "error", err)
		return store.Notification{}, false
	}
	return store.Notification{Key: p.Key, Version: p.Version, Kind: store.ChangeKind(p.Kind)}, true
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
