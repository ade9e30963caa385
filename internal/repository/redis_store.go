package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"knowledge-agent/internal/domain"
)

// RedisStore keeps session history in a Redis list per session and rate
// limit counters as plain integer keys.
type RedisStore struct {
	rdb      *redis.Client
	maxTurns int
	ttl      time.Duration
}

// NewRedisStore wraps rdb. maxTurns and ttl fall back to DefaultMaxTurns and
// DefaultTTL when not positive.
func NewRedisStore(rdb *redis.Client, maxTurns int, ttl time.Duration) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, maxTurns: maxTurns, ttl: ttl}, nil
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID + ":turns"
}

// Get returns the session's turns oldest first.
func (s *RedisStore) Get(ctx context.Context, sessionID string) ([]domain.ConversationTurn, error) {
	raw, err := s.rdb.LRange(ctx, sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("repository: redis get session: %w", err)
	}
	turns := make([]domain.ConversationTurn, 0, len(raw))
	for _, r := range raw {
		var t domain.ConversationTurn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("repository: decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Append pushes turn, trims the list to capacity and refreshes the expiry in
// a single MULTI/EXEC.
func (s *RedisStore) Append(ctx context.Context, sessionID string, turn domain.ConversationTurn) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("repository: Append: session id is required")
	}
	encoded, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("repository: encode turn: %w", err)
	}
	key := sessionKey(sessionID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, encoded)
		p.LTrim(ctx, key, int64(-s.maxTurns), -1)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("repository: redis append: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("repository: redis clear: %w", err)
	}
	return nil
}

// incrScript increments KEYS[1] and sets its expiry (ARGV[1], milliseconds)
// only when the increment created the key.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n`)

// Incr increments key and sets its expiry when the key is new.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.rdb, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("repository: redis incr %q: %w", key, err)
	}
	return n, nil
}

// decrScript decrements KEYS[1] only while it exists, so a release after the
// bucket expired does not leave a negative counter without expiry.
var decrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('DECR', KEYS[1])
end
return 0`)

func (s *RedisStore) Decr(ctx context.Context, key string) error {
	if err := decrScript.Run(ctx, s.rdb, []string{key}).Err(); err != nil {
		return fmt.Errorf("repository: redis decr %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("repository: redis count %q: %w", key, err)
	}
	return n, nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
