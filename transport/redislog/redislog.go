// Package redislog provides a Redis Streams implementation of the
// transport's event log. Event ids remain transport-assigned; they are
// written as explicit stream entry ids ("<id>-0"), so replay cursors keep
// the same meaning as with the in-memory log while the retained window is
// shared across processes.
package redislog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/waypost/mcp-streamhttp/transport"
)

// Config for the Redis-backed event log. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all stream keys. ENV: EVENTS_KEY_PREFIX
	KeyPrefix string `env:"EVENTS_KEY_PREFIX,default=mcp:events:"`
	// MaxLen is the approximate per-stream retention cap. ENV: EVENTS_MAX_LEN
	MaxLen int64 `env:"EVENTS_MAX_LEN,default=1000"`
}

// Store owns the Redis client and mints per-session event logs.
type Store struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
}

// New constructs a Store and verifies connectivity.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:events:"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = transport.DefaultEventLogSize
	}
	return &Store{client: cl, keyPrefix: prefix, maxLen: maxLen}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// ForSession returns the event log backing one session's transport.
func (s *Store) ForSession(sessionID string) *Log {
	return &Log{client: s.client, key: s.keyPrefix + "stream:" + sessionID, maxLen: s.maxLen}
}

// Log is one session's event stream.
type Log struct {
	client *redis.Client
	key    string
	maxLen int64
}

var _ transport.EventLog = (*Log)(nil)

func (l *Log) Append(ctx context.Context, ev transport.Event) error {
	return l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.key,
		ID:     fmt.Sprintf("%d-0", ev.ID),
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]interface{}{"d": ev.Data},
	}).Err()
}

func (l *Log) After(ctx context.Context, id int64) ([]transport.Event, error) {
	msgs, err := l.client.XRange(ctx, l.key, fmt.Sprintf("%d-0", id+1), "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]transport.Event, 0, len(msgs))
	for _, m := range msgs {
		evID, err := parseEntryID(m.ID)
		if err != nil {
			return nil, err
		}
		var payload []byte
		switch v := m.Values["d"].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			payload = []byte(fmt.Sprintf("%v", v))
		}
		out = append(out, transport.Event{ID: evID, Data: payload})
	}
	return out, nil
}

// Close deletes the session's stream. Best effort; the session is gone
// either way.
func (l *Log) Close() error {
	_, err := l.client.Del(context.Background(), l.key).Result()
	return err
}

func parseEntryID(id string) (int64, error) {
	seq, _, found := strings.Cut(id, "-")
	if !found {
		return 0, fmt.Errorf("malformed stream entry id %q", id)
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed stream entry id %q: %w", id, err)
	}
	return n, nil
}
