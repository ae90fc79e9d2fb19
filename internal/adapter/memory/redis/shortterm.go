// Package redis stores short-term session memory in Redis lists.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/aymankanso/agent/internal/domain"
)

// DefaultKeyPrefix namespaces every list key.
const DefaultKeyPrefix = "swarm:stm"

// ShortTerm keeps one Redis list per namespace at <prefix>:<namespace>.
// Items are appended with RPUSH and read back with LRANGE.
type ShortTerm struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// Option configures a ShortTerm.
type Option func(*ShortTerm)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *ShortTerm) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithTTL expires idle namespaces; every Put refreshes the expiry. 0 keeps lists forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *ShortTerm) { s.ttl = ttl }
}

// New connects to the Redis server at url (redis://[:password@]host:port/db)
// and pings it.
func New(ctx context.Context, url string, opts ...Option) (*ShortTerm, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redis url: %v", domain.ErrMemoryStore, err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping redis: %v", domain.ErrMemoryStore, err)
	}
	return NewWithClient(client, opts...), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, opts ...Option) *ShortTerm {
	s := &ShortTerm{client: client, keyPrefix: DefaultKeyPrefix, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *ShortTerm) key(namespace string) string {
	return s.keyPrefix + ":" + namespace
}

// Put appends item to the namespace list.
func (s *ShortTerm) Put(ctx context.Context, namespace string, item domain.MemoryItem) error {
	if item.ID == "" {
		item.ID = domain.NewID()
	}
	item.Namespace = namespace
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("%w: marshal item: %v", domain.ErrMemoryStore, err)
	}

	key := s.key(namespace)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: rpush %s: %v", domain.ErrMemoryStore, key, err)
	}
	return nil
}

// Query ignores key and returns the last topK items in insertion order.
// topK <= 0 returns everything.
func (s *ShortTerm) Query(ctx context.Context, namespace, _ string, topK int) ([]domain.MemoryItem, error) {
	start := int64(0)
	if topK > 0 {
		start = -int64(topK)
	}
	return s.lrange(ctx, namespace, start)
}

// Replay returns the whole namespace in insertion order.
func (s *ShortTerm) Replay(ctx context.Context, namespace string) ([]domain.MemoryItem, error) {
	return s.lrange(ctx, namespace, 0)
}

func (s *ShortTerm) lrange(ctx context.Context, namespace string, start int64) ([]domain.MemoryItem, error) {
	raw, err := s.client.LRange(ctx, s.key(namespace), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: lrange: %v", domain.ErrMemoryStore, err)
	}
	items := make([]domain.MemoryItem, 0, len(raw))
	for _, r := range raw {
		var it domain.MemoryItem
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			return nil, fmt.Errorf("%w: corrupt item in %s: %v", domain.ErrMemoryStore, s.key(namespace), err)
		}
		items = append(items, it)
	}
	return items, nil
}

// Reset deletes the namespace list.
func (s *ShortTerm) Reset(ctx context.Context, namespace string) error {
	if err := s.client.Del(ctx, s.key(namespace)).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", domain.ErrMemoryStore, err)
	}
	return nil
}

// Close closes the client.
func (s *ShortTerm) Close() error { return s.client.Close() }

var _ domain.ShortTermMemory = (*ShortTerm)(nil)
