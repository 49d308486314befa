package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces conversation keys
const DefaultKeyPrefix = "labelagent:conversation:"

const maxTxRetries = 10

// RedisStore keeps one JSON document per conversation with a server-side TTL
// matching expiresAt. Per-id mutations use WATCH/MULTI and retry on conflict.
// An index set tracks ids for Stats, List and Sweep.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   options

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRedisStore wraps an existing client. An empty prefix uses DefaultKeyPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client:   client,
		prefix:   prefix,
		opts:     buildOptions(opts),
		stopChan: make(chan struct{}),
	}
}

// NewRedisStoreFromURL connects to redisURL and verifies the connection
func NewRedisStoreFromURL(ctx context.Context, redisURL, prefix string, opts ...Option) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(client, prefix, opts...), nil
}

var _ Store = (*RedisStore)(nil)

func (r *RedisStore) key(id string) string { return r.prefix + id }
func (r *RedisStore) indexKey() string { return r.prefix + "index" }

// remaining converts an absolute expiry into a redis TTL
func (r *RedisStore) remaining(c *Conversation) time.Duration {
	d := c.ExpiresAt.Sub(r.opts.now())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Create stores a new conversation
func (r *RedisStore) Create(ctx context.Context, ownerID string) (*Conversation, error) {
	c := r.opts.newConversation(ownerID)
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize conversation: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(c.ID), data, r.remaining(c))
		pipe.SAdd(ctx, r.indexKey(), c.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	r.opts.logger.Debug("conversation created", "operation", "create", "conversation_id", c.ID, "backend", "redis")
	return c, nil
}

// Get reads a conversation without touching its TTL
func (r *RedisStore) Get(ctx context.Context, id string) (*Conversation, error) {
	c, err := r.load(ctx, r.client, id)
	if err != nil {
		return nil, err
	}
	if c.Expired(r.opts.now()) {
		r.client.Del(ctx, r.key(id))
		r.client.SRem(ctx, r.indexKey(), id)
		return nil, ErrNotFound
	}
	return c, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) load(ctx context.Context, g getter, id string) (*Conversation, error) {
	data, err := g.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	return &c, nil
}

// AppendMessages adds messages under an optimistic transaction
func (r *RedisStore) AppendMessages(ctx context.Context, id string, msgs ...Message) (*Conversation, error) {
	var updated *Conversation
	key := r.key(id)

	txf := func(tx *redis.Tx) error {
		c, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if c.Expired(r.opts.now()) {
			return ErrNotFound
		}
		if err := r.opts.appendTo(c, msgs); err != nil {
			return err
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to serialize conversation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.remaining(c))
			pipe.SAdd(ctx, r.indexKey(), id)
			return nil
		})
		if err != nil {
			return err
		}
		updated = c
		return nil
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			r.opts.logger.Debug("conversation append conflict, retrying",
				"operation", "append_messages", "conversation_id", id, "attempt", attempt+1)
			continue
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidRole) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append messages: %w", err)
	}
	return nil, fmt.Errorf("failed to append messages to %s: too many concurrent updates", id)
}

// Delete removes a conversation and reports whether a live one existed.
// A document already past its expiry is removed but reported as absent.
func (r *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	var get *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, r.key(id))
		pipe.Del(ctx, r.key(id))
		pipe.SRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}
	data, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}

	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return true, nil
	}
	return !c.Expired(r.opts.now()), nil
}

// snapshot loads every indexed conversation. Ids whose keys redis already
// expired come back in gone.
func (r *RedisStore) snapshot(ctx context.Context) (held []*Conversation, gone []string, err error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load conversations: %w", err)
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			gone = append(gone, ids[i])
			continue
		}
		var c Conversation
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			r.opts.logger.Warn("skipping undecodable conversation", "conversation_id", ids[i], "error", err)
			continue
		}
		held = append(held, &c)
	}
	return held, gone, nil
}

// Stats counts indexed conversations. Ids whose keys redis already expired
// count as expired until swept.
func (r *RedisStore) Stats(ctx context.Context) (Stats, error) {
	held, gone, err := r.snapshot(ctx)
	if err != nil {
		return Stats{}, err
	}

	now := r.opts.now()
	var s Stats
	for _, c := range held {
		s.accumulate(c, now)
	}
	s.Total += len(gone)
	s.Expired += len(gone)
	return s, nil
}

// List returns active conversation ids, sorted
func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	held, _, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := r.opts.now()
	ids := make([]string, 0, len(held))
	for _, c := range held {
		if !c.Expired(now) {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

// Sweep drops expired documents and prunes the index
func (r *RedisStore) Sweep(ctx context.Context) (int, error) {
	held, gone, err := r.snapshot(ctx)
	if err != nil {
		return 0, err
	}

	now := r.opts.now()
	stale := append([]string{}, gone...)
	for _, c := range held {
		if c.Expired(now) {
			stale = append(stale, c.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]interface{}, len(stale))
		for i, id := range stale {
			pipe.Del(ctx, r.key(id))
			members[i] = id
		}
		pipe.SRem(ctx, r.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep conversations: %w", err)
	}

	r.opts.logger.Debug("expired conversations swept", "operation", "sweep", "removed", len(stale), "backend", "redis")
	return len(stale), nil
}

// StartSweeper runs Sweep every interval until Close
func (r *RedisStore) StartSweeper(interval time.Duration) {
	startSweeper(r, interval, r.stopChan, &r.wg, r.opts)
}

// Close stops the sweeper and closes the client
func (r *RedisStore) Close() error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
	return r.client.Close()
}
