package kvstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the Store implementation for a multi-host fleet, backed by a
// Redis instance shared across the hosts. Sets use SADD/SREM/SMEMBERS, the
// blob queue uses LPUSH/BRPOP (the same push-pull pattern as a
// RedisListNotifier: no message loss, and BRPOP gives each signal to
// exactly one consumer), and pub/sub backs the broker channel.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-configured *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SetAdd(ctx context.Context, set string, member string) error {
	return s.client.SAdd(ctx, set, member).Err()
}

func (s *RedisStore) SetRemove(ctx context.Context, set string, member string) error {
	return s.client.SRem(ctx, set, member).Err()
}

func (s *RedisStore) SetMembers(ctx context.Context, set string) ([]string, error) {
	return s.client.SMembers(ctx, set).Result()
}

// BlobPush performs the atomic "push+set+expire" operation required by
// §4.7: the value is pushed onto the FIFO list at key and also written as
// a TTL'd string at the same key, via a single pipeline round trip.
func (s *RedisStore) BlobPush(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, listKey(key), value)
	if ttl > 0 {
		pipe.Expire(ctx, listKey(key), ttl)
	}
	pipe.Set(ctx, key, value, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) BlobPop(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	res, err := s.client.BRPop(ctx, timeout, listKey(key)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(res) < 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}

func (s *RedisStore) BlobSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) BlobGet(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, value []byte) error {
	return s.client.Publish(ctx, channel, value).Err()
}

// Subscribe listens on a Redis pub/sub channel and forwards messages onto
// the returned channel, closing it when ctx is cancelled. This mirrors
// RedisNotifier.Subscribe's lifecycle (subCtx derived from ctx, pubsub
// closed in a deferred cleanup on the listener goroutine).
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func listKey(key string) string {
	return "lattice:queue:" + key
}
