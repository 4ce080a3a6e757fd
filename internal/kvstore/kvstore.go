// Package kvstore abstracts the shared key-value store the scheduler uses
// for host-set membership, the cross-host result queue, and status keys
// (§6). RedisStore shares state across a fleet; MemoryStore is a
// process-local implementation for single-node runs and tests.
package kvstore

import (
	"context"
	"time"
)

// Store is the shared key-value surface consumed by the registry and the
// result plane. Every method must be safe for concurrent use.
type Store interface {
	// SetAdd adds member to the named set.
	SetAdd(ctx context.Context, set string, member string) error
	// SetRemove removes member from the named set.
	SetRemove(ctx context.Context, set string, member string) error
	// SetMembers returns the current members of the named set.
	SetMembers(ctx context.Context, set string) ([]string, error)

	// BlobPush appends an atomic "push+set+expire" queue entry for key:
	// pushes value onto the FIFO queue named key and also writes it as a
	// plain TTL'd blob at key (§4.7 setFunctionResult fallback path).
	BlobPush(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// BlobPop performs a blocking dequeue from the FIFO queue named key,
	// waiting up to timeout. ok is false on timeout.
	BlobPop(ctx context.Context, key string, timeout time.Duration) (value []byte, ok bool, err error)
	// BlobSet writes value at key with the given TTL (statusKey writes).
	BlobSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// BlobGet reads the current value at key, if any.
	BlobGet(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Publish broadcasts value on the given pub/sub channel (used by the
	// broker for point-to-point mapping distribution).
	Publish(ctx context.Context, channel string, value []byte) error
	// Subscribe returns a channel of messages published to channel.
	// Delivery stops when ctx is cancelled. RedisStore closes the returned
	// channel then; MemoryStore does not close it, and neither
	// implementation closes it from Close.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	// Close releases all resources held by the store.
	Close() error
}
