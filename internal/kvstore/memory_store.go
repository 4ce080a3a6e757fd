package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store suitable for single-node tests, the
// way ChannelNotifier stands in for RedisNotifier in single-instance
// deployments (queue.ChannelNotifier).
type MemoryStore struct {
	mu      sync.Mutex
	sets    map[string]map[string]struct{}
	queues  map[string][][]byte
	blobs   map[string][]byte
	waiters map[string][]chan struct{}
	subs    map[string][]chan []byte
	closed  bool
}

// NewMemoryStore creates a ready-to-use in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets:    make(map[string]map[string]struct{}),
		queues:  make(map[string][][]byte),
		blobs:   make(map[string][]byte),
		waiters: make(map[string][]chan struct{}),
		subs:    make(map[string][]chan []byte),
	}
}

func (s *MemoryStore) SetAdd(_ context.Context, set string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sets[set]
	if !ok {
		m = make(map[string]struct{})
		s.sets[set] = m
	}
	m[member] = struct{}{}
	return nil
}

func (s *MemoryStore) SetRemove(_ context.Context, set string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.sets[set]; ok {
		delete(m, member)
	}
	return nil
}

func (s *MemoryStore) SetMembers(_ context.Context, set string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.sets[set]
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out, nil
}

func (s *MemoryStore) BlobPush(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	s.queues[key] = append(s.queues[key], value)
	s.blobs[key] = value
	waiters := s.waiters[key]
	s.waiters[key] = nil
	s.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	return nil
}

func (s *MemoryStore) BlobPop(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q) > 0 {
			v := q[0]
			s.queues[key] = q[1:]
			s.mu.Unlock()
			return v, true, nil
		}
		if timeout <= 0 {
			s.mu.Unlock()
			return nil, false, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.mu.Unlock()
			return nil, false, nil
		}
		wait := make(chan struct{})
		s.waiters[key] = append(s.waiters[key], wait)
		s.mu.Unlock()

		select {
		case <-wait:
		case <-time.After(remaining):
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (s *MemoryStore) BlobSet(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = value
	return nil
}

func (s *MemoryStore) BlobGet(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.blobs[key]
	return v, ok, nil
}

func (s *MemoryStore) Publish(_ context.Context, channel string, value []byte) error {
	s.mu.Lock()
	subs := append([]chan []byte(nil), s.subs[channel]...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- value:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[channel]
		for i, c := range subs {
			if c == ch {
				s.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()
	return ch, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
