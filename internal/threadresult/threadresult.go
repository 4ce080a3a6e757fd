// Package threadresult implements the ThreadResultTable (C8, spec §4.8):
// one-shot 32-bit result slots for MPI/thread-style invocations, keyed by
// message id like resultplane.Plane's local slots, but holding a return
// value rather than a whole Message.
package threadresult

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lattice-faas/scheduler/internal/message"
)

// ErrUnregistered is returned by AwaitThreadResult for an id that was never
// registered (spec §7 UnregisteredThread).
var ErrUnregistered = errors.New("threadresult: id was never registered")

// SnapshotQueuer queues diffs onto the snapshot named by key, delegated to
// the out-of-scope snapshot subsystem (spec §4.8: "queue diffs onto the
// snapshot named by key (delegated)").
type SnapshotQueuer interface {
	QueueDiffs(ctx context.Context, key string, diffs []byte) error
}

// ThreadResultPusher sends a thread result to the master over C3.
type ThreadResultPusher interface {
	PushThreadResult(ctx context.Context, masterHost string, id uint32, returnValue int32, key string, diffs []byte) error
}

type slot struct {
	ch   chan int32
	once sync.Once
}

func newSlot() *slot {
	return &slot{ch: make(chan int32, 1)}
}

func (s *slot) set(ret int32) {
	s.once.Do(func() { s.ch <- ret })
}

// Table is the ThreadResultTable (C8).
type Table struct {
	mu    sync.Mutex
	slots map[uint32]*slot

	thisHost  string
	snapshots SnapshotQueuer
	pusher    ThreadResultPusher
}

// New creates an empty Table for thisHost. Master-or-not is derived
// per-call from msg.MasterHost rather than an external callback.
func New(thisHost string, snapshots SnapshotQueuer, pusher ThreadResultPusher) *Table {
	return &Table{
		slots:     make(map[uint32]*slot),
		thisHost:  thisHost,
		snapshots: snapshots,
		pusher:    pusher,
	}
}

// Register reserves a one-shot slot for msgId (spec §4.8 "register(msgId)").
func (t *Table) Register(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.slots[id]; !ok {
		t.slots[id] = newSlot()
	}
}

// SetThreadResult implements setThreadResult(msg, returnValue, key, diffs)
// (spec §4.8).
func (t *Table) SetThreadResult(ctx context.Context, msg *message.Message, returnValue int32, key string, diffs []byte) error {
	if msg.MasterHost == t.thisHost {
		if t.snapshots != nil && key != "" {
			if err := t.snapshots.QueueDiffs(ctx, key, diffs); err != nil {
				return fmt.Errorf("threadresult: queue diffs: %w", err)
			}
		}
		return t.setLocally(msg.ID, returnValue)
	}

	if t.pusher == nil {
		return fmt.Errorf("threadresult: no RPC pusher configured to forward result for id %d", msg.ID)
	}
	return t.pusher.PushThreadResult(ctx, msg.MasterHost, msg.ID, returnValue, key, diffs)
}

// setLocally fulfils id's slot directly, used both by the master path above
// and by the RPC-served pushThreadResult handler.
func (t *Table) setLocally(id uint32, returnValue int32) error {
	t.mu.Lock()
	s, ok := t.slots[id]
	t.mu.Unlock()
	if !ok {
		return ErrUnregistered
	}
	s.set(returnValue)
	return nil
}

// SetThreadResultLocally is the RPC-served entry point for
// setThreadResultLocally(id, ret) called from a remote pushThreadResult.
func (t *Table) SetThreadResultLocally(id uint32, returnValue int32) error {
	return t.setLocally(id, returnValue)
}

// AwaitThreadResult blocks on id's slot, returning ErrUnregistered if id was
// never registered (spec §4.8, §7 UnregisteredThread).
func (t *Table) AwaitThreadResult(ctx context.Context, id uint32) (int32, error) {
	t.mu.Lock()
	s, ok := t.slots[id]
	t.mu.Unlock()
	if !ok {
		return 0, ErrUnregistered
	}
	select {
	case ret := <-s.ch:
		t.mu.Lock()
		delete(t.slots, id)
		t.mu.Unlock()
		return ret, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ThreadResult pairs a message id with its awaited return value.
type ThreadResult struct {
	ID          uint32
	ReturnValue int32
}

// AwaitThreadResults sequentially awaits each message's id in batch order
// and returns their results in the same order (spec §4.8
// "awaitThreadResults(batch)").
func (t *Table) AwaitThreadResults(ctx context.Context, batch *message.BatchRequest) ([]ThreadResult, error) {
	out := make([]ThreadResult, 0, batch.Len())
	for _, msg := range batch.Messages {
		ret, err := t.AwaitThreadResult(ctx, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("threadresult: await id %d: %w", msg.ID, err)
		}
		out = append(out, ThreadResult{ID: msg.ID, ReturnValue: ret})
	}
	return out, nil
}
