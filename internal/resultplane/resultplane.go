// Package resultplane implements the ResultPlane (C7, spec §4.7): one-shot
// local rendezvous for results produced on this host, plus a shared-queue
// fallback for results consumed from a different host than the one that
// produced them.
//
// The spec's "promise plus event file-descriptor" rendezvous exists so a
// C++ reactor loop can epoll on completion; Go has no equivalent I/O
// integration point, so LocalResult uses a buffered channel as its
// promise/event-fd combined — closing (or sending once on) the channel is
// both the fulfillment and the wake-up signal, mirroring jobtracker.Tracker's
// map+mutex shape for the slot table itself.
package resultplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lattice-faas/scheduler/internal/kvstore"
	"github.com/lattice-faas/scheduler/internal/message"
)

// ErrDirectResultMissing is returned when setFunctionResult targets a local
// slot that was never pre-registered (spec §7 DirectResultMissing).
var ErrDirectResultMissing = errors.New("resultplane: no local slot registered for direct result")

// ErrNoResponse is returned by GetFunctionResult when the shared-queue
// fallback times out with timeoutMs > 0 (spec §7 NoResponse).
var ErrNoResponse = errors.New("resultplane: no response within timeout")

// ErrZeroMessageID is returned by GetFunctionResult(0, ...) — message id 0
// never identifies a real invocation (spec §7 ZeroMessageId, fatal).
var ErrZeroMessageID = errors.New("resultplane: getFunctionResult called with message id 0")

// MigrationRemover lets setFunctionResult notify the MigrationDetector that
// an app has finished, per spec §4.7 "if master and app in-flight, call
// MigrationDetector.remove(appId)".
type MigrationRemover interface {
	Remove(appID uint32)
}

// DirectResultSender delivers a remote direct result via C3.
type DirectResultSender interface {
	SendDirectResult(ctx context.Context, host string, msg *message.Message) error
}

// LocalResult is the one-shot rendezvous slot described in spec §4.7: a
// promise plus a readiness signal. setValue is idempotent-safe against a
// double call.
type LocalResult struct {
	ch   chan *message.Message
	once sync.Once
}

func newLocalResult() *LocalResult {
	return &LocalResult{ch: make(chan *message.Message, 1)}
}

// SetValue fulfils the promise and signals readiness exactly once; a
// second call is a silent no-op (spec: "idempotent-safe against double-set").
func (r *LocalResult) SetValue(msg *message.Message) {
	r.once.Do(func() {
		r.ch <- msg
	})
}

// Plane is the ResultPlane (C7).
type Plane struct {
	thisHost string
	store    kvstore.Store

	resultTTL time.Duration
	statusTTL time.Duration

	localMu sync.Mutex // localResultsMutex (§5): never held together with a scheduler-wide lock
	local   map[uint32]*LocalResult

	migration MigrationRemover
	direct    DirectResultSender

	inFlight func(appID uint32) bool
}

// Config carries the TTLs applied to the shared result/status keys (§6).
type Config struct {
	ResultTTL time.Duration
	StatusTTL time.Duration
}

// New creates a Plane backed by store. inFlight reports whether the
// MigrationDetector still has an in-flight entry for an appId.
func New(thisHost string, store kvstore.Store, cfg Config, migration MigrationRemover, direct DirectResultSender, inFlight func(uint32) bool) *Plane {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 5 * time.Minute
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 5 * time.Minute
	}
	return &Plane{
		thisHost:  thisHost,
		store:     store,
		resultTTL: cfg.ResultTTL,
		statusTTL: cfg.StatusTTL,
		local:     make(map[uint32]*LocalResult),
		migration: migration,
		direct:    direct,
		inFlight:  inFlight,
	}
}

// RegisterLocal pre-registers a one-shot slot for msg.ID, to be fulfilled
// later by SetFunctionResult. Called by the Dispatcher for messages that
// execute locally or carry a non-empty directResultHost pointing here
// (spec §4.5 per-host dispatch).
func (p *Plane) RegisterLocal(id uint32) {
	p.localMu.Lock()
	defer p.localMu.Unlock()
	if _, ok := p.local[id]; !ok {
		p.local[id] = newLocalResult()
	}
}

// SetFunctionResult implements setFunctionResult(msg) (spec §4.7).
func (p *Plane) SetFunctionResult(ctx context.Context, msg *message.Message) error {
	if msg.DirectResultHost == p.thisHost {
		p.localMu.Lock()
		slot, ok := p.local[msg.ID]
		p.localMu.Unlock()
		if !ok {
			return ErrDirectResultMissing
		}
		slot.SetValue(msg)
		return nil
	}

	msg.ExecutedHost = p.thisHost
	msg.FinishTimestamp = time.Now().UnixMilli()

	isMaster := msg.MasterHost == p.thisHost
	if isMaster && p.inFlight != nil && p.inFlight(msg.AppID) && p.migration != nil {
		p.migration.Remove(msg.AppID)
	}

	if msg.DirectResultHost != "" {
		if p.direct == nil {
			return fmt.Errorf("resultplane: no direct-result sender configured for host %s", msg.DirectResultHost)
		}
		return p.direct.SendDirectResult(ctx, msg.DirectResultHost, msg)
	}

	if msg.ExecutesLocally {
		p.localMu.Lock()
		slot, ok := p.local[msg.ID]
		p.localMu.Unlock()
		if ok {
			slot.SetValue(msg)
		}
		return nil
	}

	return p.publishShared(ctx, msg)
}

func (p *Plane) publishShared(ctx context.Context, msg *message.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("resultplane: marshal result: %w", err)
	}
	if err := p.store.BlobPush(ctx, msg.ResultKey, payload, p.resultTTL); err != nil {
		return fmt.Errorf("resultplane: push result: %w", err)
	}
	if msg.StatusKey != "" {
		if err := p.store.BlobSet(ctx, msg.StatusKey, payload, p.statusTTL); err != nil {
			return fmt.Errorf("resultplane: set status: %w", err)
		}
	}
	return nil
}

// emptyResult is the sentinel Message returned on a non-erroring timeout
// (spec §4.7: "on timeout return a Message tagged EMPTY").
func emptyResult(id uint32) *message.Message {
	return &message.Message{ID: id, ContextData: nil}
}

// GetFunctionResult implements getFunctionResult(msgId, timeoutMs) (spec
// §4.7).
func (p *Plane) GetFunctionResult(ctx context.Context, id uint32, timeout time.Duration) (*message.Message, error) {
	if id == 0 {
		return nil, ErrZeroMessageID
	}

	p.localMu.Lock()
	slot, ok := p.local[id]
	p.localMu.Unlock()

	if ok {
		var timer <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timer = t.C
		}
		select {
		case msg := <-slot.ch:
			p.localMu.Lock()
			delete(p.local, id)
			p.localMu.Unlock()
			return msg, nil
		case <-timer:
			return emptyResult(id), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return p.getFromSharedQueue(ctx, id, timeout)
}

func (p *Plane) getFromSharedQueue(ctx context.Context, id uint32, timeout time.Duration) (*message.Message, error) {
	key := resultKeyFor(id)
	raw, ok, err := p.store.BlobPop(ctx, key, timeout)
	if err != nil {
		return nil, fmt.Errorf("resultplane: shared dequeue: %w", err)
	}
	if !ok {
		if timeout > 0 {
			return nil, ErrNoResponse
		}
		return emptyResult(id), nil
	}
	var msg message.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("resultplane: unmarshal result: %w", err)
	}
	return &msg, nil
}

// resultKeyFor derives the shared-queue key for a bare message id, used by
// callers that only have an id (no full Message) available — e.g. a
// cross-host getFunctionResult call. GetFunctionResult always reads the
// shared queue under this key, so a result published by publishShared is
// found there only when the producer's ResultKey is "result_<id>".
func resultKeyFor(id uint32) string {
	return fmt.Sprintf("result_%d", id)
}

// GetFunctionResultAsync implements the async variant (spec §4.7): rather
// than integrating with an external reactor's event-fd, it spawns a
// goroutine that blocks on GetFunctionResult and invokes cb on completion.
// Cancel via ctx.
func (p *Plane) GetFunctionResultAsync(ctx context.Context, id uint32, timeout time.Duration, cb func(*message.Message, error)) {
	go func() {
		msg, err := p.GetFunctionResult(ctx, id, timeout)
		cb(msg, err)
	}()
}
