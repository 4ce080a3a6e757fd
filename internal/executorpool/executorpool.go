// Package executorpool implements the ExecutorPool (C6, spec §4.6) and its
// embedded Reaper (C10, spec §4.10). Warm Executors are kept per
// function-key so repeat invocations skip cold-start cost, the same
// trade-off pool.Pool makes for warm VMs in the teacher — retargeted here
// at in-process Executors instead of Firecracker VMs.
package executorpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lattice-faas/scheduler/internal/logging"
	"github.com/lattice-faas/scheduler/internal/message"
)

// ErrExecutorBusy is returned by ClaimThreadExecutor when more than one
// executor already exists for a THREADS function-key — a THREADS batch
// always shares a single executor, so this indicates a fatal inconsistency
// (spec §7 ExecutorBusy).
var ErrExecutorBusy = errors.New("executorpool: more than one executor found for THREADS function-key")

// Executor runs tasks for one function-key. A real implementation dispatches
// onto a per-thread task queue; the scheduler only needs the claim/execute/
// shutdown surface.
type Executor interface {
	// TryClaim attempts to atomically mark the executor in-use. Returns
	// false if it is already claimed.
	TryClaim() bool
	// ReleaseClaim marks the executor free again, called once the
	// executor's batch-counter reaches zero.
	ReleaseClaim()
	// ExecuteTasks runs the given batch indices, per spec §4.6
	// executeTasks(indices, batch).
	ExecuteTasks(ctx context.Context, indices []int, batch *message.BatchRequest) error
	// QueueLen reports the current depth of this executor's task queue,
	// used to pick a victim under oversubscription.
	QueueLen() int
	// IdleSince reports when the executor last completed a task (or was
	// created, if it has never run one). Zero time means "never idle".
	IdleSince() time.Time
	// Shutdown drains the executor's thread pool; in-flight tasks run to
	// completion (spec §5 cancellation).
	Shutdown(ctx context.Context) error
}

// Factory creates a new Executor for a cold-start message (the
// ExecutorFactory collaborator in spec §6).
type Factory interface {
	Create(ctx context.Context, msg *message.Message) (Executor, error)
}

// UnregisterNotifier is invoked by the reaper when the last executor for a
// function-key is removed and the local host is not that function's
// master, mirroring the RPC unregister(thisHost, user, function) call in
// spec §4.6.
type UnregisterNotifier interface {
	NotifyUnregister(ctx context.Context, masterHost, user, function string) error
}

type entry struct {
	executors []Executor
}

// Pool is the ExecutorPool (C6). maxSubscription bounds how far a
// function-key can oversubscribe before new work is made to queue on an
// existing executor instead of spawning another; it defaults to
// 2*runtime.NumCPU(), mirroring the spec's "maxSubscription = 2 ×
// hardware_concurrency".
type Pool struct {
	thisHost string
	factory  Factory

	mu       sync.RWMutex
	byKey    map[string]*entry
	suspended map[string]int

	maxSubscription int

	reaperInterval time.Duration
	boundTimeout   time.Duration
	unregister     UnregisterNotifier
	masterOf       func(functionKey string) (host string, isMaster bool)

	// coldStart collapses concurrent cold-start claims for the same
	// function-key into a single factory.Create call, the dedup
	// singleflight.Group gives the cold-start path pool.Pool's doc comment
	// already called out in the teacher.
	coldStart singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config carries the tunables sourced from the environment (§6).
type Config struct {
	ReaperIntervalSeconds int
	BoundTimeoutMs        int
	MaxSubscription       int
}

// New creates a Pool. unregister/masterOf may be nil if the reaper's
// unregister notification is not needed (e.g. single-node deployments).
func New(thisHost string, factory Factory, cfg Config, unregister UnregisterNotifier, masterOf func(functionKey string) (string, bool)) *Pool {
	maxSub := cfg.MaxSubscription
	if maxSub <= 0 {
		maxSub = 2 * runtime.NumCPU()
		if maxSub < 1 {
			maxSub = 1
		}
	}
	reaperInterval := time.Duration(cfg.ReaperIntervalSeconds) * time.Second
	if reaperInterval <= 0 {
		reaperInterval = 30 * time.Second
	}
	boundTimeout := time.Duration(cfg.BoundTimeoutMs) * time.Millisecond
	if boundTimeout <= 0 {
		boundTimeout = 10 * time.Minute
	}
	return &Pool{
		thisHost:        thisHost,
		factory:         factory,
		byKey:           make(map[string]*entry),
		suspended:       make(map[string]int),
		maxSubscription: maxSub,
		reaperInterval:  reaperInterval,
		boundTimeout:    boundTimeout,
		unregister:      unregister,
		masterOf:        masterOf,
		stopCh:          make(chan struct{}),
	}
}

// ClaimExecutor implements claimExecutor(msg) → Executor (spec §4.6).
func (p *Pool) ClaimExecutor(ctx context.Context, msg *message.Message) (Executor, error) {
	key := msg.FunctionKey()

	p.mu.Lock()
	e, ok := p.byKey[key]
	if !ok {
		e = &entry{}
		p.byKey[key] = e
		p.suspended[key] = 0
	}

	for _, ex := range e.executors {
		if ex.TryClaim() {
			p.mu.Unlock()
			return ex, nil
		}
	}

	nExecutors := len(e.executors)
	nSuspended := p.suspended[key]
	p.mu.Unlock()

	capped := nSuspended
	if capped > p.maxSubscription*6 {
		capped = p.maxSubscription * 6
	}
	oversubscribeFloor := p.maxSubscription
	if oversubscribeFloor < 1 {
		oversubscribeFloor = 1
	}
	if nExecutors-capped > oversubscribeFloor {
		return p.pickSmallestQueue(key)
	}

	created, err, _ := p.coldStart.Do(key, func() (interface{}, error) {
		ex, err := p.factory.Create(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("executorpool: create executor for %s: %w", key, err)
		}
		p.mu.Lock()
		e2 := p.byKey[key]
		e2.executors = append(e2.executors, ex)
		p.mu.Unlock()
		return ex, nil
	})
	if err != nil {
		return nil, err
	}
	ex := created.(Executor)

	// Every caller racing into the same Do call shares the one Executor it
	// created. Whichever of them wins TryClaim gets it exclusively; the
	// rest queue their work onto it unclaimed, exactly like the
	// oversubscription path above does for an already-busy executor.
	ex.TryClaim()
	return ex, nil
}

// ClaimThreadExecutor implements the THREADS-specific claim rule (spec
// §4.5 "reuse the single existing Executor for the function-key if any,
// else claim one"): it reuses msg's function-key's sole existing executor
// without exclusive TryClaim (a THREADS batch's tasks always share one
// executor), cold-starts one if none exists yet, and fails with
// ErrExecutorBusy if more than one is already present — a THREADS
// function-key should never accumulate a second.
func (p *Pool) ClaimThreadExecutor(ctx context.Context, msg *message.Message) (Executor, error) {
	key := msg.FunctionKey()

	p.mu.RLock()
	e, ok := p.byKey[key]
	n := 0
	var sole Executor
	if ok {
		n = len(e.executors)
		if n == 1 {
			sole = e.executors[0]
		}
	}
	p.mu.RUnlock()

	if n > 1 {
		return nil, fmt.Errorf("%w: %s has %d", ErrExecutorBusy, key, n)
	}
	if n == 1 {
		return sole, nil
	}

	created, err, _ := p.coldStart.Do(key, func() (interface{}, error) {
		p.mu.RLock()
		if e2, ok := p.byKey[key]; ok && len(e2.executors) > 0 {
			ex := e2.executors[0]
			p.mu.RUnlock()
			return ex, nil
		}
		p.mu.RUnlock()

		ex, err := p.factory.Create(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("executorpool: create executor for %s: %w", key, err)
		}
		p.mu.Lock()
		e2, ok := p.byKey[key]
		if !ok {
			e2 = &entry{}
			p.byKey[key] = e2
			p.suspended[key] = 0
		}
		e2.executors = append(e2.executors, ex)
		p.mu.Unlock()
		return ex, nil
	})
	if err != nil {
		return nil, err
	}
	return created.(Executor), nil
}

// pickSmallestQueue returns the existing executor with the smallest queue
// length without claiming it — the caller's task will queue behind
// whatever is already pending (spec §4.6 step 3).
func (p *Pool) pickSmallestQueue(key string) (Executor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byKey[key]
	if !ok || len(e.executors) == 0 {
		return nil, fmt.Errorf("executorpool: no executors for %s to oversubscribe onto", key)
	}
	best := e.executors[0]
	bestLen := best.QueueLen()
	for _, ex := range e.executors[1:] {
		if l := ex.QueueLen(); l < bestLen {
			best, bestLen = ex, l
		}
	}
	return best, nil
}

// ExecuteTasks hands indices of batch to executor. The executor's claim is
// released by its own batch-counter countdown once every index has
// completed (spec §4.6), not by this call returning — ExecuteTasks may
// enqueue work asynchronously rather than block until it finishes.
func (p *Pool) ExecuteTasks(ctx context.Context, executor Executor, indices []int, batch *message.BatchRequest) error {
	return executor.ExecuteTasks(ctx, indices, batch)
}

// Reap runs one reaper pass: idle-timed-out executors are shut down and
// removed (spec §4.6/§4.10). Safe to call periodically from a background
// goroutine or directly from tests.
func (p *Pool) Reap(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for key, e := range p.byKey {
		kept := e.executors[:0:0]
		removedAny := false
		for _, ex := range e.executors {
			idleSince := ex.IdleSince()
			if !idleSince.IsZero() && now.Sub(idleSince) >= p.boundTimeout {
				if err := ex.Shutdown(ctx); err != nil {
					logging.Op().Warn("executor shutdown failed during reap", "function_key", key, "error", err)
				}
				removedAny = true
				continue
			}
			kept = append(kept, ex)
		}
		e.executors = kept

		if removedAny && len(e.executors) == 0 {
			delete(p.byKey, key)
			delete(p.suspended, key)
			if p.unregister != nil && p.masterOf != nil {
				master, isMaster := p.masterOf(key)
				if !isMaster && master != "" {
					parts := splitFunctionKey(key)
					if err := p.unregister.NotifyUnregister(ctx, master, parts[0], parts[1]); err != nil {
						logging.Op().Warn("reaper unregister RPC failed", "function_key", key, "master", master, "error", err)
					}
				}
			}
		}
	}
}

func splitFunctionKey(key string) [2]string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return [2]string{key[:i], key[i+1:]}
		}
	}
	return [2]string{key, ""}
}

// Run starts the periodic reaper loop; it stops when ctx is cancelled or
// Stop is called.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Reap(ctx)
		}
	}
}

// Stop halts the reaper loop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Shutdown tears down every executor in the pool.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, e := range p.byKey {
		for _, ex := range e.executors {
			if err := ex.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	p.byKey = make(map[string]*entry)
	p.suspended = make(map[string]int)
	return firstErr
}

// ExecutorCount returns the number of live executors for key, for tests and
// status reporting.
func (p *Pool) ExecutorCount(key string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byKey[key]
	if !ok {
		return 0
	}
	return len(e.executors)
}
