package executorpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lattice-faas/scheduler/internal/message"
)

// Runtime invokes one message and returns the opaque outcome payload
// (result bytes) the caller forwards into the ResultPlane. The actual
// function-runtime plugin is out of scope (spec.md §1): Runtime is supplied
// by the embedding binary.
type Runtime func(ctx context.Context, msg *message.Message) ([]byte, error)

// ErrRuntimeNotWired is returned by UnwiredRuntime, the zero-value stand-in
// for a real function-runtime plugin.
var ErrRuntimeNotWired = fmt.Errorf("executorpool: no function runtime wired for this deployment")

// UnwiredRuntime is a Runtime that fails every invocation with
// ErrRuntimeNotWired. It lets a binary start up, accept batches, and
// exercise claim/oversubscription/reap before a real function-runtime
// plugin (out of scope per spec.md §1) is wired in its place.
func UnwiredRuntime(ctx context.Context, msg *message.Message) ([]byte, error) {
	return nil, ErrRuntimeNotWired
}

// LocalExecutor is the default Executor: a single claimed/unclaimed flag
// plus a bounded task queue drained by worker goroutines, mirroring the
// claimed-flag + per-thread-queue shape PooledVM/functionPool uses in the
// teacher, minus the VM lifecycle.
type LocalExecutor struct {
	functionKey string
	runtime     Runtime

	claimed atomic.Bool

	mu        sync.Mutex
	queueLen  int
	idleSince time.Time

	tasks  chan task
	done   chan struct{}
	stopWg sync.WaitGroup

	onComplete func(result *message.Message, batchType message.BatchType)
}

type task struct {
	ctx   context.Context
	index int
	batch *message.BatchRequest
	n     *int64 // shared batch counter
}

// NewLocalExecutor starts workers workers pulling from a task queue for a
// single function-key. onComplete is called with the executed message
// (ExecutedHost/FinishTimestamp stamped) for each finished task so the
// caller can feed it into the ResultPlane.
func NewLocalExecutor(functionKey string, runtime Runtime, workers int, onComplete func(*message.Message, message.BatchType)) *LocalExecutor {
	if workers < 1 {
		workers = 1
	}
	e := &LocalExecutor{
		functionKey: functionKey,
		runtime:     runtime,
		idleSince:   time.Now(),
		tasks:       make(chan task, 256),
		done:        make(chan struct{}),
		onComplete:  onComplete,
	}
	for i := 0; i < workers; i++ {
		e.stopWg.Add(1)
		go e.worker()
	}
	return e
}

func (e *LocalExecutor) worker() {
	defer e.stopWg.Done()
	for {
		select {
		case <-e.done:
			return
		case t, ok := <-e.tasks:
			if !ok {
				return
			}
			e.runTask(t)
		}
	}
}

func (e *LocalExecutor) runTask(t task) {
	msg := t.batch.Messages[t.index]
	result, err := e.runtime(t.ctx, msg)
	if err != nil {
		msg.Error = err.Error()
	} else {
		msg.ContextData = result
	}

	e.mu.Lock()
	e.queueLen--
	e.idleSince = time.Now()
	e.mu.Unlock()

	if e.onComplete != nil {
		e.onComplete(msg, t.batch.Type)
	}

	if atomic.AddInt64(t.n, -1) == 0 {
		e.ReleaseClaim()
	}
}

func (e *LocalExecutor) TryClaim() bool {
	return e.claimed.CompareAndSwap(false, true)
}

func (e *LocalExecutor) ReleaseClaim() {
	e.claimed.Store(false)
}

func (e *LocalExecutor) ExecuteTasks(ctx context.Context, indices []int, batch *message.BatchRequest) error {
	n := int64(len(indices))
	counter := &n
	e.mu.Lock()
	e.queueLen += len(indices)
	e.idleSince = time.Time{} // not idle while tasks are queued/running
	e.mu.Unlock()
	for _, idx := range indices {
		e.tasks <- task{ctx: ctx, index: idx, batch: batch, n: counter}
	}
	return nil
}

func (e *LocalExecutor) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queueLen
}

func (e *LocalExecutor) IdleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idleSince
}

func (e *LocalExecutor) Shutdown(ctx context.Context) error {
	close(e.done)
	done := make(chan struct{})
	go func() {
		e.stopWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocalFactory is the default Factory: every function-key cold-starts a
// LocalExecutor backed by the same process-wide Runtime, the single-binary
// equivalent of the per-function Firecracker VM factory in the teacher.
type LocalFactory struct {
	Runtime    Runtime
	Workers    int
	OnComplete func(*message.Message, message.BatchType)
}

// Create implements Factory.
func (f LocalFactory) Create(ctx context.Context, msg *message.Message) (Executor, error) {
	return NewLocalExecutor(msg.FunctionKey(), f.Runtime, f.Workers, f.OnComplete), nil
}
