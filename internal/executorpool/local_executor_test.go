package executorpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lattice-faas/scheduler/internal/message"
)

func echoRuntime(ctx context.Context, msg *message.Message) ([]byte, error) {
	return []byte("ok:" + msg.Function), nil
}

func failingRuntime(ctx context.Context, msg *message.Message) ([]byte, error) {
	return nil, errors.New("boom")
}

func TestLocalExecutorRunsTaskAndReleasesClaim(t *testing.T) {
	var mu sync.Mutex
	var completed []*message.Message
	var batchTypes []message.BatchType

	onComplete := func(m *message.Message, bt message.BatchType) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, m)
		batchTypes = append(batchTypes, bt)
	}

	e := NewLocalExecutor("alice/hello", echoRuntime, 2, onComplete)
	defer e.Shutdown(context.Background())

	if !e.TryClaim() {
		t.Fatal("expected fresh executor to be claimable")
	}

	batch := &message.BatchRequest{
		Type:     message.BatchFunctions,
		Messages: []*message.Message{{ID: 1, Function: "hello"}},
	}
	if err := e.ExecuteTasks(context.Background(), []int{0}, batch); err != nil {
		t.Fatalf("ExecuteTasks: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(completed)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for task completion")
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if string(completed[0].ContextData) != "ok:hello" {
		t.Errorf("ContextData = %q, want %q", completed[0].ContextData, "ok:hello")
	}
	if batchTypes[0] != message.BatchFunctions {
		t.Errorf("batchType = %v, want BatchFunctions", batchTypes[0])
	}

	// the batch counter should have hit zero and released the claim
	if !e.TryClaim() {
		t.Error("expected claim released after batch counter reached zero")
	}
}

func TestLocalExecutorRuntimeErrorSetsMessageError(t *testing.T) {
	done := make(chan *message.Message, 1)
	onComplete := func(m *message.Message, bt message.BatchType) { done <- m }

	e := NewLocalExecutor("alice/fails", failingRuntime, 1, onComplete)
	defer e.Shutdown(context.Background())

	batch := &message.BatchRequest{Messages: []*message.Message{{ID: 1, Function: "fails"}}}
	if err := e.ExecuteTasks(context.Background(), []int{0}, batch); err != nil {
		t.Fatalf("ExecuteTasks: %v", err)
	}

	select {
	case m := <-done:
		if m.Error == "" {
			t.Error("expected Error to be set on runtime failure")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestLocalExecutorQueueLenTracksPendingTasks(t *testing.T) {
	block := make(chan struct{})
	blocker := func(ctx context.Context, msg *message.Message) ([]byte, error) {
		<-block
		return nil, nil
	}

	e := NewLocalExecutor("alice/blocker", blocker, 1, nil)
	defer func() {
		close(block)
		e.Shutdown(context.Background())
	}()

	batch := &message.BatchRequest{Messages: []*message.Message{{ID: 1}, {ID: 2}}}
	if err := e.ExecuteTasks(context.Background(), []int{0, 1}, batch); err != nil {
		t.Fatalf("ExecuteTasks: %v", err)
	}

	if got := e.QueueLen(); got != 2 {
		t.Errorf("QueueLen() = %d, want 2", got)
	}
	if !e.IdleSince().IsZero() {
		t.Error("expected IdleSince zero while tasks are queued")
	}
}

func TestLocalFactoryCreate(t *testing.T) {
	f := LocalFactory{Runtime: echoRuntime, Workers: 1}
	ex, err := f.Create(context.Background(), &message.Message{User: "alice", Function: "hello"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ex.Shutdown(context.Background())
	if !ex.TryClaim() {
		t.Error("expected new executor to be claimable")
	}
}

func TestUnwiredRuntimeReturnsSentinel(t *testing.T) {
	_, err := UnwiredRuntime(context.Background(), &message.Message{})
	if !errors.Is(err, ErrRuntimeNotWired) {
		t.Errorf("UnwiredRuntime error = %v, want %v", err, ErrRuntimeNotWired)
	}
}
