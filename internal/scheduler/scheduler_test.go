package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-faas/scheduler/internal/config"
	"github.com/lattice-faas/scheduler/internal/kvstore"
	"github.com/lattice-faas/scheduler/internal/message"
	"github.com/lattice-faas/scheduler/internal/rpcclient"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		Slots:   4,
		Workers: 1,
		Runtime: func(ctx context.Context, msg *message.Message) ([]byte, error) {
			return []byte("ok"), nil
		},
		FunctionFactory: func(ctx context.Context, addr string) (rpcclient.FunctionCallClient, error) {
			return nil, rpcclient.ErrTransportNotWired
		},
		SnapshotFactory: func(ctx context.Context, addr string) (rpcclient.SnapshotClient, error) {
			return nil, rpcclient.ErrTransportNotWired
		},
		ResolveMaster: func(functionKey string) (string, bool) { return "host-a", true },
	}
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	cfg := config.Default()
	store := kvstore.NewMemoryStore()
	return New("host-a", cfg, store, testDeps(t))
}

func TestNewWiresAllComponents(t *testing.T) {
	s := newTestScheduler(t)
	if s.Registry == nil || s.Resources == nil || s.RPC == nil || s.Decision == nil ||
		s.Results == nil || s.Threads == nil || s.Executors == nil || s.Migrator == nil ||
		s.Dispatcher == nil || s.Metrics == nil || s.Status == nil {
		t.Fatal("New left one or more components nil")
	}
}

func TestCallFunctionsExecutesLocallyAndRecordsResult(t *testing.T) {
	s := newTestScheduler(t)
	batch := &message.BatchRequest{Messages: []*message.Message{
		{ID: 1, AppID: 1, User: "alice", Function: "hello", MasterHost: "host-a"},
	}}

	decision, err := s.CallFunctions(context.Background(), batch)
	if err != nil {
		t.Fatalf("CallFunctions: %v", err)
	}
	if len(decision.Hosts) != 1 || decision.Hosts[0] != "host-a" {
		t.Fatalf("Hosts = %v, want [host-a]", decision.Hosts)
	}

	result, err := s.Results.GetFunctionResult(context.Background(), 1, time.Second)
	if err != nil {
		t.Fatalf("GetFunctionResult: %v", err)
	}
	if result == nil {
		t.Fatal("expected a function result to have been recorded")
	}
}

func TestCallFunctionsEmptyBatchReturnsEmptyDecision(t *testing.T) {
	s := newTestScheduler(t)
	decision, err := s.CallFunctions(context.Background(), &message.BatchRequest{})
	if err != nil {
		t.Fatalf("CallFunctions: %v", err)
	}
	if len(decision.Hosts) != 0 {
		t.Fatalf("Hosts = %v, want empty", decision.Hosts)
	}
}

func TestGlobalSingletonSetGet(t *testing.T) {
	s := newTestScheduler(t)
	Set(s)
	if Get() != s {
		t.Fatal("Get() did not return the instance passed to Set()")
	}
}

func TestRunStopsCleanlyOnContextCancel(t *testing.T) {
	s := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunRegistersThisHostAndRemovesItOnShutdown(t *testing.T) {
	s := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Poll briefly for registration rather than sleeping a fixed duration:
	// Run's AddHost call races the goroutine scheduler.
	deadline := time.Now().Add(time.Second)
	for {
		hosts, err := s.Registry.AvailableHosts(context.Background(), message.RoleCompute)
		if err != nil {
			t.Fatalf("AvailableHosts: %v", err)
		}
		if len(hosts) == 1 && hosts[0] == "host-a" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("AvailableHosts = %v, want [host-a] registered by Run", hosts)
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	hosts, err := s.Registry.AvailableHosts(context.Background(), message.RoleCompute)
	if err != nil {
		t.Fatalf("AvailableHosts: %v", err)
	}
	if len(hosts) != 0 {
		t.Fatalf("AvailableHosts after shutdown = %v, want empty (Run should have unregistered host-a)", hosts)
	}
}

func TestRunRegistersStorageRoleWhenConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.IsStorageNode = true
	store := kvstore.NewMemoryStore()
	s := New("host-a", cfg, store, testDeps(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		hosts, err := s.Registry.AvailableHosts(context.Background(), message.RoleStorage)
		if err != nil {
			t.Fatalf("AvailableHosts: %v", err)
		}
		if len(hosts) == 1 && hosts[0] == "host-a" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("AvailableHosts(storage) = %v, want [host-a] registered by Run for an IsStorageNode host", hosts)
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
