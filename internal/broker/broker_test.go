package broker

import (
	"context"
	"testing"

	"github.com/lattice-faas/scheduler/internal/kvstore"
	"github.com/lattice-faas/scheduler/internal/message"
)

func TestSetAndSendMappingsZeroGroupIDIsNoop(t *testing.T) {
	b := New(kvstore.NewMemoryStore())
	err := b.SetAndSendMappingsFromSchedulingDecision(context.Background(), &message.SchedulingDecision{GroupID: 0, Hosts: []string{"a"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := b.LookupHost(context.Background(), 0, 0); ok {
		t.Error("expected no mapping stored for GroupID 0")
	}
}

func TestSetAndSendMappingsThenLookupHost(t *testing.T) {
	b := New(kvstore.NewMemoryStore())
	decision := &message.SchedulingDecision{GroupID: 7, Hosts: []string{"host-a", "host-b", "host-c"}}

	if err := b.SetAndSendMappingsFromSchedulingDecision(context.Background(), decision); err != nil {
		t.Fatalf("SetAndSendMappingsFromSchedulingDecision: %v", err)
	}

	host, ok, err := b.LookupHost(context.Background(), 7, 1)
	if err != nil {
		t.Fatalf("LookupHost: %v", err)
	}
	if !ok || host != "host-b" {
		t.Fatalf("LookupHost(7, 1) = (%q, %v), want (host-b, true)", host, ok)
	}
}

func TestLookupHostOutOfRangeIndex(t *testing.T) {
	b := New(kvstore.NewMemoryStore())
	decision := &message.SchedulingDecision{GroupID: 3, Hosts: []string{"host-a"}}
	if err := b.SetAndSendMappingsFromSchedulingDecision(context.Background(), decision); err != nil {
		t.Fatalf("SetAndSendMappingsFromSchedulingDecision: %v", err)
	}

	if _, ok, _ := b.LookupHost(context.Background(), 3, 5); ok {
		t.Error("expected ok=false for out-of-range groupIdx")
	}
}

func TestLookupHostUnknownGroup(t *testing.T) {
	b := New(kvstore.NewMemoryStore())
	if _, ok, err := b.LookupHost(context.Background(), 99, 0); ok || err != nil {
		t.Errorf("LookupHost(unknown) = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

func TestClearRemovesMapping(t *testing.T) {
	b := New(kvstore.NewMemoryStore())
	decision := &message.SchedulingDecision{GroupID: 5, Hosts: []string{"host-a"}}
	if err := b.SetAndSendMappingsFromSchedulingDecision(context.Background(), decision); err != nil {
		t.Fatalf("SetAndSendMappingsFromSchedulingDecision: %v", err)
	}

	if err := b.Clear(context.Background(), 5); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := b.LookupHost(context.Background(), 5, 0); ok {
		t.Error("expected mapping cleared")
	}
}
