package migration

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-faas/scheduler/internal/message"
	"github.com/lattice-faas/scheduler/internal/rpcclient"
)

type stubResourceQuerier struct {
	byHost map[string]message.HostResources
}

func (s stubResourceQuerier) Resources(ctx context.Context, host string) (message.HostResources, error) {
	return s.byHost[host], nil
}

type stubBroadcaster struct {
	sent []rpcclient.PendingMigrations
}

func (s *stubBroadcaster) SendPendingMigrations(ctx context.Context, host string, pm rpcclient.PendingMigrations) error {
	s.sent = append(s.sent, pm)
	return nil
}

type stubHostLister struct {
	hosts []string
}

func (s stubHostLister) RegisteredHosts(functionKey string) []string { return s.hosts }

func TestTrackAndIsInFlight(t *testing.T) {
	d := New(stubResourceQuerier{}, &stubBroadcaster{}, stubHostLister{}, time.Second)
	batch := &message.BatchRequest{Messages: []*message.Message{{ID: 1}}}
	decision := &message.SchedulingDecision{Hosts: []string{"host-a"}}

	if d.IsInFlight(1) {
		t.Fatal("should not be in-flight before Track")
	}
	d.Track(1, batch, decision)
	if !d.IsInFlight(1) {
		t.Fatal("should be in-flight after Track")
	}
}

func TestTrackAppendsToExistingEntry(t *testing.T) {
	d := New(stubResourceQuerier{}, &stubBroadcaster{}, stubHostLister{}, time.Second)
	batch1 := &message.BatchRequest{Messages: []*message.Message{{ID: 1}}}
	decision1 := &message.SchedulingDecision{Hosts: []string{"host-a"}}
	d.Track(1, batch1, decision1)

	batch2 := &message.BatchRequest{Messages: []*message.Message{{ID: 2}}}
	decision2 := &message.SchedulingDecision{Hosts: []string{"host-b"}}
	d.Track(1, batch2, decision2)

	if len(batch1.Messages) != 2 {
		t.Fatalf("expected batch1 to have 2 messages after append, got %d", len(batch1.Messages))
	}
	if len(decision1.Hosts) != 2 {
		t.Fatalf("expected decision1 to have 2 hosts after append, got %d", len(decision1.Hosts))
	}
}

func TestRemoveClearsInFlightAndPending(t *testing.T) {
	d := New(stubResourceQuerier{}, &stubBroadcaster{}, stubHostLister{}, time.Second)
	batch := &message.BatchRequest{Messages: []*message.Message{{ID: 1}}}
	decision := &message.SchedulingDecision{Hosts: []string{"host-a"}}
	d.Track(1, batch, decision)

	d.Remove(1)
	if d.IsInFlight(1) {
		t.Fatal("expected not in-flight after Remove")
	}
	if _, ok := d.PendingFor(1); ok {
		t.Fatal("expected no pending migration after Remove")
	}
}

func TestBinPackFindsCheaperPacking(t *testing.T) {
	resources := stubResourceQuerier{byHost: map[string]message.HostResources{
		"host-a": {Slots: 4, UsedSlots: 0}, // 4 free
		"host-b": {Slots: 4, UsedSlots: 4}, // 0 free
	}}
	d := New(resources, &stubBroadcaster{}, stubHostLister{}, time.Second)

	batch := &message.BatchRequest{Messages: []*message.Message{
		{ID: 1}, {ID: 2}, {ID: 3},
	}}
	decision := &message.SchedulingDecision{Hosts: []string{"host-a", "host-b", "host-b"}}

	migrations, err := d.binPack(context.Background(), batch, decision)
	if err != nil {
		t.Fatalf("binPack: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("migrations = %v, want 2 entries (both host-b messages move to host-a)", migrations)
	}
	for _, m := range migrations {
		if m.SrcHost != "host-b" || m.DstHost != "host-a" {
			t.Errorf("migration = %+v, want src=host-b dst=host-a", m)
		}
	}
}

func TestBinPackNoOpWhenAlreadyPacked(t *testing.T) {
	resources := stubResourceQuerier{byHost: map[string]message.HostResources{
		"host-a": {Slots: 2, UsedSlots: 2},
	}}
	d := New(resources, &stubBroadcaster{}, stubHostLister{}, time.Second)

	batch := &message.BatchRequest{Messages: []*message.Message{{ID: 1}, {ID: 2}}}
	decision := &message.SchedulingDecision{Hosts: []string{"host-a", "host-a"}}

	migrations, err := d.binPack(context.Background(), batch, decision)
	if err != nil {
		t.Fatalf("binPack: %v", err)
	}
	if len(migrations) != 0 {
		t.Fatalf("migrations = %v, want none (single host, nothing to move)", migrations)
	}
}

func TestTickBroadcastsPendingMigration(t *testing.T) {
	resources := stubResourceQuerier{byHost: map[string]message.HostResources{
		"host-a": {Slots: 4, UsedSlots: 0},
		"host-b": {Slots: 4, UsedSlots: 4},
	}}
	broadcaster := &stubBroadcaster{}
	hosts := stubHostLister{hosts: []string{"host-a", "host-b"}}
	d := New(resources, broadcaster, hosts, time.Second)

	batch := &message.BatchRequest{Messages: []*message.Message{
		{ID: 1, User: "alice", Function: "hello"},
		{ID: 2, User: "alice", Function: "hello"},
	}}
	decision := &message.SchedulingDecision{Hosts: []string{"host-a", "host-b"}}
	d.Track(1, batch, decision)

	d.Tick(context.Background())

	if len(broadcaster.sent) != len(hosts.hosts) {
		t.Fatalf("broadcast calls = %d, want %d", len(broadcaster.sent), len(hosts.hosts))
	}
	if _, ok := d.PendingFor(1); !ok {
		t.Fatal("expected pending migration recorded for app 1")
	}
}

func TestTickSkipsAppsWithExistingPending(t *testing.T) {
	resources := stubResourceQuerier{byHost: map[string]message.HostResources{
		"host-a": {Slots: 4, UsedSlots: 0},
		"host-b": {Slots: 4, UsedSlots: 4},
	}}
	broadcaster := &stubBroadcaster{}
	d := New(resources, broadcaster, stubHostLister{}, time.Second)

	batch := &message.BatchRequest{Messages: []*message.Message{{ID: 1}, {ID: 2}}}
	decision := &message.SchedulingDecision{Hosts: []string{"host-a", "host-b"}}
	d.Track(1, batch, decision)

	d.Tick(context.Background())
	firstCallCount := len(broadcaster.sent)

	d.Tick(context.Background())
	if len(broadcaster.sent) != firstCallCount {
		t.Fatalf("expected no additional broadcasts on second tick (pending already recorded), got %d more", len(broadcaster.sent)-firstCallCount)
	}
}
