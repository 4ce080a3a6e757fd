package loadbalance

import (
	"testing"

	"github.com/lattice-faas/scheduler/internal/message"
)

func TestLeastLoadAveragePolicySelectsLowest(t *testing.T) {
	p := LeastLoadAveragePolicy{}
	candidates := []Candidate{
		{Host: "a", Resources: message.HostResources{LoadAverage: 0.8}},
		{Host: "b", Resources: message.HostResources{LoadAverage: 0.2}},
		{Host: "c", Resources: message.HostResources{LoadAverage: 0.5}},
	}
	host, ok := p.Select(candidates)
	if !ok || host != "b" {
		t.Fatalf("Select() = (%q, %v), want (b, true)", host, ok)
	}
}

func TestLeastLoadAveragePolicyEmpty(t *testing.T) {
	p := LeastLoadAveragePolicy{}
	if _, ok := p.Select(nil); ok {
		t.Fatal("Select(nil) should return ok=false")
	}
}

func TestMostSlotsPolicySelectsMostFree(t *testing.T) {
	p := MostSlotsPolicy{}
	candidates := []Candidate{
		{Host: "a", Resources: message.HostResources{Slots: 4, UsedSlots: 3}}, // 1 free
		{Host: "b", Resources: message.HostResources{Slots: 8, UsedSlots: 2}}, // 6 free
		{Host: "c", Resources: message.HostResources{Slots: 4, UsedSlots: 4}}, // 0 free
	}
	host, ok := p.Select(candidates)
	if !ok || host != "b" {
		t.Fatalf("Select() = (%q, %v), want (b, true)", host, ok)
	}
}

func TestMostSlotsPolicyEmpty(t *testing.T) {
	p := MostSlotsPolicy{}
	if _, ok := p.Select(nil); ok {
		t.Fatal("Select(nil) should return ok=false")
	}
}

func TestRoundRobinPolicyCyclesInOrder(t *testing.T) {
	p := &RoundRobinPolicy{}
	candidates := []Candidate{{Host: "a"}, {Host: "b"}, {Host: "c"}}

	want := []string{"a", "b", "c", "a", "b"}
	for i, w := range want {
		host, ok := p.Select(candidates)
		if !ok || host != w {
			t.Fatalf("Select() iteration %d = (%q, %v), want (%q, true)", i, host, ok, w)
		}
	}
}

func TestRoundRobinPolicyEmpty(t *testing.T) {
	p := &RoundRobinPolicy{}
	if _, ok := p.Select(nil); ok {
		t.Fatal("Select(nil) should return ok=false")
	}
}
