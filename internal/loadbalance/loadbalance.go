// Package loadbalance implements the load-balance plug-point spec.md §1
// calls out as existing but trivial: "specified as an interface only." The
// three strategies here mirror cluster.Scheduler's selectRoundRobin /
// selectLeastLoaded strategy set in the teacher, retargeted at
// message.HostResources instead of *cluster.Node.
package loadbalance

import (
	"sync"

	"github.com/lattice-faas/scheduler/internal/message"
)

// Candidate pairs a host with its last-known resources, the unit every
// Policy ranks over.
type Candidate struct {
	Host      string
	Resources message.HostResources
}

// Policy picks one host out of a non-empty candidate slice. Implementations
// must not mutate candidates. An empty slice yields ("", false).
type Policy interface {
	Select(candidates []Candidate) (string, bool)
}

// LeastLoadAveragePolicy picks the candidate with the lowest LoadAverage,
// mirroring cluster.Scheduler.selectLeastLoaded's lowest-load-factor scan.
type LeastLoadAveragePolicy struct{}

func (LeastLoadAveragePolicy) Select(candidates []Candidate) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Resources.LoadAverage < best.Resources.LoadAverage {
			best = c
		}
	}
	return best.Host, true
}

// MostSlotsPolicy picks the candidate with the most free slots
// (Slots - UsedSlots), the inverse ranking of LeastLoadAveragePolicy.
type MostSlotsPolicy struct{}

func (MostSlotsPolicy) Select(candidates []Candidate) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	bestFree := best.Resources.Available()
	for _, c := range candidates[1:] {
		if free := c.Resources.Available(); free > bestFree {
			best = c
			bestFree = free
		}
	}
	return best.Host, true
}

// RoundRobinPolicy cycles through candidates in the order given, matching
// cluster.Scheduler.selectRoundRobin's mod-indexed rrIndex. Named after the
// original's FaasmDefaultPolicy, which is a plain round-robin over
// registered hosts.
type RoundRobinPolicy struct {
	mu    sync.Mutex
	index int
}

func (p *RoundRobinPolicy) Select(candidates []Candidate) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	host := candidates[p.index%len(candidates)].Host
	p.index++
	return host, true
}
