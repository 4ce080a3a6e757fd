// Package decision implements the DecisionEngine (C4, spec §4.4): packing a
// BatchRequest onto hosts according to a TopologyHint, consulting the
// ResourceView for local capacity and the HostRegistry + RpcClientPool for
// remote capacity.
package decision

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lattice-faas/scheduler/internal/message"
)

// LocalResources reports the local host's slot accounting (C2).
type LocalResources interface {
	GetThisHostResources() message.HostResources
}

// HostLister reports fleet membership and per-function registered hosts
// (C1).
type HostLister interface {
	RegisteredHosts(functionKey string) []string
	// AvailableHosts returns the currently-known available hosts for role,
	// minus any caller should exclude; the registry returns them sorted by
	// host name.
	AvailableHosts(ctx context.Context, role message.Role) ([]string, error)
	Register(functionKey, host string)
}

// RemoteResourceQuerier issues a synchronous resource query against a
// remote host (C3, via C2's GetRemoteResources).
type RemoteResourceQuerier interface {
	GetRemoteResources(ctx context.Context, host string) (message.HostResources, error)
}

// Config carries the subset of the global configuration the engine needs
// (§6): noTopologyHints coerces every hint to NONE/NORMAL. IsStorageNode is
// this host's own configured role, compared against each batch's message
// role in step 1 (spec §4.4 step 1, Scheduler.cpp:440-442's iAmStorage).
type Config struct {
	NoTopologyHints bool
	IsStorageNode   bool
}

// cacheKey identifies a CACHED-hint lookup: function, batch size, and the
// appId family (spec §4.4: "keyed by (function-key, batch size, appId
// family)"). The "family" is the app id itself — repeat invocations of the
// same app reuse one decision.
type cacheKey struct {
	functionKey string
	batchSize   int
	appID       uint32
}

// Engine is the DecisionEngine (C4).
type Engine struct {
	thisHost string
	cfg      Config

	local  LocalResources
	hosts  HostLister
	remote RemoteResourceQuerier

	mu          sync.Mutex
	cache       map[cacheKey]*message.SchedulingDecision
	provenance  map[string][]*message.SchedulingDecision // function-key -> recent decisions
	provenanceN int
}

// New creates an Engine. provenanceDepth bounds the RecentFor ring per
// function-key; 0 disables provenance tracking.
func New(thisHost string, cfg Config, local LocalResources, hosts HostLister, remote RemoteResourceQuerier, provenanceDepth int) *Engine {
	return &Engine{
		thisHost:    thisHost,
		cfg:         cfg,
		local:       local,
		hosts:       hosts,
		remote:      remote,
		cache:       make(map[cacheKey]*message.SchedulingDecision),
		provenance:  make(map[string][]*message.SchedulingDecision),
		provenanceN: provenanceDepth,
	}
}

// Decide packs batch onto hosts according to hint, returning a decision
// whose Hosts length always equals batch.Len() or a non-nil error
// (message.ErrInvalidSchedule on structural mismatch).
func (e *Engine) Decide(ctx context.Context, batch *message.BatchRequest, hint message.TopologyHint) (*message.SchedulingDecision, error) {
	if batch.Len() == 0 {
		return message.NewSchedulingDecision(0, 0, nil, 0)
	}
	first := batch.FirstMessage()

	if e.cfg.NoTopologyHints {
		hint = message.HintNone
	}

	switch hint {
	case message.HintForceLocal:
		return e.decideForceLocal(batch, first)
	case message.HintCached:
		return e.decideCached(ctx, batch, first)
	case message.HintNeverAlone:
		return e.decideGreedy(ctx, batch, first, greedyOptions{neverAlone: true})
	case message.HintUnderfull:
		return e.decideGreedy(ctx, batch, first, greedyOptions{underfull: true})
	default: // HintNone, HintNormal
		return e.decideGreedy(ctx, batch, first, greedyOptions{})
	}
}

// decideForceLocal assigns every message in the batch to thisHost,
// regardless of slot availability (spec §4.4 FORCE_LOCAL).
func (e *Engine) decideForceLocal(batch *message.BatchRequest, first *message.Message) (*message.SchedulingDecision, error) {
	hosts := make([]string, batch.Len())
	for i := range hosts {
		hosts[i] = e.thisHost
	}
	return message.NewSchedulingDecision(first.AppID, first.GroupID, hosts, batch.Len())
}

// decideCached looks up a prior decision for (function-key, batch size,
// appId); on hit it rewrites the stored decision's GroupID onto every message
// and reuses the host vector, on miss it falls through to NORMAL and stores
// the result (spec §4.4 CACHED).
func (e *Engine) decideCached(ctx context.Context, batch *message.BatchRequest, first *message.Message) (*message.SchedulingDecision, error) {
	key := cacheKey{functionKey: first.FunctionKey(), batchSize: batch.Len(), appID: first.AppID}

	e.mu.Lock()
	cached, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		decision, err := message.NewSchedulingDecision(first.AppID, cached.GroupID, cached.Hosts, batch.Len())
		if err != nil {
			return nil, err
		}
		for _, m := range batch.Messages {
			m.GroupID = cached.GroupID
		}
		return decision, nil
	}

	decision, err := e.decideGreedy(ctx, batch, first, greedyOptions{})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[key] = decision
	e.mu.Unlock()
	return decision, nil
}

type greedyOptions struct {
	neverAlone bool
	underfull  bool
}

// decideGreedy implements the NORMAL/NEVER_ALONE/UNDERFULL algorithm (spec
// §4.4 "Algorithm (NORMAL)"):
//  1. local slots, 2. registered hosts in order, 3. other available hosts,
//  4. overload the remaining count onto an overload host.
func (e *Engine) decideGreedy(ctx context.Context, batch *message.BatchRequest, first *message.Message, opts greedyOptions) (*message.SchedulingDecision, error) {
	n := batch.Len()
	hosts := make([]string, 0, n)
	hostRole := message.RoleCompute
	if e.cfg.IsStorageNode {
		hostRole = message.RoleStorage
	}
	roleMatches := first.Role() == hostRole // spec §4.4 step 1: local slots only count when the message's role matches this host's own configured role.

	// Step 1: local slots.
	available := 0
	if roleMatches {
		res := e.local.GetThisHostResources()
		slots := int(res.Available())
		if opts.underfull {
			slots = int(res.Slots) / 2
			used := int(res.UsedSlots)
			slots -= used
			if slots < 0 {
				slots = 0
			}
		}
		available = slots
	}
	nLocal := min(available, n)
	for i := 0; i < nLocal; i++ {
		hosts = append(hosts, e.thisHost)
	}
	remainder := n - nLocal

	lastAssignedHost := e.thisHost
	if nLocal == 0 {
		lastAssignedHost = ""
	}

	// Step 2: registered hosts, in the order the HostLister returns them
	// (for the registry, hash-set order, not insertion order). Resource counts for every
	// candidate are fetched concurrently (spec §4.4 step 2/3 remote
	// HostResources fan-out) before the greedy, order-dependent packing
	// below consumes them one host at a time.
	registeredOrder := e.hosts.RegisteredHosts(first.FunctionKey())
	if remainder > 0 && roleMatches {
		fetched := e.fetchResources(ctx, registeredOrder)
		for _, h := range registeredOrder {
			if remainder <= 0 {
				break
			}
			took := e.packHost(fetched[h], remainder, opts)
			if took <= 0 {
				continue // absorbed per §4.4 "failed RPC contributes 0 slots"
			}
			for i := 0; i < took; i++ {
				hosts = append(hosts, h)
			}
			remainder -= took
			lastAssignedHost = h
		}
	}

	// Step 3: other available hosts not already registered. Runs regardless
	// of roleMatches (spec §4.4 step 4; Scheduler.cpp:582-593) — a
	// role-mismatched batch still packs onto other role-appropriate
	// available hosts, it only skips claiming this host's own local slots.
	if remainder > 0 {
		avail, err := e.hosts.AvailableHosts(ctx, first.Role())
		if err == nil {
			registered := make(map[string]bool, len(registeredOrder))
			for _, h := range registeredOrder {
				registered[h] = true
			}
			var candidates []string
			for _, h := range avail {
				if registered[h] || h == e.thisHost {
					continue
				}
				candidates = append(candidates, h)
			}
			fetched := e.fetchResources(ctx, candidates)
			for _, h := range candidates {
				if remainder <= 0 {
					break
				}
				took := e.packHost(fetched[h], remainder, opts)
				if took <= 0 {
					continue
				}
				for i := 0; i < took; i++ {
					hosts = append(hosts, h)
				}
				remainder -= took
				lastAssignedHost = h
				e.hosts.Register(first.FunctionKey(), h)
			}
		}
	}

	// Step 4: overload the remainder.
	if remainder > 0 {
		overloadHost := e.thisHost
		if opts.neverAlone && lastAssignedHost != "" {
			overloadHost = lastAssignedHost
		} else if !roleMatches && lastAssignedHost != "" {
			overloadHost = lastAssignedHost
		}
		for i := 0; i < remainder; i++ {
			hosts = append(hosts, overloadHost)
		}
		remainder = 0
	}

	if len(hosts) != n {
		return nil, fmt.Errorf("%w: packed %d hosts for batch of %d", message.ErrInvalidSchedule, len(hosts), n)
	}

	decision, err := message.NewSchedulingDecision(first.AppID, first.GroupID, hosts, n)
	if err != nil {
		return nil, err
	}
	e.recordProvenance(first.FunctionKey(), decision)
	return decision, nil
}

// fetchResources queries every host in hosts concurrently, returning
// whatever succeeded; a host whose RPC failed is simply absent from the
// result, which packHost treats as zero available slots (spec §4.4 "failed
// RPC contributes 0 slots").
func (e *Engine) fetchResources(ctx context.Context, hosts []string) map[string]message.HostResources {
	results := make(map[string]message.HostResources, len(hosts))
	if len(hosts) == 0 {
		return results
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hosts {
		host := h
		g.Go(func() error {
			res, err := e.remote.GetRemoteResources(gctx, host)
			if err != nil {
				return nil // absorbed; host stays absent from results
			}
			mu.Lock()
			results[host] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // every goroutine above always returns nil
	return results
}

// packHost returns how many of remainder res can absorb, applying the
// NEVER_ALONE <2 exclusion. A zero-value res (host absent from the fetched
// map) absorbs nothing.
func (e *Engine) packHost(res message.HostResources, remainder int, opts greedyOptions) int {
	nHost := int(res.Available())
	took := min(nHost, remainder)
	if opts.neverAlone && took < 2 {
		return 0
	}
	return took
}

// recordProvenance appends decision to functionKey's bounded ring, evicting
// the oldest entry once provenanceN is reached (supplemented feature,
// grounded on metrics.Metrics's bounded time-series ring in the teacher).
func (e *Engine) recordProvenance(functionKey string, decision *message.SchedulingDecision) {
	if e.provenanceN <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ring := e.provenance[functionKey]
	ring = append(ring, decision)
	if len(ring) > e.provenanceN {
		ring = ring[len(ring)-e.provenanceN:]
	}
	e.provenance[functionKey] = ring
}

// RecentFor returns the bounded history of recent decisions for functionKey,
// oldest first.
func (e *Engine) RecentFor(functionKey string) []*message.SchedulingDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	ring := e.provenance[functionKey]
	out := make([]*message.SchedulingDecision, len(ring))
	copy(out, ring)
	return out
}
