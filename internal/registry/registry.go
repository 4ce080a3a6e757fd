// Package registry implements the HostRegistry (C1, spec §4.1): fleet-wide
// membership of available hosts, partitioned by role, and the
// function-key → registered-hosts map that DecisionEngine and Dispatcher
// consult when packing a batch.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-set/v3"

	"github.com/lattice-faas/scheduler/internal/kvstore"
	"github.com/lattice-faas/scheduler/internal/logging"
	"github.com/lattice-faas/scheduler/internal/message"
)

const (
	// SetAvailableHosts is the shared-store set of compute hosts.
	SetAvailableHosts = "available_hosts"
	// SetAvailableStorageHosts is the shared-store set of storage hosts.
	SetAvailableStorageHosts = "available_storage_hosts"
	// SetAllStorageHosts tracks every storage host that has ever joined,
	// independent of current availability (§6 key surface).
	SetAllStorageHosts = "all_storage_hosts"

	// DefaultStaleness is the TTL applied to the availableHostsCache when a
	// caller asks for "maxStaleness" without being explicit (§4.1).
	DefaultStaleness = 10 * time.Second
)

// Registry is the HostRegistry (C1). It caches shared-store set membership
// for up to maxStaleness and tracks, per function-key, the set of hosts
// known to hold a warm Executor for that function.
//
// The availableHostsCache is mutated only while the caller holds the
// Scheduler's write lock (§5 Shared-resource policy); Registry itself does
// not impose that constraint — it is the caller's responsibility, mirroring
// how cluster.Registry in the teacher leaves locking discipline to the
// embedding component and only protects its own map with its own mutex.
type Registry struct {
	store    kvstore.Store
	thisHost string

	mu               sync.RWMutex
	registeredHosts  map[string]*set.Set[string] // function-key -> hosts
	cache            map[string]cacheEntry        // role set name -> cached members
}

type cacheEntry struct {
	members  []string
	cachedAt time.Time
}

// New creates a Registry backed by store, for the local host thisHost.
func New(store kvstore.Store, thisHost string) *Registry {
	return &Registry{
		store:           store,
		thisHost:        thisHost,
		registeredHosts: make(map[string]*set.Set[string]),
		cache:           make(map[string]cacheEntry),
	}
}

// AddHost inserts the local host into the shared set for role. Called on
// startup (§4.1).
func (r *Registry) AddHost(ctx context.Context, role message.Role) error {
	setName := setNameForRole(role)
	if err := r.store.SetAdd(ctx, setName, r.thisHost); err != nil {
		return err
	}
	if role == message.RoleStorage {
		if err := r.store.SetAdd(ctx, SetAllStorageHosts, r.thisHost); err != nil {
			logging.Op().Warn("failed to record storage host in all-storage set", "host", r.thisHost, "error", err)
		}
	}
	r.invalidate(setName)
	return nil
}

// RemoveHost removes the local host from the shared set for role. Called
// on shutdown (§4.1).
func (r *Registry) RemoveHost(ctx context.Context, role message.Role) error {
	setName := setNameForRole(role)
	if err := r.store.SetRemove(ctx, setName, r.thisHost); err != nil {
		return err
	}
	r.invalidate(setName)
	return nil
}

// ListHosts returns the fleet-wide membership for role, refreshing from the
// shared store if the cache is older than maxStaleness. A maxStaleness of 0
// uses DefaultStaleness.
func (r *Registry) ListHosts(ctx context.Context, role message.Role, maxStaleness time.Duration) (*set.Set[string], error) {
	if maxStaleness <= 0 {
		maxStaleness = DefaultStaleness
	}
	setName := setNameForRole(role)

	r.mu.RLock()
	entry, ok := r.cache[setName]
	r.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) < maxStaleness {
		return set.From(entry.members), nil
	}

	members, err := r.store.SetMembers(ctx, setName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[setName] = cacheEntry{members: members, cachedAt: time.Now()}
	r.mu.Unlock()

	return set.From(members), nil
}

// AvailableHosts returns the fleet-wide membership for role as a slice,
// satisfying decision.HostLister. The slice is sorted by host name, so the
// same membership always yields the same order.
func (r *Registry) AvailableHosts(ctx context.Context, role message.Role) ([]string, error) {
	hosts, err := r.ListHosts(ctx, role, 0)
	if err != nil {
		return nil, err
	}
	sorted := hosts.Slice()
	sort.Strings(sorted)
	return sorted, nil
}

// ListHostsForFunction returns the available-host set that applies to msg:
// compute hosts unless msg.IsStorage is set (§4.1: "a message's role is
// compute unless isStorage is set").
func (r *Registry) ListHostsForFunction(ctx context.Context, msg *message.Message, maxStaleness time.Duration) (*set.Set[string], error) {
	return r.ListHosts(ctx, msg.Role(), maxStaleness)
}

// RegisteredHosts returns the set of hosts known to hold a warm Executor
// for functionKey. The order is the hash set's iteration order: it is not
// insertion order and is not guaranteed to be the same between calls.
func (r *Registry) RegisteredHosts(functionKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hosts, ok := r.registeredHosts[functionKey]
	if !ok {
		return nil
	}
	return hosts.Slice()
}

// Register records that host now holds at least one Executor for
// functionKey. Membership is monotonic between register events (§5); it
// shrinks only via Unregister.
func (r *Registry) Register(functionKey, host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts, ok := r.registeredHosts[functionKey]
	if !ok {
		hosts = set.New[string](4)
		r.registeredHosts[functionKey] = hosts
	}
	hosts.Insert(host)
}

// Unregister removes host from functionKey's registered-host set (called by
// the Reaper when a host's last Executor for a function is reaped, or via
// the explicit unregister RPC, §3 RegisteredHosts invariant).
func (r *Registry) Unregister(functionKey, host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts, ok := r.registeredHosts[functionKey]
	if !ok {
		return
	}
	hosts.Remove(host)
	if hosts.Empty() {
		delete(r.registeredHosts, functionKey)
	}
}

// IsRegistered reports whether host currently holds a warm Executor for
// functionKey.
func (r *Registry) IsRegistered(functionKey, host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hosts, ok := r.registeredHosts[functionKey]
	return ok && hosts.Contains(host)
}

func (r *Registry) invalidate(setName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, setName)
}

func setNameForRole(role message.Role) string {
	if role == message.RoleStorage {
		return SetAvailableStorageHosts
	}
	return SetAvailableHosts
}
