// Package broker implements the point-to-point mapping Broker (§6):
// "setAndSendMappingsFromSchedulingDecision(decision)", "clear()". The
// Dispatcher publishes each batch's decision-to-host mapping before
// dispatching so group members (e.g. MPI ranks) can resolve each other's
// location without a second RPC round-trip.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lattice-faas/scheduler/internal/kvstore"
	"github.com/lattice-faas/scheduler/internal/logging"
	"github.com/lattice-faas/scheduler/internal/message"
)

// Broker is the point-to-point mapping surface consumed by the Dispatcher.
type Broker interface {
	// SetAndSendMappingsFromSchedulingDecision publishes decision's
	// group-index-to-host mapping under the decision's GroupID.
	SetAndSendMappingsFromSchedulingDecision(ctx context.Context, decision *message.SchedulingDecision) error
	// Clear drops any mapping held for groupID.
	Clear(ctx context.Context, groupID uint32) error
	// LookupHost returns the host recorded for (groupID, groupIdx), or
	// ("", false) if no mapping has been published yet.
	LookupHost(ctx context.Context, groupID uint32, groupIdx int) (string, bool, error)
}

// mapping is the wire shape published to the channel: an index-to-host
// slice keyed implicitly by GroupID (the channel name carries the group).
type mapping struct {
	Hosts []string `json:"hosts"`
}

func channelName(groupID uint32) string {
	return fmt.Sprintf("lattice:group-mapping:%d", groupID)
}

// StoreBroker implements Broker over a kvstore.Store, publishing mappings
// via Publish/Subscribe and caching them in a blob keyed by group so a late
// joiner can still look the mapping up (the teacher's cache.CacheInvalidator
// pairs a Publish with a durable key the same way).
type StoreBroker struct {
	store kvstore.Store
}

// New creates a StoreBroker backed by store.
func New(store kvstore.Store) *StoreBroker {
	return &StoreBroker{store: store}
}

func (b *StoreBroker) SetAndSendMappingsFromSchedulingDecision(ctx context.Context, decision *message.SchedulingDecision) error {
	if decision.GroupID == 0 {
		return nil
	}
	payload, err := json.Marshal(mapping{Hosts: decision.Hosts})
	if err != nil {
		return fmt.Errorf("broker: marshal mapping: %w", err)
	}
	key := channelName(decision.GroupID)
	if err := b.store.BlobSet(ctx, key, payload, 0); err != nil {
		return fmt.Errorf("broker: store mapping: %w", err)
	}
	if err := b.store.Publish(ctx, key, payload); err != nil {
		logging.Op().Warn("broker publish failed, mapping still readable via blob", "group_id", decision.GroupID, "error", err)
	}
	return nil
}

func (b *StoreBroker) Clear(ctx context.Context, groupID uint32) error {
	if groupID == 0 {
		return nil
	}
	return b.store.BlobSet(ctx, channelName(groupID), nil, 0)
}

func (b *StoreBroker) LookupHost(ctx context.Context, groupID uint32, groupIdx int) (string, bool, error) {
	raw, ok, err := b.store.BlobGet(ctx, channelName(groupID))
	if err != nil {
		return "", false, err
	}
	if !ok || len(raw) == 0 {
		return "", false, nil
	}
	var m mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false, fmt.Errorf("broker: unmarshal mapping: %w", err)
	}
	if groupIdx < 0 || groupIdx >= len(m.Hosts) {
		return "", false, nil
	}
	return m.Hosts[groupIdx], true, nil
}
