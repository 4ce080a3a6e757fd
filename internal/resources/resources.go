// Package resources implements the ResourceView (C2, spec §4.2): the local
// slot counter the Dispatcher and ExecutorPool share, plus remote resource
// lookups via the RPC client pool.
package resources

import (
	"context"
	"sync/atomic"

	"github.com/lattice-faas/scheduler/internal/message"
)

// RemoteQuerier is satisfied by the RPC client pool (C3); it issues the
// synchronous GetResources call against a remote host.
type RemoteQuerier interface {
	GetResources(ctx context.Context, host string) (message.HostResources, error)
}

// View is the ResourceView (C2). thisHostUsedSlots is a counter,
// atomically incremented by the Dispatcher when claiming local capacity and
// decremented by executors via VacateSlot on task completion (§4.2).
type View struct {
	slots     uint32
	usedSlots atomic.Int64
	remote    RemoteQuerier
}

// New creates a View with a fixed local slot count.
func New(slots uint32, remote RemoteQuerier) *View {
	return &View{slots: slots, remote: remote}
}

// ClaimSlots atomically increments thisHostUsedSlots by n, used by the
// Dispatcher before handing work to the local ExecutorPool.
func (v *View) ClaimSlots(n uint32) {
	v.usedSlots.Add(int64(n))
}

// VacateSlot atomically decrements thisHostUsedSlots by one, called by an
// executor on task completion.
func (v *View) VacateSlot() {
	v.usedSlots.Add(-1)
}

// VacateSlots decrements thisHostUsedSlots by n.
func (v *View) VacateSlots(n uint32) {
	v.usedSlots.Add(-int64(n))
}

// UsedSlots returns the current value of thisHostUsedSlots. At steady
// state (no in-flight local tasks) this must be zero (§8 invariant).
func (v *View) UsedSlots() uint32 {
	u := v.usedSlots.Load()
	if u < 0 {
		return 0
	}
	return uint32(u)
}

// GetThisHostResources snapshots (slots, usedSlots) for the local host
// (§4.2).
func (v *View) GetThisHostResources() message.HostResources {
	return message.HostResources{Slots: v.slots, UsedSlots: v.UsedSlots()}
}

// GetRemoteResources issues a synchronous GetResources RPC against host.
// The result is never cached — callers always ask the source of truth
// (§4.2).
func (v *View) GetRemoteResources(ctx context.Context, host string) (message.HostResources, error) {
	return v.remote.GetResources(ctx, host)
}

// SetSlots updates the local slot count, e.g. on reconfiguration.
func (v *View) SetSlots(slots uint32) {
	v.slots = slots
}

// Slots returns the configured local slot count.
func (v *View) Slots() uint32 {
	return v.slots
}
