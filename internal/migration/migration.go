// Package migration implements the MigrationDetector (C9, spec §4.9): a
// periodic BIN_PACK pass over in-flight batches that looks for a cheaper
// packing of already-dispatched messages and emits PendingMigrations when
// it finds one.
package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lattice-faas/scheduler/internal/logging"
	"github.com/lattice-faas/scheduler/internal/message"
	"github.com/lattice-faas/scheduler/internal/rpcclient"
)

// ResourceQuerier resolves HostResources for a host, local or remote,
// mirroring the dual local/remote query C2+C3 provide together.
type ResourceQuerier interface {
	Resources(ctx context.Context, host string) (message.HostResources, error)
}

// Broadcaster sends a PendingMigrations to a function's registered hosts.
type Broadcaster interface {
	SendPendingMigrations(ctx context.Context, host string, pm rpcclient.PendingMigrations) error
}

// HostLister resolves a function-key's registered hosts for the broadcast
// step.
type HostLister interface {
	RegisteredHosts(functionKey string) []string
}

// inFlightEntry is one tracked (appId, batch, decision) tuple (spec §4.9).
type inFlightEntry struct {
	batch    *message.BatchRequest
	decision *message.SchedulingDecision
}

// Detector is the MigrationDetector (C9).
type Detector struct {
	resources ResourceQuerier
	broadcast Broadcaster
	hosts     HostLister

	mu        sync.RWMutex
	inFlight  map[uint32]*inFlightEntry
	pending   map[uint32]rpcclient.PendingMigrations

	interval time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
	running  sync.Mutex
}

// ErrMigrationConflict is returned when a second PendingMigrations arrives
// for an appId that already has one recorded (spec §7 MigrationConflict).
var ErrMigrationConflict = fmt.Errorf("migration: pending migration already recorded for this app")

// New creates a Detector that ticks every interval (5s when interval is not
// positive). The period is fixed for the Detector's lifetime: it is not
// recomputed from the tracked apps' migrationCheckPeriod values as apps
// join or leave.
func New(resources ResourceQuerier, broadcast Broadcaster, hosts HostLister, interval time.Duration) *Detector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Detector{
		resources: resources,
		broadcast: broadcast,
		hosts:     hosts,
		inFlight:  make(map[uint32]*inFlightEntry),
		pending:   make(map[uint32]rpcclient.PendingMigrations),
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Track records or extends the in-flight entry for an app (spec §4.5
// "Migration tracking"). MPI batches append into an existing entry rather
// than replacing it.
func (d *Detector) Track(appID uint32, batch *message.BatchRequest, decision *message.SchedulingDecision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.inFlight[appID]
	if !ok {
		d.inFlight[appID] = &inFlightEntry{batch: batch, decision: decision}
		return
	}
	existing.batch.Messages = append(existing.batch.Messages, batch.Messages...)
	existing.decision.Hosts = append(existing.decision.Hosts, decision.Hosts...)
}

// Remove clears both in-flight and pending entries for appID (spec §4.9
// "remove(appId) clears both in-flight and pending entries").
func (d *Detector) Remove(appID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, appID)
	delete(d.pending, appID)
}

// IsInFlight reports whether appID currently has a tracked entry.
func (d *Detector) IsInFlight(appID uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.inFlight[appID]
	return ok
}

// Run starts the periodic tick loop; it stops when ctx is cancelled or Stop
// is called. Per spec §5 "at most one MigrationDetector tick runs at a
// time", Run serializes ticks via d.running.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Stop halts the Run loop.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Tick runs one detection pass over every in-flight entry without a
// recorded pending migration yet (spec §4.9 "Each tick").
func (d *Detector) Tick(ctx context.Context) {
	d.running.Lock()
	defer d.running.Unlock()

	d.mu.RLock()
	type candidate struct {
		appID    uint32
		batch    *message.BatchRequest
		decision *message.SchedulingDecision
	}
	var candidates []candidate
	for appID, entry := range d.inFlight {
		if _, hasPending := d.pending[appID]; hasPending {
			continue
		}
		candidates = append(candidates, candidate{appID, entry.batch, entry.decision})
	}
	d.mu.RUnlock()

	for _, c := range candidates {
		migrations, err := d.binPack(ctx, c.batch, c.decision)
		if err != nil {
			logging.Op().Warn("migration bin-pack pass failed", "app_id", c.appID, "error", err)
			continue
		}
		if len(migrations) == 0 {
			continue
		}
		pm := rpcclient.PendingMigrations{AppID: c.appID, Migrations: migrations}
		if err := d.recordAndBroadcast(ctx, c.batch, pm); err != nil {
			logging.Op().Warn("migration broadcast failed", "app_id", c.appID, "error", err)
		}
	}
}

// binPack runs the two-pointer BIN_PACK scan described in spec §4.9.
func (d *Detector) binPack(ctx context.Context, batch *message.BatchRequest, decision *message.SchedulingDecision) ([]rpcclient.Migration, error) {
	hosts := decision.Hosts
	n := len(hosts)
	if n == 0 {
		return nil, nil
	}

	left, right := 0, n-1
	leftHost := hosts[left]
	res, err := d.resources.Resources(ctx, leftHost)
	if err != nil {
		return nil, fmt.Errorf("migration: resources for %s: %w", leftHost, err)
	}
	available := int(res.Available())

	var migrations []rpcclient.Migration
	for left < right {
		if hosts[left] == hosts[right] {
			right--
			continue
		}
		if available <= 0 {
			left++
			if left >= right {
				break
			}
			leftHost = hosts[left]
			res, err := d.resources.Resources(ctx, leftHost)
			if err != nil {
				return nil, fmt.Errorf("migration: resources for %s: %w", leftHost, err)
			}
			available = int(res.Available())
			continue
		}
		migrations = append(migrations, rpcclient.Migration{
			SrcHost: hosts[right],
			DstHost: hosts[left],
			Message: batch.Messages[right],
		})
		available--
		right--
	}
	return migrations, nil
}

// recordAndBroadcast records the pending entry locally under the write lock
// (returning ErrMigrationConflict if one is already recorded for the app),
// releases the lock, and then broadcasts it to every registered host for
// the app's function.
func (d *Detector) recordAndBroadcast(ctx context.Context, batch *message.BatchRequest, pm rpcclient.PendingMigrations) error {
	d.mu.Lock()
	if _, exists := d.pending[pm.AppID]; exists {
		d.mu.Unlock()
		return ErrMigrationConflict
	}
	d.pending[pm.AppID] = pm
	d.mu.Unlock()

	first := batch.FirstMessage()
	if first == nil {
		return nil
	}
	for _, host := range d.hosts.RegisteredHosts(first.FunctionKey()) {
		if err := d.broadcast.SendPendingMigrations(ctx, host, pm); err != nil {
			logging.Op().Warn("sendPendingMigrations RPC failed", "host", host, "app_id", pm.AppID, "error", err)
		}
	}
	return nil
}

// PendingFor returns the recorded PendingMigrations for appID, if any.
func (d *Detector) PendingFor(appID uint32) (rpcclient.PendingMigrations, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pm, ok := d.pending[appID]
	return pm, ok
}
