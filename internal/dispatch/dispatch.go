// Package dispatch implements the Dispatcher (C5, spec §4.5): master
// forwarding, point-to-point mapping publish, snapshot distribution, and
// per-host execution after a SchedulingDecision has been produced.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lattice-faas/scheduler/internal/broker"
	"github.com/lattice-faas/scheduler/internal/executorpool"
	"github.com/lattice-faas/scheduler/internal/logging"
	"github.com/lattice-faas/scheduler/internal/message"
	"github.com/lattice-faas/scheduler/internal/resultplane"
	"github.com/lattice-faas/scheduler/internal/rpcclient"
)

// ErrNoMasterHost is returned when a batch's first message lacks a
// masterHost (spec §7 NoMasterHost, fatal).
var ErrNoMasterHost = errors.New("dispatch: first message has no masterHost")

// Decider produces a SchedulingDecision for a batch (C4).
type Decider interface {
	Decide(ctx context.Context, batch *message.BatchRequest, hint message.TopologyHint) (*message.SchedulingDecision, error)
}

// LocalClaimer claims/vacates local slot capacity (C2).
type LocalClaimer interface {
	ClaimSlots(n uint32)
}

// RemoteClientFor resolves the cached FunctionCallClient for a host (C3).
type RemoteClientFor interface {
	FunctionCallClientFor(ctx context.Context, host string) (rpcclient.FunctionCallClient, error)
	SnapshotClientFor(ctx context.Context, host string) (rpcclient.SnapshotClient, error)
	// RecordCallResult reports a post-dial RPC outcome against host's
	// circuit breaker, so a host that accepts connections but errors on
	// every call still trips open.
	RecordCallResult(host string, err error)
}

// MigrationTracker records in-flight batches for the MigrationDetector (C9).
type MigrationTracker interface {
	Track(appID uint32, batch *message.BatchRequest, decision *message.SchedulingDecision)
}

// SnapshotTracker reports and records per-host snapshot push state so the
// Dispatcher can decide between pushSnapshot and pushSnapshotUpdate (spec
// §4.5 "Snapshot distribution"). The diff/snapshot byte engine itself is
// out of scope; this only tracks which hosts have seen which key.
type SnapshotTracker interface {
	// AlreadyPushed reports whether key was already sent to host.
	AlreadyPushed(key, host string) bool
	// MarkPushed records that key has now been sent to host.
	MarkPushed(key, host string)
	// SnapshotAndClearDiffs returns the current full snapshot bytes and any
	// accumulated diff bytes for key, then clears the tracked diffs.
	SnapshotAndClearDiffs(key string) (snapshot []byte, diffs []byte)
}

// LocalRunner executes indices of batch on the local ExecutorPool (C6),
// claiming a THREADS executor or per-message FUNCTIONS executors as
// described in spec §4.5 "Local host" dispatch rule.
type LocalRunner interface {
	ClaimExecutor(ctx context.Context, msg *message.Message) (executorpool.Executor, error)
	// ClaimThreadExecutor reuses the sole existing executor for a THREADS
	// function-key, cold-starting one if none exists (spec §4.5/§4.6); it
	// fails with executorpool.ErrExecutorBusy if more than one exists.
	ClaimThreadExecutor(ctx context.Context, msg *message.Message) (executorpool.Executor, error)
	ExecuteTasks(ctx context.Context, executor executorpool.Executor, indices []int, batch *message.BatchRequest) error
}

// Config carries the dispatch-time tunables from §6.
type Config struct {
	NoSingleHostOptimisations bool
}

// Dispatcher is the Dispatcher (C5).
type Dispatcher struct {
	thisHost string
	cfg      Config

	decider   Decider
	local     LocalClaimer
	remote    RemoteClientFor
	brk       broker.Broker
	migration MigrationTracker
	snapshots SnapshotTracker
	runner    LocalRunner
	results   *resultplane.Plane

	logger *logging.Logger
}

// New creates a Dispatcher.
func New(thisHost string, cfg Config, decider Decider, local LocalClaimer, remote RemoteClientFor, brk broker.Broker, migration MigrationTracker, snapshots SnapshotTracker, runner LocalRunner, results *resultplane.Plane) *Dispatcher {
	return &Dispatcher{
		thisHost:  thisHost,
		cfg:       cfg,
		decider:   decider,
		local:     local,
		remote:    remote,
		brk:       brk,
		migration: migration,
		snapshots: snapshots,
		runner:    runner,
		results:   results,
		logger:    logging.Default(),
	}
}

// CallFunctions implements callFunctions(batch, caller?) → SchedulingDecision
// (spec §4.5).
func (d *Dispatcher) CallFunctions(ctx context.Context, batch *message.BatchRequest) (*message.SchedulingDecision, error) {
	start := time.Now()
	first := batch.FirstMessage()
	if first == nil {
		return message.NewSchedulingDecision(0, 0, nil, 0)
	}
	if first.MasterHost == "" {
		return nil, ErrNoMasterHost
	}

	// Master forwarding.
	if first.MasterHost != d.thisHost && first.TopologyHint != message.HintForceLocal {
		client, err := d.remote.FunctionCallClientFor(ctx, first.MasterHost)
		if err != nil {
			return nil, fmt.Errorf("dispatch: resolve master client %s: %w", first.MasterHost, err)
		}
		err = client.ExecuteFunctions(ctx, batch)
		d.remote.RecordCallResult(first.MasterHost, err)
		if err != nil {
			d.logDispatch(first, batch, true, first.MasterHost, start, false, err)
			return nil, fmt.Errorf("dispatch: forward to master %s: %w", first.MasterHost, err)
		}
		decision := &message.SchedulingDecision{AppID: first.AppID, GroupID: first.GroupID, ReturnHost: first.MasterHost}
		d.logDispatch(first, batch, true, first.MasterHost, start, true, nil)
		return decision, nil
	}

	decision, err := d.decider.Decide(ctx, batch, first.TopologyHint)
	if err != nil {
		d.logDispatch(first, batch, false, "", start, false, err)
		return nil, err
	}
	batch.DeriveSingleHost(decision, d.thisHost)

	if first.GroupID > 0 && first.TopologyHint != message.HintForceLocal && batch.Type != message.BatchMigration {
		if err := d.publishMapping(ctx, decision, batch); err != nil {
			logging.Op().Warn("broker mapping publish failed", "app_id", first.AppID, "group_id", first.GroupID, "error", err)
		}
	}

	if batch.Type != message.BatchMigration && first.MigrationCheckPeriod > 0 && d.migration != nil {
		d.migration.Track(first.AppID, batch, decision)
	}

	if err := d.distributeSnapshot(ctx, batch, decision); err != nil {
		logging.Op().Warn("snapshot distribution failed", "app_id", first.AppID, "error", err)
	}

	order := decision.UniqueHostsLocalLast(d.thisHost)
	var dispatchErr error
	for _, host := range order {
		indices := decision.IndicesForHost(host)
		if host == d.thisHost {
			dispatchErr = d.dispatchLocal(ctx, batch, indices)
		} else {
			dispatchErr = d.dispatchRemote(ctx, host, batch, indices)
		}
		if dispatchErr != nil {
			logging.Op().Warn("per-host dispatch failed", "host", host, "app_id", first.AppID, "error", dispatchErr)
		}
	}

	d.logDispatch(first, batch, false, "", start, dispatchErr == nil, dispatchErr)
	return decision, dispatchErr
}

// publishMapping injects the MPI rank-0 synthetic entry into a copy of the
// decision before publishing, leaving the returned decision untouched
// (spec §4.5: "inject... into a copy of the decision... do not mutate the
// returned decision").
func (d *Dispatcher) publishMapping(ctx context.Context, decision *message.SchedulingDecision, batch *message.BatchRequest) error {
	toPublish := *decision
	toPublish.Hosts = append([]string(nil), decision.Hosts...)

	first := batch.FirstMessage()
	if first != nil && first.IsMPI {
		hasRankZero := false
		for _, m := range batch.Messages {
			if m.GroupIdx == 0 {
				hasRankZero = true
				break
			}
		}
		if !hasRankZero {
			toPublish.Hosts = append([]string{d.thisHost}, toPublish.Hosts...)
		}
	}
	return d.brk.SetAndSendMappingsFromSchedulingDecision(ctx, &toPublish)
}

// distributeSnapshot implements spec §4.5 "Snapshot distribution".
func (d *Dispatcher) distributeSnapshot(ctx context.Context, batch *message.BatchRequest, decision *message.SchedulingDecision) error {
	if d.snapshots == nil {
		return nil
	}
	first := batch.FirstMessage()
	if first == nil {
		return nil
	}

	var key string
	switch batch.Type {
	case message.BatchThreads:
		key = mainThreadSnapshotKey(first)
	case message.BatchFunctions:
		key = first.SnapshotKey
	default:
		return nil
	}
	if key == "" {
		return nil
	}

	hosts := decision.UniqueHostsLocalLast(d.thisHost)
	var firstErr error
	for _, host := range hosts {
		if host == d.thisHost {
			continue
		}
		client, err := d.remote.SnapshotClientFor(ctx, host)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		snap, diffs := d.snapshots.SnapshotAndClearDiffs(key)
		if d.snapshots.AlreadyPushed(key, host) {
			err = client.PushSnapshotUpdate(ctx, key, snap, diffs)
		} else {
			err = client.PushSnapshot(ctx, key, snap)
			d.snapshots.MarkPushed(key, host)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// mainThreadSnapshotKey derives the THREADS batch snapshot key from its
// first message, delegated to the out-of-scope snapshot subsystem in a
// real deployment; here it is a deterministic function of appId.
func mainThreadSnapshotKey(first *message.Message) string {
	return fmt.Sprintf("app-%d-main-thread", first.AppID)
}

// dispatchRemote builds a sub-BatchRequest for host and sends it (spec
// §4.5 "Remote host").
func (d *Dispatcher) dispatchRemote(ctx context.Context, host string, batch *message.BatchRequest, indices []int) error {
	sub := &message.BatchRequest{
		Type:        batch.Type,
		Subtype:     batch.Subtype,
		SnapshotKey: batch.SnapshotKey,
		ContextData: batch.ContextData,
	}
	for _, i := range indices {
		m := *batch.Messages[i]
		m.ExecutesLocally = false
		sub.Messages = append(sub.Messages, &m)
		if m.DirectResultHost != "" && d.results != nil {
			d.results.RegisterLocal(m.ID)
		}
	}
	client, err := d.remote.FunctionCallClientFor(ctx, host)
	if err != nil {
		return fmt.Errorf("dispatch: resolve client %s: %w", host, err)
	}
	err = client.ExecuteFunctions(ctx, sub)
	d.remote.RecordCallResult(host, err)
	return err
}

// dispatchLocal implements spec §4.5 "Local host" dispatch.
func (d *Dispatcher) dispatchLocal(ctx context.Context, batch *message.BatchRequest, indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	d.local.ClaimSlots(uint32(len(indices)))

	if batch.Type == message.BatchThreads {
		executor, err := d.runner.ClaimThreadExecutor(ctx, batch.Messages[indices[0]])
		if err != nil {
			return fmt.Errorf("dispatch: claim executor for threads batch: %w", err)
		}
		return d.runner.ExecuteTasks(ctx, executor, indices, batch)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, i := range indices {
		idx, msg := i, batch.Messages[i]
		if msg.ExecutesLocally && d.results != nil {
			d.results.RegisterLocal(msg.ID)
		}
		g.Go(func() error {
			executor, err := d.runner.ClaimExecutor(gctx, msg)
			if err != nil {
				return fmt.Errorf("dispatch: claim executor for %s: %w", msg.FunctionKey(), err)
			}
			return d.runner.ExecuteTasks(gctx, executor, []int{idx}, batch)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) logDispatch(first *message.Message, batch *message.BatchRequest, forwarded bool, returnHost string, start time.Time, success bool, err error) {
	entry := &logging.DispatchLog{
		AppID:        first.AppID,
		GroupID:      first.GroupID,
		Function:     first.Function,
		User:         first.User,
		BatchSize:    batch.Len(),
		TopologyHint: first.TopologyHint.String(),
		Forwarded:    forwarded,
		ReturnHost:   returnHost,
		DurationMs:   time.Since(start).Milliseconds(),
		Success:      success,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	d.logger.Log(entry)
}
