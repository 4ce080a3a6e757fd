// Package scheduler wires HostRegistry, ResourceView, RpcClientPool,
// DecisionEngine, Dispatcher, ExecutorPool, ResultPlane, ThreadResultTable,
// and MigrationDetector (C1–C10) into the single owned Scheduler instance a
// process starts up with, plus the process-global accessor spec.md §9
// calls `getScheduler()`.
//
// The global accessor follows logging.Op()'s atomic.Pointer singleton
// pattern in the teacher: a single owned instance created at startup and
// handed down, not ad-hoc mutable module state.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lattice-faas/scheduler/internal/broker"
	"github.com/lattice-faas/scheduler/internal/config"
	"github.com/lattice-faas/scheduler/internal/decision"
	"github.com/lattice-faas/scheduler/internal/dispatch"
	"github.com/lattice-faas/scheduler/internal/executorpool"
	"github.com/lattice-faas/scheduler/internal/kvstore"
	"github.com/lattice-faas/scheduler/internal/logging"
	"github.com/lattice-faas/scheduler/internal/message"
	"github.com/lattice-faas/scheduler/internal/metrics"
	"github.com/lattice-faas/scheduler/internal/migration"
	"github.com/lattice-faas/scheduler/internal/registry"
	"github.com/lattice-faas/scheduler/internal/resources"
	"github.com/lattice-faas/scheduler/internal/resultplane"
	"github.com/lattice-faas/scheduler/internal/rpcclient"
	"github.com/lattice-faas/scheduler/internal/statusfile"
	"github.com/lattice-faas/scheduler/internal/threadresult"
	"github.com/lattice-faas/scheduler/internal/tracing"

	"github.com/google/uuid"
)

// Scheduler is the single owned instance tying C1–C10 together for one
// host.
type Scheduler struct {
	ThisHost string
	Cfg      *config.Config

	Store    kvstore.Store
	Registry *registry.Registry
	Resources *resources.View
	RPC      *rpcclient.Pool
	Decision *decision.Engine
	Broker   broker.Broker
	Executors *executorpool.Pool
	Results  *resultplane.Plane
	Threads  *threadresult.Table
	Migrator *migration.Detector
	Dispatcher *dispatch.Dispatcher
	Metrics  *metrics.Metrics
	Status   *statusfile.Writer
}

// Deps bundles the externally-constructed collaborators a New caller must
// supply: the local slot count and factories this package cannot itself
// manufacture (gRPC wiring, the function-runtime plugin). Runtime executes
// one message and is wrapped into the default LocalFactory internally, so
// its completion callback can be wired to this Scheduler's own ResultPlane
// without exposing that plumbing to the caller.
type Deps struct {
	Slots           uint32
	FunctionFactory rpcclient.FunctionCallClientFactory
	SnapshotFactory rpcclient.SnapshotClientFactory
	Runtime         executorpool.Runtime
	Workers         int
	ResolveMaster   func(functionKey string) (host string, isMaster bool)
	DialTimeout     time.Duration
}

// New constructs a fully-wired Scheduler for thisHost, ready to accept
// CallFunctions calls once Run is invoked.
func New(thisHost string, cfg *config.Config, store kvstore.Store, deps Deps) *Scheduler {
	s := &Scheduler{ThisHost: thisHost, Cfg: cfg, Store: store}

	s.Registry = registry.New(store, thisHost)
	s.RPC = rpcclient.NewPool(deps.FunctionFactory, deps.SnapshotFactory, deps.DialTimeout)
	s.Resources = resources.New(deps.Slots, s.RPC)
	s.Broker = broker.New(store)

	decisionCfg := decision.Config{NoTopologyHints: cfg.NoTopologyHints, IsStorageNode: cfg.IsStorageNode}
	s.Decision = decision.New(thisHost, decisionCfg, s.Resources, s.Registry, s.Resources, 16)

	s.Results = resultplane.New(thisHost, store, resultplane.Config{}, migrationRemover{s}, directResultSender{s},
		func(appID uint32) bool { return s.Migrator != nil && s.Migrator.IsInFlight(appID) })

	s.Threads = threadresult.New(thisHost, nil, threadResultPusher{s})

	// The executor pool's cold-start factory is built here, not supplied by
	// the caller, so its completion callback can reach this Scheduler's own
	// ResultPlane/ThreadResultTable without exposing them to Deps.
	factory := executorpool.LocalFactory{
		Runtime: deps.Runtime,
		Workers: deps.Workers,
		OnComplete: func(msg *message.Message, batchType message.BatchType) {
			completionCtx := context.Background()
			if batchType == message.BatchThreads {
				var returnValue int32
				if msg.Error != "" {
					returnValue = -1
				}
				if err := s.Threads.SetThreadResult(completionCtx, msg, returnValue, msg.SnapshotKey, msg.ContextData); err != nil {
					logging.Op().Warn("set thread result failed", "id", msg.ID, "error", err)
				}
				return
			}
			if err := s.Results.SetFunctionResult(completionCtx, msg); err != nil {
				logging.Op().Warn("set function result failed", "id", msg.ID, "error", err)
			}
		},
	}
	s.Executors = executorpool.New(thisHost, factory, executorpool.Config{
		ReaperIntervalSeconds: cfg.ReaperIntervalSeconds,
		BoundTimeoutMs:        int(cfg.BoundTimeout / time.Millisecond),
	}, unregisterNotifier{s}, deps.ResolveMaster)

	s.Migrator = migration.New(resourceQuerier{s}, migrationBroadcaster{s}, s.Registry, minMigrationInterval(cfg))

	dispatchCfg := dispatch.Config{NoSingleHostOptimisations: cfg.NoSingleHostOptimisations}
	s.Dispatcher = dispatch.New(thisHost, dispatchCfg, s.Decision, s.Resources, s.RPC, s.Broker, s.Migrator, nil, localRunner{s}, s.Results)

	s.Metrics = metrics.New("lattice_scheduler", func() float64 { return float64(s.Resources.UsedSlots()) })

	s.Status = statusfile.New(cfg.SchedulerMonitorFile, time.Second, s.statusCounters)

	return s
}

func minMigrationInterval(cfg *config.Config) time.Duration {
	if cfg.ReaperIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(cfg.ReaperIntervalSeconds) * time.Second
}

func (s *Scheduler) statusCounters() statusfile.Counters {
	return statusfile.Counters{
		Active: int64(s.Resources.UsedSlots()),
	}
}

// Run registers this host in the registry's available-host sets (spec
// §4.1 "On init, the local host inserts itself into the appropriate
// set(s)"), starts all background loops (reaper, migration detector,
// status writer), and blocks until ctx is cancelled, removing this host
// from those sets again before returning.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.Registry.AddHost(ctx, message.RoleCompute); err != nil {
		logging.Op().Warn("register this host as compute failed", "host", s.ThisHost, "error", err)
	}
	if s.Cfg.IsStorageNode {
		if err := s.Registry.AddHost(ctx, message.RoleStorage); err != nil {
			logging.Op().Warn("register this host as storage failed", "host", s.ThisHost, "error", err)
		}
	}

	go s.Executors.Run(ctx)
	go s.Migrator.Run(ctx)
	go s.Status.Run()
	<-ctx.Done()
	s.Executors.Stop()
	s.Migrator.Stop()
	s.Status.Stop()

	shutdownCtx := context.Background()
	if err := s.Registry.RemoveHost(shutdownCtx, message.RoleCompute); err != nil {
		logging.Op().Warn("unregister this host as compute failed", "host", s.ThisHost, "error", err)
	}
	if s.Cfg.IsStorageNode {
		if err := s.Registry.RemoveHost(shutdownCtx, message.RoleStorage); err != nil {
			logging.Op().Warn("unregister this host as storage failed", "host", s.ThisHost, "error", err)
		}
	}
}

// CallFunctions is the scheduler's top-level public entry point (spec
// §4.5's "Public contract: callFunctions(batch, caller?)"). Each call gets
// a fresh request id (attached to its span and carried through log lines),
// the same correlation-id convention the teacher's gateway layer applies to
// inbound traffic.
func (s *Scheduler) CallFunctions(ctx context.Context, batch *message.BatchRequest) (*message.SchedulingDecision, error) {
	requestID := uuid.NewString()
	attrs := []attribute.KeyValue{tracing.AttrRequestID.String(requestID)}
	if first := batch.FirstMessage(); first != nil {
		attrs = append(attrs,
			tracing.AttrAppID.Int64(int64(first.AppID)),
			tracing.AttrFunction.String(first.FunctionKey()),
			tracing.AttrHost.String(s.ThisHost),
		)
	}
	ctx, span := tracing.StartSpan(ctx, "scheduler.CallFunctions", attrs...)

	decision, err := s.Dispatcher.CallFunctions(ctx, batch)
	tracing.End(span, err)

	outcome := "local"
	if err != nil {
		outcome = "error"
	} else if decision != nil && decision.ReturnHost != "" {
		outcome = "forwarded"
	}
	s.Metrics.RecordDispatch(outcome)
	return decision, err
}

// --- small adapter types wiring Scheduler's own methods into the narrow
// collaborator interfaces each package expects, keeping those packages
// free of a dependency back on this one. ---

type unregisterNotifier struct{ s *Scheduler }

func (u unregisterNotifier) NotifyUnregister(ctx context.Context, masterHost, user, function string) error {
	client, err := u.s.RPC.FunctionCallClientFor(ctx, masterHost)
	if err != nil {
		return err
	}
	return client.Unregister(ctx, u.s.ThisHost, user, function)
}

type migrationRemover struct{ s *Scheduler }

func (m migrationRemover) Remove(appID uint32) { m.s.Migrator.Remove(appID) }

type directResultSender struct{ s *Scheduler }

func (d directResultSender) SendDirectResult(ctx context.Context, host string, msg *message.Message) error {
	client, err := d.s.RPC.FunctionCallClientFor(ctx, host)
	if err != nil {
		return err
	}
	return client.SendDirectResult(ctx, msg)
}

type threadResultPusher struct{ s *Scheduler }

func (t threadResultPusher) PushThreadResult(ctx context.Context, masterHost string, id uint32, returnValue int32, key string, diffs []byte) error {
	client, err := t.s.RPC.SnapshotClientFor(ctx, masterHost)
	if err != nil {
		return err
	}
	return client.PushThreadResult(ctx, id, returnValue, key, diffs)
}

type resourceQuerier struct{ s *Scheduler }

func (r resourceQuerier) Resources(ctx context.Context, host string) (message.HostResources, error) {
	if host == r.s.ThisHost {
		return r.s.Resources.GetThisHostResources(), nil
	}
	return r.s.Resources.GetRemoteResources(ctx, host)
}

type migrationBroadcaster struct{ s *Scheduler }

func (m migrationBroadcaster) SendPendingMigrations(ctx context.Context, host string, pm rpcclient.PendingMigrations) error {
	client, err := m.s.RPC.FunctionCallClientFor(ctx, host)
	if err != nil {
		return err
	}
	err = client.SendPendingMigrations(ctx, pm)
	m.s.RPC.RecordCallResult(host, err)
	if err != nil {
		return err
	}
	m.s.Metrics.RecordMigrationSent()
	return nil
}

type localRunner struct{ s *Scheduler }

func (l localRunner) ClaimExecutor(ctx context.Context, msg *message.Message) (executorpool.Executor, error) {
	return l.s.Executors.ClaimExecutor(ctx, msg)
}

func (l localRunner) ClaimThreadExecutor(ctx context.Context, msg *message.Message) (executorpool.Executor, error) {
	return l.s.Executors.ClaimThreadExecutor(ctx, msg)
}

func (l localRunner) ExecuteTasks(ctx context.Context, executor executorpool.Executor, indices []int, batch *message.BatchRequest) error {
	return l.s.Executors.ExecuteTasks(ctx, executor, indices, batch)
}

// --- process-global accessor (spec §9 "Global singletons") ---

var instance atomic.Pointer[Scheduler]

// Set installs s as the process-global scheduler instance, called once at
// startup.
func Set(s *Scheduler) {
	instance.Store(s)
}

// Get returns the process-global scheduler instance, or nil if Set has not
// been called yet.
func Get() *Scheduler {
	return instance.Load()
}
