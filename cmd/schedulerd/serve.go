package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/lattice-faas/scheduler/internal/config"
	"github.com/lattice-faas/scheduler/internal/executorpool"
	"github.com/lattice-faas/scheduler/internal/kvstore"
	"github.com/lattice-faas/scheduler/internal/logging"
	"github.com/lattice-faas/scheduler/internal/rpcclient"
	"github.com/lattice-faas/scheduler/internal/scheduler"
)

func serveCmd() *cobra.Command {
	var (
		thisHost   string
		metricsAddr string
		slots      uint32
		workers    int
		store      string
		redisAddr  string
		dialTimeout time.Duration
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		Long:  "Run the scheduler daemon, accepting batches and exposing Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetLevelFromString(logLevel)
			logging.InitStructured("text", logLevel)

			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.LogLevel = logLevel

			kv, closeStore, err := buildStore(store, redisAddr)
			if err != nil {
				return fmt.Errorf("build store: %w", err)
			}
			defer closeStore()

			if thisHost == "" {
				h, err := os.Hostname()
				if err != nil {
					return fmt.Errorf("resolve hostname: %w", err)
				}
				thisHost = h
			}
			if slots == 0 {
				slots = uint32(runtime.NumCPU())
			}

			deps := scheduler.Deps{
				Slots:           slots,
				FunctionFactory: rpcclient.NewGRPCFunctionCallClientFactory(),
				SnapshotFactory: rpcclient.NewGRPCSnapshotClientFactory(),
				Runtime:         executorpool.UnwiredRuntime,
				Workers:         workers,
				// Master-host assignment is a membership concern this
				// scheduler doesn't own: every function is treated as
				// mastered by this host, correct for a single-node run and
				// for any host that always receives the first call of a
				// given function. A real fleet supplies a ResolveMaster that
				// consults its own placement/membership store instead.
				ResolveMaster: func(functionKey string) (string, bool) {
					return thisHost, true
				},
				DialTimeout: dialTimeout,
			}

			sched := scheduler.New(thisHost, cfg, kv, deps)
			scheduler.Set(sched)

			ctx, cancelRun := context.WithCancel(context.Background())
			runDone := make(chan struct{})
			go func() {
				sched.Run(ctx)
				close(runDone)
			}()
			defer cancelRun()

			mux := http.NewServeMux()
			mux.Handle("/metrics", sched.Metrics.Handler())
			httpServer := &http.Server{
				Addr:    metricsAddr,
				Handler: mux,
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("scheduler daemon started", "host", thisHost, "metrics_addr", metricsAddr, "slots", slots)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				cancelRun()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown metrics server: %w", err)
				}
				if err := sched.Executors.Shutdown(shutdownCtx); err != nil {
					logging.Op().Warn("executor pool shutdown error", "error", err)
				}
				select {
				case <-runDone:
				case <-shutdownCtx.Done():
					logging.Op().Warn("timed out waiting for scheduler to unregister this host")
				}
				return nil
			case err := <-errCh:
				return fmt.Errorf("scheduler daemon error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&thisHost, "host", "", "This host's identity as known to peers (default: OS hostname)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "Prometheus metrics listen address")
	cmd.Flags().Uint32Var(&slots, "slots", 0, "Local execution slot count (default: number of CPUs)")
	cmd.Flags().IntVar(&workers, "workers", 4, "Worker goroutines per cold-started executor")
	cmd.Flags().StringVar(&store, "store", "memory", "Shared state backend: memory or redis")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "127.0.0.1:6379", "Redis address when --store=redis")
	cmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "Per-host RPC dial timeout")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

// buildStore constructs the kvstore.Store backing the registry, result
// plane, and broker, per the --store flag. A single in-process MemoryStore
// is useful for a one-node deployment or local testing; a real fleet runs
// with --store=redis so HostRegistry state and blob queues are shared.
func buildStore(kind, redisAddr string) (kvstore.Store, func(), error) {
	switch kind {
	case "memory":
		return kvstore.NewMemoryStore(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		rs := kvstore.NewRedisStore(client)
		return rs, func() { _ = rs.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown --store value %q (want memory or redis)", kind)
	}
}
