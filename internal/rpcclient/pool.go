package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lattice-faas/scheduler/internal/circuitbreaker"
	"github.com/lattice-faas/scheduler/internal/message"
)

// ErrHostUnavailable is returned when a host's circuit breaker is open.
var ErrHostUnavailable = errors.New("rpcclient: host circuit breaker is open")

// DefaultBreakerConfig tunes the per-host circuit breakers guarding remote calls.
// A zero value disables circuit breaking entirely (Registry.Get returns nil
// for an invalid config, and Pool treats a nil breaker as always-allow).
var DefaultBreakerConfig = circuitbreaker.Config{
	ErrorPct:       50,
	WindowDuration: 30 * time.Second,
	OpenDuration:   5 * time.Second,
	HalfOpenProbes: 3,
}

// FunctionCallClientFactory dials a FunctionCallClient for addr. Injected so
// Pool stays independent of the concrete wire implementation (tests can
// supply an in-process fake).
type FunctionCallClientFactory func(ctx context.Context, addr string) (FunctionCallClient, error)

// SnapshotClientFactory dials a SnapshotClient for addr.
type SnapshotClientFactory func(ctx context.Context, addr string) (SnapshotClient, error)

// Pool is the RpcClientPool (C3, §4.3). It maintains one FunctionCallClient
// and one SnapshotClient per remote host in two independent concurrent
// maps, created on first use and never evicted while the Scheduler runs —
// the rationale given in §4.3 is that the pool amortises connection setup
// across many dispatches, the same trade-off cluster.Proxy makes by never
// closing a cached *grpc.ClientConn.
type Pool struct {
	dialTimeout time.Duration

	fnFactory   FunctionCallClientFactory
	snapFactory SnapshotClientFactory

	fnMu   sync.Mutex
	fnConn map[string]FunctionCallClient

	snapMu   sync.Mutex
	snapConn map[string]SnapshotClient

	breakerCfg circuitbreaker.Config
	breakers   *circuitbreaker.Registry
}

// NewPool creates a Pool that dials clients with the given factories. Each
// remote host gets its own circuit breaker (DefaultBreakerConfig) so a
// single unreachable host can't stall every dispatch that targets it.
func NewPool(fnFactory FunctionCallClientFactory, snapFactory SnapshotClientFactory, dialTimeout time.Duration) *Pool {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Pool{
		dialTimeout: dialTimeout,
		fnFactory:   fnFactory,
		snapFactory: snapFactory,
		fnConn:      make(map[string]FunctionCallClient),
		snapConn:    make(map[string]SnapshotClient),
		breakerCfg:  DefaultBreakerConfig,
		breakers:    circuitbreaker.NewRegistry(),
	}
}

// FunctionCallClientFor returns the cached FunctionCallClient for host,
// dialing one on first use. Returns ErrHostUnavailable without dialing if
// host's breaker is currently open.
func (p *Pool) FunctionCallClientFor(ctx context.Context, host string) (FunctionCallClient, error) {
	if b := p.breakers.Get(host, p.breakerCfg); b != nil && !b.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrHostUnavailable, host)
	}

	p.fnMu.Lock()
	if c, ok := p.fnConn[host]; ok {
		p.fnMu.Unlock()
		return c, nil
	}
	p.fnMu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	c, err := p.fnFactory(dialCtx, host)
	if err != nil {
		p.recordFailure(host)
		return nil, fmt.Errorf("dial function-call client %s: %w", host, err)
	}
	p.recordSuccess(host)

	p.fnMu.Lock()
	if existing, ok := p.fnConn[host]; ok {
		p.fnMu.Unlock()
		_ = c.Close()
		return existing, nil
	}
	p.fnConn[host] = c
	p.fnMu.Unlock()
	return c, nil
}

// SnapshotClientFor returns the cached SnapshotClient for host, dialing one
// on first use. Returns ErrHostUnavailable without dialing if host's
// breaker is currently open.
func (p *Pool) SnapshotClientFor(ctx context.Context, host string) (SnapshotClient, error) {
	if b := p.breakers.Get(host, p.breakerCfg); b != nil && !b.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrHostUnavailable, host)
	}

	p.snapMu.Lock()
	if c, ok := p.snapConn[host]; ok {
		p.snapMu.Unlock()
		return c, nil
	}
	p.snapMu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	c, err := p.snapFactory(dialCtx, host)
	if err != nil {
		p.recordFailure(host)
		return nil, fmt.Errorf("dial snapshot client %s: %w", host, err)
	}
	p.recordSuccess(host)

	p.snapMu.Lock()
	if existing, ok := p.snapConn[host]; ok {
		p.snapMu.Unlock()
		_ = c.Close()
		return existing, nil
	}
	p.snapConn[host] = c
	p.snapMu.Unlock()
	return c, nil
}

// GetResources satisfies resources.RemoteQuerier by delegating to the
// cached FunctionCallClient for host.
func (p *Pool) GetResources(ctx context.Context, host string) (message.HostResources, error) {
	c, err := p.FunctionCallClientFor(ctx, host)
	if err != nil {
		return message.HostResources{}, err
	}
	resources, err := c.GetResources(ctx)
	if err != nil {
		p.recordFailure(host)
		return resources, err
	}
	p.recordSuccess(host)
	return resources, nil
}

// RecordCallResult lets a caller that already holds a cached client (e.g.
// Dispatcher after ExecuteFunctions) report the outcome of an RPC beyond
// the dial itself, so a host that accepts connections but fails every call
// still trips its breaker.
func (p *Pool) RecordCallResult(host string, err error) {
	if err != nil {
		p.recordFailure(host)
		return
	}
	p.recordSuccess(host)
}

func (p *Pool) recordSuccess(host string) {
	if b := p.breakers.Get(host, p.breakerCfg); b != nil {
		b.RecordSuccess()
	}
}

func (p *Pool) recordFailure(host string) {
	if b := p.breakers.Get(host, p.breakerCfg); b != nil {
		b.RecordFailure()
	}
}

// Close shuts down every cached client. Intended for graceful shutdown.
func (p *Pool) Close() error {
	p.fnMu.Lock()
	var firstErr error
	for _, c := range p.fnConn {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.fnConn = make(map[string]FunctionCallClient)
	p.fnMu.Unlock()

	p.snapMu.Lock()
	for _, c := range p.snapConn {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.snapConn = make(map[string]SnapshotClient)
	p.snapMu.Unlock()
	return firstErr
}

// DialInsecureGRPC is the default FunctionCallClientFactory/SnapshotClientFactory
// transport: a plain-text gRPC dial, matching cluster.Proxy.getGRPCConn's use
// of insecure.NewCredentials() for intra-fleet traffic.
func DialInsecureGRPC(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}
