// Package rpcclient defines the per-host RPC client surface the scheduler
// consumes (§6 "Collaborator RPC surface (consumed)") and the connection
// pool that caches one client of each kind per remote host (C3, §4.3).
//
// The wire transport and codec are out of scope (spec.md §1); the concrete
// implementations here dial gRPC, matching cluster.Proxy's getGRPCConn
// pattern in the teacher.
package rpcclient

import (
	"context"

	"github.com/lattice-faas/scheduler/internal/message"
)

// FunctionCallClient is the per-remote RPC surface for function-call and
// resource traffic (§6).
type FunctionCallClient interface {
	ExecuteFunctions(ctx context.Context, batch *message.BatchRequest) error
	SendFlush(ctx context.Context) error
	GetResources(ctx context.Context) (message.HostResources, error)
	Unregister(ctx context.Context, host, user, function string) error
	SendDirectResult(ctx context.Context, msg *message.Message) error
	SendPendingMigrations(ctx context.Context, pm PendingMigrations) error
	NDPDeltaRequest(ctx context.Context, id uint32) ([]byte, error)
	Close() error
}

// SnapshotClient is the per-remote RPC surface for snapshot distribution
// and thread-result delivery (§6). The snapshot byte-diff engine itself is
// out of scope; this interface only carries opaque snapshot/diff payloads.
type SnapshotClient interface {
	PushSnapshot(ctx context.Context, key string, snapshot []byte) error
	PushSnapshotUpdate(ctx context.Context, key string, snapshot []byte, diffs []byte) error
	DeleteSnapshot(ctx context.Context, key string) error
	PushThreadResult(ctx context.Context, id uint32, returnValue int32, key string, diffs []byte) error
	Close() error
}

// PendingMigrations mirrors the wire shape sent to sendPendingMigrations
// (§4.9): one entry per migration recorded for an app in a single tick.
type PendingMigrations struct {
	AppID      uint32
	Migrations []Migration
}

// Migration is a single (src, dst, message) relocation recorded by the
// MigrationDetector.
type Migration struct {
	SrcHost string
	DstHost string
	Message *message.Message
}
