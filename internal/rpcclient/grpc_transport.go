package rpcclient

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/lattice-faas/scheduler/internal/message"
)

// ErrTransportNotWired is returned by every method of the stock gRPC
// transport below. Generating the FunctionCallClient/SnapshotClient service
// stubs from a .proto definition and wiring them over conn is deployment-
// specific work (spec.md §1 scopes the wire codec out); this transport
// exists so a binary can still start up, dial, and exercise the circuit
// breaker and connection-caching paths in Pool before that stub exists.
var ErrTransportNotWired = fmt.Errorf("rpcclient: generated RPC stub not wired for this deployment")

// grpcFunctionCallClient and grpcSnapshotClient wrap a cached *grpc.ClientConn
// so DialInsecureGRPC can serve as a FunctionCallClientFactory/
// SnapshotClientFactory out of the box, the same role cluster.Proxy's cached
// *grpc.ClientConn plays in the teacher — minus the generated service client
// itself, which a deployment supplies by swapping these types out.
type grpcFunctionCallClient struct {
	conn *grpc.ClientConn
}

// NewGRPCFunctionCallClientFactory returns a FunctionCallClientFactory that
// dials addr with DialInsecureGRPC and wraps the connection. Replace it with
// a factory built on your generated client once the .proto stub exists.
func NewGRPCFunctionCallClientFactory() FunctionCallClientFactory {
	return func(ctx context.Context, addr string) (FunctionCallClient, error) {
		conn, err := DialInsecureGRPC(ctx, addr)
		if err != nil {
			return nil, err
		}
		return &grpcFunctionCallClient{conn: conn}, nil
	}
}

func (c *grpcFunctionCallClient) ExecuteFunctions(ctx context.Context, batch *message.BatchRequest) error {
	return ErrTransportNotWired
}

func (c *grpcFunctionCallClient) SendFlush(ctx context.Context) error {
	return ErrTransportNotWired
}

func (c *grpcFunctionCallClient) GetResources(ctx context.Context) (message.HostResources, error) {
	return message.HostResources{}, ErrTransportNotWired
}

func (c *grpcFunctionCallClient) Unregister(ctx context.Context, host, user, function string) error {
	return ErrTransportNotWired
}

func (c *grpcFunctionCallClient) SendDirectResult(ctx context.Context, msg *message.Message) error {
	return ErrTransportNotWired
}

func (c *grpcFunctionCallClient) SendPendingMigrations(ctx context.Context, pm PendingMigrations) error {
	return ErrTransportNotWired
}

func (c *grpcFunctionCallClient) NDPDeltaRequest(ctx context.Context, id uint32) ([]byte, error) {
	return nil, ErrTransportNotWired
}

func (c *grpcFunctionCallClient) Close() error {
	return c.conn.Close()
}

type grpcSnapshotClient struct {
	conn *grpc.ClientConn
}

// NewGRPCSnapshotClientFactory mirrors NewGRPCFunctionCallClientFactory for
// the snapshot/thread-result surface.
func NewGRPCSnapshotClientFactory() SnapshotClientFactory {
	return func(ctx context.Context, addr string) (SnapshotClient, error) {
		conn, err := DialInsecureGRPC(ctx, addr)
		if err != nil {
			return nil, err
		}
		return &grpcSnapshotClient{conn: conn}, nil
	}
}

func (c *grpcSnapshotClient) PushSnapshot(ctx context.Context, key string, snapshot []byte) error {
	return ErrTransportNotWired
}

func (c *grpcSnapshotClient) PushSnapshotUpdate(ctx context.Context, key string, snapshot []byte, diffs []byte) error {
	return ErrTransportNotWired
}

func (c *grpcSnapshotClient) DeleteSnapshot(ctx context.Context, key string) error {
	return ErrTransportNotWired
}

func (c *grpcSnapshotClient) PushThreadResult(ctx context.Context, id uint32, returnValue int32, key string, diffs []byte) error {
	return ErrTransportNotWired
}

func (c *grpcSnapshotClient) Close() error {
	return c.conn.Close()
}
