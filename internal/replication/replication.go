// Package replication wires the engine's Replicator external collaborator
// (§6) onto a small hand-rolled gRPC service, the same way the pack's own
// server command exposes tinySQL over gRPC: a manual grpc.ServiceDesc and a
// JSON wire codec instead of a protoc-generated stub, since the wire
// payload here is just the engine's own ChangesetBlock, not a schema that
// benefits from .proto generation.
//
// What: a ReplicationStream service carrying inbound alignment operations
//       (Align) and the is_transaction_allowed gate (Gate) §6 describes;
//       the pre-commit/post-commit/failure hooks are local no-ops on Client.
// How: google.golang.org/grpc with a JSON codec, mirroring
//      cmd/server/main.go's registerTinySQLServer/jsonCodec pattern.
// Why: the core only ever sees the external.Replicator interface; this
//      package is one concrete wiring of it onto a real transport.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/veloxdb/veloxdb-core/internal/external"
	"github.com/veloxdb/veloxdb-core/internal/txn"
)

func netListen(addr string) (net.Listener, error) { return net.Listen("tcp", addr) }

// jsonCodec replaces protobuf wire encoding with JSON, since every message
// here is already a plain Go struct with no generated marshaler.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func init() { encoding.RegisterCodec(jsonCodec{}) }

// AlignRequest carries one inbound changeset block to apply as a
// replicated transaction (§6 Alignment Delegate).
type AlignRequest struct {
	TranID uint64
	Block  external.ChangesetBlock
}

// AlignResponse reports whether the block was applied.
type AlignResponse struct {
	CommitVersion uint64
	Error         string
}

// GateRequest mirrors is_transaction_allowed's parameters (§6).
type GateRequest struct {
	DB        string
	Source    external.TransactionSource
	Origin    string
	ReadWrite bool
}

// GateResponse answers whether the gated transaction may proceed.
type GateResponse struct {
	Allowed bool
}

// Server is the gRPC-facing contract a replication peer implements.
type Server interface {
	Align(ctx context.Context, req *AlignRequest) (*AlignResponse, error)
	Gate(ctx context.Context, req *GateRequest) (*GateResponse, error)
}

func registerServer(s *grpc.Server, srv Server) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "veloxdb.ReplicationStream",
		HandlerType: (*Server)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Align", Handler: alignHandler},
			{MethodName: "Gate", Handler: gateHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "veloxdb/replication",
	}, srv)
}

func alignHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AlignRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Align(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/veloxdb.ReplicationStream/Align"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).Align(ctx, req.(*AlignRequest)) }
	return interceptor(ctx, in, info, handler)
}

func gateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Gate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/veloxdb.ReplicationStream/Gate"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).Gate(ctx, req.(*GateRequest)) }
	return interceptor(ctx, in, info, handler)
}

// CoordinatorServer adapts a *txn.Coordinator into a Server: every inbound
// Align request becomes one single-block replicated transaction, applied
// with external.SourceReplication so cascades and conflict checks run
// exactly as they would for a local write.
type CoordinatorServer struct {
	Coord *txn.Coordinator
	// Allow, if set, backs IsTransactionAllowed-style gating on the
	// server side too; nil means every gated transaction is allowed.
	Allow func(req *GateRequest) bool
}

func (s *CoordinatorServer) Align(ctx context.Context, req *AlignRequest) (*AlignResponse, error) {
	tran, err := s.Coord.Begin(external.SourceReplication, true)
	if err != nil {
		return &AlignResponse{Error: err.Error()}, nil
	}
	cs := external.NewMemChangeset()
	cs.AddBlock(req.Block)
	if err := tran.ApplyChangeset(cs); err != nil {
		return &AlignResponse{Error: err.Error()}, nil
	}
	commitVersion, err := tran.Commit()
	if err != nil {
		return &AlignResponse{Error: err.Error()}, nil
	}
	return &AlignResponse{CommitVersion: commitVersion}, nil
}

func (s *CoordinatorServer) Gate(ctx context.Context, req *GateRequest) (*GateResponse, error) {
	if s.Allow == nil {
		return &GateResponse{Allowed: true}, nil
	}
	return &GateResponse{Allowed: s.Allow(req)}, nil
}

// Serve registers srv on a fresh *grpc.Server listening at addr and starts
// serving in a background goroutine, returning once the listener is ready.
func Serve(addr string, srv Server) (*grpc.Server, error) {
	lis, err := netListen(addr)
	if err != nil {
		return nil, err
	}
	gs := grpc.NewServer()
	registerServer(gs, srv)
	go gs.Serve(lis)
	return gs, nil
}

// Client implements external.Replicator against a set of peer addresses:
// IsTransactionAllowed and Align go out to every peer over the same
// JSON-coded gRPC transport the server side speaks, while PreCommit,
// PostCommit and Failure are local no-ops.
type Client struct {
	mu    sync.Mutex
	peers map[string]*grpc.ClientConn

	// slots tracks RemapTransactionSlot assignments; purely local
	// bookkeeping that nothing in this package reads back.
	slots map[uint64]int
}

// NewClient creates one client connection per peer address up front;
// grpc.NewClient does not connect until the first RPC on it.
func NewClient(peerAddrs []string) (*Client, error) {
	c := &Client{peers: make(map[string]*grpc.ClientConn), slots: make(map[uint64]int)}
	for _, addr := range peerAddrs {
		conn, err := grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		)
		if err != nil {
			return nil, fmt.Errorf("replication: dial %s: %w", addr, err)
		}
		c.peers[addr] = conn
	}
	return c, nil
}

func (c *Client) PreCommit(tranID uint64) error { return nil }

func (c *Client) PostCommit(tranID uint64, commitVersion uint64) {}

func (c *Client) Failure(tranID uint64, err error) {}

// IsTransactionAllowed asks every peer's gate and requires unanimous
// consent; a single peer's denial (or unreachability) blocks the
// transaction, matching a conservative quorum-of-one-veto policy.
func (c *Client) IsTransactionAllowed(db string, source external.TransactionSource, origin string, readWrite bool) bool {
	c.mu.Lock()
	conns := make([]*grpc.ClientConn, 0, len(c.peers))
	for _, conn := range c.peers {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	req := &GateRequest{DB: db, Source: source, Origin: origin, ReadWrite: readWrite}
	for _, conn := range conns {
		var resp GateResponse
		if err := conn.Invoke(context.Background(), "/veloxdb.ReplicationStream/Gate", req, &resp); err != nil {
			return false
		}
		if !resp.Allowed {
			return false
		}
	}
	return true
}

func (c *Client) RemapTransactionSlot(tranID uint64, newSlot int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[tranID] = newSlot
}

// Align sends block to every peer as a replicated write, for use by
// whatever drives outbound replication of this node's own commits.
func (c *Client) Align(tranID uint64, block external.ChangesetBlock) error {
	c.mu.Lock()
	conns := make([]*grpc.ClientConn, 0, len(c.peers))
	for _, conn := range c.peers {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	req := &AlignRequest{TranID: tranID, Block: block}
	for _, conn := range conns {
		var resp AlignResponse
		if err := conn.Invoke(context.Background(), "/veloxdb.ReplicationStream/Align", req, &resp); err != nil {
			return err
		}
		if resp.Error != "" {
			return fmt.Errorf("replication: peer rejected align: %s", resp.Error)
		}
	}
	return nil
}
