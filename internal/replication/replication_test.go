package replication

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/veloxdb/veloxdb-core/internal/external"
)

// fakeServer implements Server directly, isolating these tests to the gRPC
// wiring and JSON codec rather than re-exercising txn.Coordinator (already
// covered by internal/txn's own tests).
type fakeServer struct {
	alignErr  string
	commitVer uint64
	allowed   bool
}

func (f *fakeServer) Align(ctx context.Context, req *AlignRequest) (*AlignResponse, error) {
	if f.alignErr != "" {
		return &AlignResponse{Error: f.alignErr}, nil
	}
	return &AlignResponse{CommitVersion: f.commitVer}, nil
}

func (f *fakeServer) Gate(ctx context.Context, req *GateRequest) (*GateResponse, error) {
	return &GateResponse{Allowed: f.allowed}, nil
}

// pickAddr reserves a free loopback port and releases it immediately so
// Serve can bind it; Serve itself only accepts an address, not a listener.
func pickAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func TestJSONCodecRoundTrips(t *testing.T) {
	c := jsonCodec{}
	req := &AlignRequest{TranID: 5, Block: external.ChangesetBlock{ClassName: "Widget", Op: external.OpInsert}}
	data, err := c.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got AlignRequest
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.TranID != 5 || got.Block.ClassName != "Widget" {
		t.Fatalf("expected round trip to preserve fields, got %+v", got)
	}
}

func TestServeClientGateAllowed(t *testing.T) {
	addr := pickAddr(t)
	srv := &fakeServer{allowed: true}
	gs, err := Serve(addr, srv)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer gs.Stop()

	client, err := NewClient([]string{addr})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if !waitForAllowed(client, true) {
		t.Fatal("expected gate to report allowed")
	}
}

func TestServeClientGateDenied(t *testing.T) {
	addr := pickAddr(t)
	srv := &fakeServer{allowed: false}
	gs, err := Serve(addr, srv)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer gs.Stop()

	client, err := NewClient([]string{addr})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if !waitForAllowed(client, false) {
		t.Fatal("expected gate to report denied")
	}
}

// waitForAllowed retries briefly since the server listener may still be
// coming up right after Serve returns.
func waitForAllowed(client *Client, want bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.IsTransactionAllowed("db", external.SourceClient, "node-a", true) == want {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestClientAlignSuccess(t *testing.T) {
	addr := pickAddr(t)
	srv := &fakeServer{commitVer: 7}
	gs, err := Serve(addr, srv)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer gs.Stop()

	client, err := NewClient([]string{addr})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		lastErr = client.Align(1, external.ChangesetBlock{ClassName: "Widget", Op: external.OpInsert})
		if lastErr == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected align to succeed, last error: %v", lastErr)
}

func TestClientAlignSurfacesPeerError(t *testing.T) {
	addr := pickAddr(t)
	srv := &fakeServer{alignErr: "conflict"}
	gs, err := Serve(addr, srv)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer gs.Stop()

	client, err := NewClient([]string{addr})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		err := client.Align(1, external.ChangesetBlock{ClassName: "Widget", Op: external.OpInsert})
		if err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected align to surface the peer's rejection")
}

func TestCoordinatorServerGateAllowsByDefault(t *testing.T) {
	s := &CoordinatorServer{}
	resp, err := s.Gate(context.Background(), &GateRequest{DB: "test"})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !resp.Allowed {
		t.Fatal("expected a nil Allow func to permit every gated transaction")
	}
}

func TestCoordinatorServerGateUsesAllowFunc(t *testing.T) {
	s := &CoordinatorServer{Allow: func(req *GateRequest) bool { return req.Origin == "trusted" }}

	resp, err := s.Gate(context.Background(), &GateRequest{Origin: "trusted"})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !resp.Allowed {
		t.Fatal("expected trusted origin to be allowed")
	}

	resp, err = s.Gate(context.Background(), &GateRequest{Origin: "stranger"})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if resp.Allowed {
		t.Fatal("expected untrusted origin to be denied")
	}
}

func TestClientRemapTransactionSlotIsLocalBookkeeping(t *testing.T) {
	client, err := NewClient(nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.RemapTransactionSlot(42, 3)
	if got := client.slots[42]; got != 3 {
		t.Fatalf("expected slot 3 recorded for transaction 42, got %d", got)
	}
}
