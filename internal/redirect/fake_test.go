package redirect

import (
	"net"
	"net/netip"
	"testing"

	"github.com/relaysteal/agent/internal/wire"
)

func TestFakeAddRemoveRedirectionIsIdempotent(t *testing.T) {
	f := NewFake()
	port := wire.Port(8080)

	if f.IsRedirected(port) {
		t.Fatal("port should not start redirected")
	}
	if err := f.AddRedirection(port); err != nil {
		t.Fatalf("AddRedirection: %v", err)
	}
	if err := f.AddRedirection(port); err != nil {
		t.Fatalf("second AddRedirection should be a no-op, got: %v", err)
	}
	if !f.IsRedirected(port) {
		t.Fatal("port should be redirected")
	}
	if err := f.RemoveRedirection(port); err != nil {
		t.Fatalf("RemoveRedirection: %v", err)
	}
	if err := f.RemoveRedirection(port); err != nil {
		t.Fatalf("second RemoveRedirection should be a no-op, got: %v", err)
	}
	if f.IsRedirected(port) {
		t.Fatal("port should no longer be redirected")
	}
}

func TestFakeAcceptAndOrigDst(t *testing.T) {
	f := NewFake()
	client, server := net.Pipe()
	defer client.Close()

	peer := netip.MustParseAddrPort("10.0.0.5:4444")
	orig := netip.MustParseAddrPort("10.0.0.9:80")
	f.Inject(server, peer, orig)

	conn, gotPeer, err := f.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if gotPeer != peer {
		t.Fatalf("peer = %v, want %v", gotPeer, peer)
	}

	gotOrig, err := f.OrigDst(conn)
	if err != nil {
		t.Fatalf("OrigDst: %v", err)
	}
	if gotOrig != orig {
		t.Fatalf("origDst = %v, want %v", gotOrig, orig)
	}
}

func TestFakeOrigDstUnknownConn(t *testing.T) {
	f := NewFake()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	if _, err := f.OrigDst(server); err != ErrNotTCPConn {
		t.Fatalf("expected ErrNotTCPConn, got %v", err)
	}
}

func TestFakeCloseUnblocksAccept(t *testing.T) {
	f := NewFake()
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := f.Accept(); err == nil {
		t.Fatal("expected Accept on a closed Fake to return an error")
	}
}
