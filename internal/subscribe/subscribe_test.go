package subscribe

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/relaysteal/agent/internal/redirect"
	"github.com/relaysteal/agent/internal/wire"
)

func mustHeaderFilter(t *testing.T, re string) *wire.HttpFilter {
	t.Helper()
	f, err := wire.NewHeaderFilter(re)
	if err != nil {
		t.Fatalf("NewHeaderFilter: %v", err)
	}
	return f
}

func TestAddUnfilteredThenTaken(t *testing.T) {
	fake := redirect.NewFake()
	s := New(fake, 0)
	defer s.Close()

	port := wire.Port(80)
	if err := s.Add(1, port, nil); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if !fake.IsRedirected(port) {
		t.Fatal("expected redirection installed")
	}

	if err := s.Add(2, port, nil); err == nil || err.Kind != wire.ErrPortTaken {
		t.Fatalf("expected ErrPortTaken, got %v", err)
	}

	snap := s.Get(port)
	if snap.Kind != Unfiltered || snap.Unfiltered != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestAddFilteredSharesPort(t *testing.T) {
	fake := redirect.NewFake()
	s := New(fake, 0)
	defer s.Close()

	port := wire.Port(8080)
	f1 := mustHeaderFilter(t, "x-debug")
	f2 := mustHeaderFilter(t, "x-trace")

	if err := s.Add(1, port, f1); err != nil {
		t.Fatalf("Add client 1: %v", err)
	}
	if err := s.Add(2, port, f2); err != nil {
		t.Fatalf("Add client 2: %v", err)
	}

	// an unfiltered claim now collides with the existing Filtered set.
	if err := s.Add(3, port, nil); err == nil || err.Kind != wire.ErrPortNeedsFilter {
		t.Fatalf("expected ErrPortNeedsFilter, got %v", err)
	}
	// the same client can't subscribe twice.
	if err := s.Add(1, port, f2); err == nil || err.Kind != wire.ErrClientAlreadySubscribed {
		t.Fatalf("expected ErrClientAlreadySubscribed, got %v", err)
	}

	snap := s.Get(port)
	if snap.Kind != Filtered || len(snap.Filtered) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Filtered[0].Client != 1 || snap.Filtered[1].Client != 2 {
		t.Fatalf("expected insertion order preserved, got %+v", snap.Filtered)
	}
}

func TestRemoveTearsDownWhenEmpty(t *testing.T) {
	fake := redirect.NewFake()
	s := New(fake, 0)
	defer s.Close()

	port := wire.Port(443)
	if err := s.Add(1, port, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Remove(1, port)

	if fake.IsRedirected(port) {
		t.Fatal("expected redirection removed once port is empty")
	}
	if snap := s.Get(port); snap.Kind != None {
		t.Fatalf("expected None, got %+v", snap)
	}

	// removing again is a no-op, not an error.
	s.Remove(1, port)
}

func TestRemoveAllDropsEveryStake(t *testing.T) {
	fake := redirect.NewFake()
	s := New(fake, 0)
	defer s.Close()

	p1, p2 := wire.Port(80), wire.Port(8080)
	f := mustHeaderFilter(t, "x-debug")
	if err := s.Add(1, p1, nil); err != nil {
		t.Fatalf("Add p1: %v", err)
	}
	if err := s.Add(1, p2, f); err != nil {
		t.Fatalf("Add p2: %v", err)
	}

	s.RemoveAll(1)

	if snap := s.Get(p1); snap.Kind != None {
		t.Fatalf("expected p1 cleared, got %+v", snap)
	}
	if snap := s.Get(p2); snap.Kind != None {
		t.Fatalf("expected p2 cleared, got %+v", snap)
	}
}

func TestNextConnectionDeliversAccepted(t *testing.T) {
	fake := redirect.NewFake()
	s := New(fake, 0)
	defer s.Close()

	client, server := net.Pipe()
	defer client.Close()
	peer := netip.MustParseAddrPort("10.0.0.1:1234")
	fake.Inject(server, peer, netip.MustParseAddrPort("10.0.0.2:80"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := s.NextConnection(ctx)
	if err != nil {
		t.Fatalf("NextConnection: %v", err)
	}
	if got.Peer != peer {
		t.Fatalf("peer = %v, want %v", got.Peer, peer)
	}
}

func TestNextConnectionCancel(t *testing.T) {
	fake := redirect.NewFake()
	s := New(fake, 0)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.NextConnection(ctx); err == nil {
		t.Fatal("expected context cancellation error")
	}
}
