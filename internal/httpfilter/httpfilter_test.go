package httpfilter

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/relaysteal/agent/internal/subscribe"
	"github.com/relaysteal/agent/internal/wire"
)

func mustFilter(t *testing.T, re string) *wire.HttpFilter {
	t.Helper()
	f, err := wire.NewHeaderFilter(re)
	if err != nil {
		t.Fatalf("NewHeaderFilter: %v", err)
	}
	return f
}

func TestTaskForwardsMatchAndWritesResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	filters := []subscribe.FilteredEntry{
		{Client: 7, Filter: mustFilter(t, "x-debug")},
	}
	requestCh := make(chan Request, 1)
	closeCh := make(chan wire.ConnectionID, 1)

	task := New(server, 1, 8080, netip.MustParseAddrPort("10.0.0.1:5555"), filters, requestCh, closeCh, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go task.Run(ctx)

	go func() {
		client.Write([]byte("GET /widgets HTTP/1.1\r\nHost: x\r\nX-Debug: 1\r\nConnection: close\r\n\r\n"))
	}()

	select {
	case req := <-requestCh:
		if req.ClientID != 7 {
			t.Fatalf("expected client 7, got %d", req.ClientID)
		}
		if req.Request.Path != "/widgets" {
			t.Fatalf("expected path /widgets, got %q", req.Request.Path)
		}
		req.ResponseCh <- &wire.SerializedResponse{StatusCode: 200, Headers: map[string][]string{}, Body: []byte("ok")}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded request")
	}

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	select {
	case id := <-closeCh:
		if id != 1 {
			t.Fatalf("expected close for connection 1, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close notification")
	}
}

func TestTaskNoMatchClosesWithError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	filters := []subscribe.FilteredEntry{
		{Client: 7, Filter: mustFilter(t, "x-debug")},
	}
	requestCh := make(chan Request, 1)
	closeCh := make(chan wire.ConnectionID, 1)

	task := New(server, 2, 8080, netip.MustParseAddrPort("10.0.0.1:5555"), filters, requestCh, closeCh, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go task.Run(ctx)

	go func() {
		client.Write([]byte("GET /nope HTTP/1.1\r\nHost: x\r\n\r\n"))
	}()

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	select {
	case id := <-closeCh:
		if id != 2 {
			t.Fatalf("expected close for connection 2, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close notification")
	}
}

func TestTaskDroppedResponseSinkIsGatewayError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	filters := []subscribe.FilteredEntry{
		{Client: 9, Filter: mustFilter(t, "x-debug")},
	}
	requestCh := make(chan Request, 1)
	closeCh := make(chan wire.ConnectionID, 1)

	task := New(server, 3, 8080, netip.MustParseAddrPort("10.0.0.1:5555"), filters, requestCh, closeCh, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go task.Run(ctx)

	go func() {
		client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nX-Debug: 1\r\n\r\n"))
	}()

	select {
	case req := <-requestCh:
		close(req.ResponseCh) // simulate the Core dropping the sink
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded request")
	}

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestMatchIsFirstInsertionOrderWins(t *testing.T) {
	first := mustFilter(t, "x-a")
	second := mustFilter(t, "x-a") // also matches; first entry must win
	filters := []subscribe.FilteredEntry{
		{Client: 1, Filter: first},
		{Client: 2, Filter: second},
	}
	task := &Task{filters: filters}
	req, _ := http.NewRequest(http.MethodGet, "http://x/y", strings.NewReader(""))
	req.Header.Set("X-A", "1")

	client, _, matched := task.match(req)
	if !matched || client != 1 {
		t.Fatalf("expected client 1 to win, got client=%d matched=%v", client, matched)
	}
}
