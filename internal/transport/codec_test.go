package transport

import (
	"testing"

	"github.com/relaysteal/agent/internal/wire"
)

func TestRoundTripPortSubscribeCommand(t *testing.T) {
	original := wire.PortSubscribeCmd{Steal: wire.FilteredHttp(8080, "x-debug")}
	f, err := marshalCommand(original)
	if err != nil {
		t.Fatalf("marshalCommand: %v", err)
	}
	got, err := unmarshalCommand(f)
	if err != nil {
		t.Fatalf("unmarshalCommand: %v", err)
	}
	decoded, ok := got.(wire.PortSubscribeCmd)
	if !ok {
		t.Fatalf("unexpected type %T", got)
	}
	if decoded.Steal.Port != 8080 || decoded.Steal.Regex != "x-debug" {
		t.Fatalf("unexpected roundtrip: %+v", decoded.Steal)
	}
}

func TestRoundTripNewClientDropsSender(t *testing.T) {
	f, err := marshalCommand(wire.NewClientCmd{ProtocolVersion: "v1.4.0"})
	if err != nil {
		t.Fatalf("marshalCommand: %v", err)
	}
	got, err := unmarshalCommand(f)
	if err != nil {
		t.Fatalf("unmarshalCommand: %v", err)
	}
	decoded, ok := got.(wire.NewClientCmd)
	if !ok {
		t.Fatalf("unexpected type %T", got)
	}
	if decoded.ProtocolVersion != "v1.4.0" {
		t.Fatalf("unexpected version %q", decoded.ProtocolVersion)
	}
	if decoded.Sender != nil {
		t.Fatal("expected Sender to be nil after a wire round trip")
	}
}

func TestMarshalMessageNewConnection(t *testing.T) {
	msg := wire.NewConnection{ConnectionID: 3, DestinationPort: 80}
	f, err := marshalMessage(msg)
	if err != nil {
		t.Fatalf("marshalMessage: %v", err)
	}
	if f.Type != "new_connection" {
		t.Fatalf("type = %q, want new_connection", f.Type)
	}
}

func TestUnrecognizedFrameType(t *testing.T) {
	if _, err := unmarshalCommand(frame{Type: "bogus"}); err == nil {
		t.Fatal("expected an error for an unrecognized frame type")
	}
}
