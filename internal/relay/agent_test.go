package relay

import (
	"context"
	"testing"

	"github.com/otterscale/localup/internal/auth"
	"github.com/otterscale/localup/internal/ports"
	"github.com/otterscale/localup/internal/proto"
	"github.com/otterscale/localup/internal/registry"
)

func TestAgentHandlerRegistersAndDisconnects(t *testing.T) {
	reg := registry.New()
	portAlloc := ports.New(22000, 22010)
	validator := auth.NewValidator("")
	r := New(reg, portAlloc, validator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, relayConn := newFakeConnPair("client", "relay")
	defer client.Close()
	errc := make(chan error, 1)
	go func() { errc <- r.Serve(ctx, relayConn, "203.0.113.5") }()

	stream, err := client.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	framer := proto.NewFramer(stream)
	if err := framer.WriteMessage(&proto.AgentRegister{AgentID: "agent-1", TargetAddress: "10.0.0.5:22"}); err != nil {
		t.Fatalf("write agent_register: %v", err)
	}

	msg, err := framer.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reply, ok := msg.(*proto.AgentRegistered)
	if !ok || reply.AgentID != "agent-1" {
		t.Fatalf("expected AgentRegistered, got %+v", msg)
	}

	if got, ok := r.Connections().AgentByID("agent-1"); !ok || got.TargetAddress != "10.0.0.5:22" {
		t.Fatal("expected agent registered")
	}

	if err := framer.WriteMessage(&proto.Disconnect{Reason: "bye"}); err != nil {
		t.Fatalf("write disconnect: %v", err)
	}
	ack, err := framer.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if _, ok := ack.(*proto.DisconnectAck); !ok {
		t.Fatalf("expected DisconnectAck, got %T", ack)
	}

	<-errc
	if _, ok := r.Connections().AgentByID("agent-1"); ok {
		t.Fatal("expected agent unregistered")
	}
}

func TestAgentHandlerRejectsBadToken(t *testing.T) {
	reg := registry.New()
	portAlloc := ports.New(22100, 22110)
	validator := auth.NewValidator("supersecret")
	r := New(reg, portAlloc, validator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, relayConn := newFakeConnPair("client", "relay")
	defer client.Close()
	go r.Serve(ctx, relayConn, "203.0.113.6")

	stream, err := client.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	framer := proto.NewFramer(stream)
	if err := framer.WriteMessage(&proto.AgentRegister{AgentID: "agent-2", TargetAddress: "10.0.0.6:22", AuthToken: "garbage"}); err != nil {
		t.Fatalf("write agent_register: %v", err)
	}

	msg, err := framer.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := msg.(*proto.AgentRejected); !ok {
		t.Fatalf("expected AgentRejected, got %T", msg)
	}
}
