package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/otterscale/localup/internal/auth"
	"github.com/otterscale/localup/internal/proto"
)

func echoTarget(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln
}

func TestAgentForwardsToTarget(t *testing.T) {
	target := echoTarget(t)
	defer target.Close()

	clientSide, relaySide := newFakeConnPair("client", "relay")
	defer relaySide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(&fakeDialer{conn: clientSide}, "relay:4443", target.Addr().String(), WithAgentID("agent-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	controlStream, err := relaySide.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("accept control stream: %v", err)
	}
	controlFramer := proto.NewFramer(controlStream)
	msg, err := controlFramer.ReadMessage()
	if err != nil {
		t.Fatalf("read agent_register: %v", err)
	}
	reg, ok := msg.(*proto.AgentRegister)
	if !ok || reg.AgentID != "agent-1" || reg.TargetAddress != target.Addr().String() {
		t.Fatalf("unexpected agent_register: %+v", msg)
	}
	if err := controlFramer.WriteMessage(&proto.AgentRegistered{AgentID: "agent-1"}); err != nil {
		t.Fatalf("write agent_registered: %v", err)
	}

	dataStream, err := relaySide.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open data stream: %v", err)
	}
	dataFramer := proto.NewFramer(dataStream)
	if err := dataFramer.WriteMessage(&proto.ForwardRequest{
		TunnelID:      "rt-1",
		StreamID:      3,
		RemoteAddress: target.Addr().String(),
	}); err != nil {
		t.Fatalf("write forward_request: %v", err)
	}

	reply, err := dataFramer.ReadMessage()
	if err != nil {
		t.Fatalf("read forward reply: %v", err)
	}
	if _, ok := reply.(*proto.ForwardAccept); !ok {
		t.Fatalf("expected ForwardAccept, got %T", reply)
	}

	if err := dataFramer.WriteMessage(&proto.ReverseData{StreamID: 3, Data: []byte("hello")}); err != nil {
		t.Fatalf("write reverse_data: %v", err)
	}
	echoed, err := dataFramer.ReadMessage()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	data, ok := echoed.(*proto.ReverseData)
	if !ok || string(data.Data) != "hello" {
		t.Fatalf("expected echoed ReverseData{hello}, got %#v", echoed)
	}

	if err := dataFramer.WriteMessage(&proto.ReverseClose{StreamID: 3}); err != nil {
		t.Fatalf("write reverse_close: %v", err)
	}

	if err := controlFramer.WriteMessage(&proto.Disconnect{Reason: "test done"}); err != nil {
		t.Fatalf("write disconnect: %v", err)
	}
	ack, err := controlFramer.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if _, ok := ack.(*proto.DisconnectAck); !ok {
		t.Fatalf("expected DisconnectAck, got %T", ack)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not exit after graceful disconnect")
	}
}

func TestAgentRejectsAddressMismatch(t *testing.T) {
	target := echoTarget(t)
	defer target.Close()

	clientSide, relaySide := newFakeConnPair("client", "relay")
	defer relaySide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(&fakeDialer{conn: clientSide}, "relay:4443", target.Addr().String(), WithAgentID("agent-2"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go a.Start(ctx)

	controlStream, err := relaySide.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("accept control stream: %v", err)
	}
	controlFramer := proto.NewFramer(controlStream)
	if _, err := controlFramer.ReadMessage(); err != nil {
		t.Fatalf("read agent_register: %v", err)
	}
	if err := controlFramer.WriteMessage(&proto.AgentRegistered{AgentID: "agent-2"}); err != nil {
		t.Fatalf("write agent_registered: %v", err)
	}

	dataStream, err := relaySide.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open data stream: %v", err)
	}
	dataFramer := proto.NewFramer(dataStream)
	if err := dataFramer.WriteMessage(&proto.ForwardRequest{
		TunnelID:      "rt-2",
		StreamID:      9,
		RemoteAddress: "10.0.0.99:9999",
	}); err != nil {
		t.Fatalf("write forward_request: %v", err)
	}

	reply, err := dataFramer.ReadMessage()
	if err != nil {
		t.Fatalf("read forward reply: %v", err)
	}
	rej, ok := reply.(*proto.ForwardReject)
	if !ok {
		t.Fatalf("expected ForwardReject, got %T", reply)
	}
	if rej.Reason == "" {
		t.Fatal("expected non-empty reject reason")
	}
}

func TestAgentLocalListenerBypassesRelay(t *testing.T) {
	target := echoTarget(t)
	defer target.Close()

	clientSide, relaySide := newFakeConnPair("client", "relay")
	defer relaySide.Close()
	defer clientSide.Close()

	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	localAddr := localLn.Addr().String()
	localLn.Close() // just claiming a free port; Start does the real bind

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(&fakeDialer{conn: clientSide}, "relay:4443", target.Addr().String(),
		WithAgentID("agent-4"), WithLocalListener(localAddr))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go a.Start(ctx)

	// Give startLocalListener a moment to bind before dialing it.
	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", localAddr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial local listener: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("bypass")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 6)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "bypass" {
		t.Fatalf("expected echoed bypass bytes, got %q", buf)
	}
}

func TestAgentValidatesForwardToken(t *testing.T) {
	target := echoTarget(t)
	defer target.Close()

	clientSide, relaySide := newFakeConnPair("client", "relay")
	defer relaySide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	validator := auth.NewValidator("supersecret")
	a, err := New(&fakeDialer{conn: clientSide}, "relay:4443", target.Addr().String(), WithAgentID("agent-3"), WithTokenValidator(validator))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go a.Start(ctx)

	controlStream, err := relaySide.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("accept control stream: %v", err)
	}
	controlFramer := proto.NewFramer(controlStream)
	if _, err := controlFramer.ReadMessage(); err != nil {
		t.Fatalf("read agent_register: %v", err)
	}
	if err := controlFramer.WriteMessage(&proto.AgentRegistered{AgentID: "agent-3"}); err != nil {
		t.Fatalf("write agent_registered: %v", err)
	}

	dataStream, err := relaySide.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open data stream: %v", err)
	}
	dataFramer := proto.NewFramer(dataStream)
	if err := dataFramer.WriteMessage(&proto.ForwardRequest{
		TunnelID:      "rt-3",
		StreamID:      4,
		RemoteAddress: target.Addr().String(),
		AgentToken:    "garbage",
	}); err != nil {
		t.Fatalf("write forward_request: %v", err)
	}

	reply, err := dataFramer.ReadMessage()
	if err != nil {
		t.Fatalf("read forward reply: %v", err)
	}
	if _, ok := reply.(*proto.ForwardReject); !ok {
		t.Fatalf("expected ForwardReject for bad token, got %T", reply)
	}
}
