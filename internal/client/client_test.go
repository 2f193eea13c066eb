package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/otterscale/localup/internal/proto"
)

// echoLocalService starts a local TCP listener that echoes back
// whatever it reads, standing in for the proxied local process.
func echoLocalService(t *testing.T) net.Listener {
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

func TestClientHTTPStreamBridgesToLocalService(t *testing.T) {
	local := echoLocalService(t)
	defer local.Close()

	clientSide, relaySide := newFakeConnPair("client", "relay")
	defer relaySide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := New(&fakeDialer{conn: clientSide}, "relay:4443", "t1", local.Addr().String(),
		[]proto.Protocol{{Kind: proto.ProtocolHTTP, Subdomain: "hello"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	// Drive the relay side of the handshake.
	controlStream, err := relaySide.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("accept control stream: %v", err)
	}
	controlFramer := proto.NewFramer(controlStream)
	msg, err := controlFramer.ReadMessage()
	if err != nil {
		t.Fatalf("read connect: %v", err)
	}
	connect, ok := msg.(*proto.Connect)
	if !ok || connect.TunnelID != "t1" {
		t.Fatalf("expected Connect{t1}, got %+v", msg)
	}
	if err := controlFramer.WriteMessage(&proto.Connected{
		Endpoints: []proto.Endpoint{{Protocol: "http", PublicURL: "https://hello.example.com"}},
	}); err != nil {
		t.Fatalf("write connected: %v", err)
	}

	dataStream, err := relaySide.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open data stream: %v", err)
	}
	dataFramer := proto.NewFramer(dataStream)
	if err := dataFramer.WriteMessage(&proto.HttpStreamConnect{
		Host:        "hello.example.com",
		InitialData: []byte("GET / HTTP/1.1\r\n\r\n"),
	}); err != nil {
		t.Fatalf("write http_stream_connect: %v", err)
	}
	if err := dataFramer.WriteMessage(&proto.HttpStreamData{Data: []byte("more-bytes")}); err != nil {
		t.Fatalf("write http_stream_data: %v", err)
	}

	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < len("GET / HTTP/1.1\r\n\r\nmore-bytes") && time.Now().Before(deadline) {
		reply, err := dataFramer.ReadMessage()
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		if d, ok := reply.(*proto.HttpStreamData); ok {
			got = append(got, d.Data...)
		}
	}
	if string(got) != "GET / HTTP/1.1\r\n\r\nmore-bytes" {
		t.Fatalf("echoed bytes = %q", got)
	}

	if err := dataFramer.WriteMessage(&proto.HttpStreamClose{}); err != nil {
		t.Fatalf("write close: %v", err)
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
		t.Fatal("client did not exit after graceful disconnect")
	}
}

func TestClientStopSendsDisconnectOnControlStream(t *testing.T) {
	local := echoLocalService(t)
	defer local.Close()

	clientSide, relaySide := newFakeConnPair("client", "relay")
	defer relaySide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := New(&fakeDialer{conn: clientSide}, "relay:4443", "t1", local.Addr().String(),
		[]proto.Protocol{{Kind: proto.ProtocolHTTP, Subdomain: "hello"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	controlStream, err := relaySide.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("accept control stream: %v", err)
	}
	controlFramer := proto.NewFramer(controlStream)
	if _, err := controlFramer.ReadMessage(); err != nil {
		t.Fatalf("read connect: %v", err)
	}
	if err := controlFramer.WriteMessage(&proto.Connected{
		Endpoints: []proto.Endpoint{{Protocol: "http", PublicURL: "https://hello.example.com"}},
	}); err != nil {
		t.Fatalf("write connected: %v", err)
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- c.Stop(context.Background()) }()

	// The Disconnect must arrive on the CONTROL stream, not a newly
	// opened one: the message read off controlFramer must be Disconnect.
	msg, err := controlFramer.ReadMessage()
	if err != nil {
		t.Fatalf("read disconnect: %v", err)
	}
	disc, ok := msg.(*proto.Disconnect)
	if !ok {
		t.Fatalf("expected Disconnect on control stream, got %T", msg)
	}
	if disc.Reason == "" {
		t.Fatal("expected non-empty disconnect reason")
	}
	if err := controlFramer.WriteMessage(&proto.DisconnectAck{}); err != nil {
		t.Fatalf("write disconnect_ack: %v", err)
	}

	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after DisconnectAck")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not exit after Stop")
	}
}

func TestClientNewValidatesRequiredFields(t *testing.T) {
	if _, err := New(&fakeDialer{}, "relay:4443", "", "127.0.0.1:1", []proto.Protocol{{Kind: proto.ProtocolHTTP}}); err != ErrTunnelIDRequired {
		t.Fatalf("expected ErrTunnelIDRequired, got %v", err)
	}
	if _, err := New(&fakeDialer{}, "relay:4443", "t1", "", []proto.Protocol{{Kind: proto.ProtocolHTTP}}); err != ErrLocalAddrRequired {
		t.Fatalf("expected ErrLocalAddrRequired, got %v", err)
	}
	if _, err := New(&fakeDialer{}, "relay:4443", "t1", "127.0.0.1:1", nil); err != ErrNoProtocols {
		t.Fatalf("expected ErrNoProtocols, got %v", err)
	}
}
