package proto

import (
	"bytes"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	encoded, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return decoded
}

func TestRoundTripAllVariants(t *testing.T) {
	cases := []Message{
		&Connect{TunnelID: "t1", AuthToken: "tok", Protocols: []Protocol{{Kind: ProtocolHTTP, Subdomain: "hello"}}, Domain: "example.com"},
		&Connected{Endpoints: []Endpoint{{Protocol: "http", PublicURL: "https://hello.example.com"}}},
		&AgentRegister{AgentID: "a1", AuthToken: "tok", TargetAddress: "10.0.0.5:22"},
		&AgentRegistered{AgentID: "a1"},
		&AgentRejected{Reason: "bad token"},
		&Ping{TimestampSecs: 100},
		&Pong{TimestampSecs: 100},
		&Disconnect{Reason: "bye"},
		&DisconnectAck{},
		&HttpRequest{Method: "GET", URI: "/", Headers: map[string]string{"Host": "x"}, Body: []byte("hi")},
		&HttpResponse{Status: 200, Body: []byte("ok")},
		&HttpStreamConnect{Host: "hello.example.com", InitialData: []byte("GET / HTTP/1.1\r\n\r\n")},
		&HttpStreamData{Data: []byte("chunk")},
		&HttpStreamClose{},
		&TcpConnect{RemoteAddr: "1.2.3.4", RemotePort: 5555},
		&TcpData{Data: []byte{1, 2, 3}},
		&TcpClose{},
		&TlsConnect{SNI: "primary.db.example.com", ClientHelloBytes: []byte{0x16, 0x03, 0x01}},
		&TlsData{Data: []byte{9, 9}},
		&TlsClose{},
		&ReverseTunnelRequest{TunnelID: "t1", RemoteAddress: "10.0.0.5:22", AgentID: "a1"},
		&ReverseTunnelAccept{LocalAddress: "localhost:0"},
		&ReverseTunnelReject{Reason: "no agent available for address: 10.0.0.99:22"},
		&ReverseConnect{TunnelID: "t1", StreamID: 7, RemoteAddress: "10.0.0.5:22"},
		&ForwardRequest{TunnelID: "t1", StreamID: 7, RemoteAddress: "10.0.0.5:22", AgentToken: "atok"},
		&ForwardAccept{},
		&ForwardReject{Reason: "address mismatch"},
		&ReverseData{StreamID: 7, Data: []byte("payload")},
		&ReverseClose{StreamID: 7, Reason: "eof"},
		&ValidateAgentToken{Token: "tok"},
		&ValidateAgentTokenOk{},
		&ValidateAgentTokenReject{Reason: "expired"},
	}

	for _, m := range cases {
		t.Run(string(m.Kind()), func(t *testing.T) {
			got := roundTrip(t, m)
			if !reflect.DeepEqual(got, m) {
				t.Fatalf("round trip mismatch: got %#v, want %#v", got, m)
			}
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, err := Decode([]byte{0xa0}); err == nil {
		t.Fatal("expected error decoding empty envelope map (missing type)")
	}
}

func TestFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)

	msgs := []Message{
		&Ping{TimestampSecs: 1},
		&TcpData{Data: bytes.Repeat([]byte{0xAB}, 1000)},
		&DisconnectAck{},
	}
	for _, m := range msgs {
		if err := f.WriteMessage(m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, want := range msgs {
		got, err := f.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("frame round trip mismatch: got %#v, want %#v", got, want)
		}
	}
}

func TestFramerRejectsZeroLengthFrame(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)
	if err := f.WriteFrame(nil); err != ErrZeroLengthFrame {
		t.Fatalf("expected ErrZeroLengthFrame, got %v", err)
	}
}

func TestFramerRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)
	if err := f.WriteFrame(make([]byte, MaxFrameSize+1)); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
