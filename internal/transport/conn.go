package transport

import (
	"context"
	"io"
)

// Stream is one ordered, reliable, independently-closable byte
// stream multiplexed on a Conn. Implementations wrap either a QUIC
// stream or a yamux stream behind this one capability set (spec §9:
// "a tagged enum of concrete transports... preferred to open-world
// inheritance").
type Stream interface {
	io.ReadWriteCloser
	// ID returns the stream's opaque identifier, unique within its
	// owning Conn.
	ID() uint64
}

// Conn is one multiplexed session to a peer (relay<->client or
// relay<->agent). Exactly one Conn backs one logical tunnel or agent
// session (spec §4.1).
type Conn interface {
	// OpenStream opens a new outbound data stream.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream blocks until the peer opens a new stream.
	AcceptStream(ctx context.Context) (Stream, error)
	// Close tears down the whole session and every open stream.
	Close() error
	// RemoteAddr identifies the peer, used for logging/correlation.
	RemoteAddr() string
}

// Dialer connects to a relay/client/agent endpoint and returns a
// ready Conn.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Acceptor listens for inbound sessions and hands back one Conn per
// accepted session.
type Acceptor interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}
