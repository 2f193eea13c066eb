// Package yamux implements the fallback control transport backend
// (spec §4.1) used when the /_localup/transports discovery handshake
// reports QUIC is unreachable: a plain tls.Conn multiplexed with
// github.com/hashicorp/yamux, playing the same multiplexed-stream role
// an HTTP/2 fallback would with a far smaller Go surface to drive
// directly.
package yamux

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	hyamux "github.com/hashicorp/yamux"

	"github.com/otterscale/localup/internal/transport"
)

// stream adapts a *hyamux.Stream to transport.Stream.
type stream struct {
	*hyamux.Stream
}

func (s stream) ID() uint64 { return uint64(s.Stream.StreamID()) }

// conn adapts a *hyamux.Session to transport.Conn.
type conn struct {
	sess *hyamux.Session
	addr string
}

func (c *conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.sess.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("yamux: open stream: %w", err)
	}
	return stream{s}, nil
}

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.sess.AcceptStream()
	if err != nil {
		return nil, fmt.Errorf("yamux: accept stream: %w", err)
	}
	return stream{s}, nil
}

func (c *conn) Close() error {
	return c.sess.Close()
}

func (c *conn) RemoteAddr() string {
	return c.addr
}

// Dialer connects to a relay's TLS fallback control port and wraps
// the resulting connection in a yamux client session.
type Dialer struct {
	TLSConfig *tls.Config
}

func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	dialer := &tls.Dialer{Config: d.TLSConfig}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("yamux: dial %s: %w", addr, err)
	}
	sess, err := hyamux.Client(tcpConn, hyamux.DefaultConfig())
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("yamux: client handshake: %w", err)
	}
	return &conn{sess: sess, addr: addr}, nil
}

// Listener accepts inbound TLS connections and wraps each in a yamux
// server session.
type Listener struct {
	ln net.Listener
}

// Listen binds addr with tlsConfig and returns a ready Listener.
func Listen(addr string, tlsConfig *tls.Config) (*Listener, error) {
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("yamux: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	tcpConn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("yamux: accept: %w", err)
	}
	sess, err := hyamux.Server(tcpConn, hyamux.DefaultConfig())
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("yamux: server handshake: %w", err)
	}
	return &conn{sess: sess, addr: tcpConn.RemoteAddr().String()}, nil
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}
