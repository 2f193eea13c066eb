// Package quic implements the primary control transport backend
// (spec §4.1) on top of github.com/quic-go/quic-go: one quic.Connection
// per tunnel/agent session, streams map 1:1 onto QUIC streams.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"

	quicgo "github.com/quic-go/quic-go"

	"github.com/otterscale/localup/internal/transport"
)

// ALPN identifies this protocol during the QUIC/TLS handshake.
const ALPN = "localup/1"

// stream adapts a *quicgo.Stream to transport.Stream.
type stream struct {
	*quicgo.Stream
}

func (s stream) ID() uint64 { return uint64(s.Stream.StreamID()) }

// conn adapts a *quicgo.Conn to transport.Conn.
type conn struct {
	c *quicgo.Conn
}

func (c *conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.c.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic: open stream: %w", err)
	}
	return stream{s}, nil
}

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.c.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic: accept stream: %w", err)
	}
	return stream{s}, nil
}

func (c *conn) Close() error {
	return c.c.CloseWithError(0, "closed")
}

func (c *conn) RemoteAddr() string {
	return c.c.RemoteAddr().String()
}

// Dialer connects to a relay's QUIC control-plane port.
type Dialer struct {
	TLSConfig *tls.Config
}

// Dial establishes a new QUIC session to addr.
func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	cfg := d.TLSConfig.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{ALPN}
	}
	c, err := quicgo.DialAddr(ctx, addr, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("quic: dial %s: %w", addr, err)
	}
	return &conn{c: c}, nil
}

// Listener accepts inbound QUIC sessions on the relay's control port.
type Listener struct {
	ln *quicgo.Listener
}

// Listen binds addr and returns a ready Listener.
func Listen(addr string, tlsConfig *tls.Config) (*Listener, error) {
	cfg := tlsConfig.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{ALPN}
	}
	ln, err := quicgo.ListenAddr(addr, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("quic: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	c, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic: accept: %w", err)
	}
	return &conn{c: c}, nil
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}
