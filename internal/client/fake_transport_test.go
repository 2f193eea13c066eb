package client

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/otterscale/localup/internal/transport"
)

type pipeStream struct{ net.Conn }

func (p pipeStream) ID() uint64 { return 0 }

// fakeConn is a pair-wise in-memory transport.Conn, mirroring the
// technique used to exercise internal/relay without a real transport
// backend.
type fakeConn struct {
	self      chan net.Conn
	peer      chan net.Conn
	addr      string
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConnPair(aAddr, bAddr string) (*fakeConn, *fakeConn) {
	ab := make(chan net.Conn, 16)
	ba := make(chan net.Conn, 16)
	a := &fakeConn{self: ba, peer: ab, addr: aAddr, closed: make(chan struct{})}
	b := &fakeConn{self: ab, peer: ba, addr: bAddr, closed: make(chan struct{})}
	return a, b
}

func (c *fakeConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	server, client := net.Pipe()
	select {
	case c.peer <- server:
		return pipeStream{client}, nil
	case <-c.closed:
		return nil, errors.New("fakeConn: closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case conn := <-c.self:
		return pipeStream{conn}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("fakeConn: closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

// fakeDialer hands back one pre-built transport.Conn, ignoring addr.
type fakeDialer struct {
	conn transport.Conn
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	return d.conn, nil
}
