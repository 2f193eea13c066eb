// Package tcp implements the per-tunnel TCP proxy: a dedicated
// listener bound to the tunnel's allocated port, splicing every
// accepted connection onto a fresh data stream on the owning tunnel.
package tcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/otterscale/localup/internal/metrics"
	"github.com/otterscale/localup/internal/proto"
	"github.com/otterscale/localup/internal/transport"
)

// TunnelDialer opens a fresh data stream on the control connection
// owning tunnelID.
type TunnelDialer interface {
	OpenTunnelStream(ctx context.Context, tunnelID string) (transport.Stream, error)
}

// Listener is one per-tunnel TCP proxy. The tunnel handler owns its
// lifetime: it is created when the tunnel registers a Tcp endpoint
// and torn down (via Stop) when the tunnel disconnects.
type Listener struct {
	ln       net.Listener
	tunnelID string
	dialer   TunnelDialer
	metrics  *metrics.Registry
	log      *slog.Logger

	wg sync.WaitGroup
}

// New wraps an already-bound listener, dedicated to tunnelID. m may
// be nil, in which case byte counts are simply not recorded.
func New(ln net.Listener, tunnelID string, dialer TunnelDialer, m *metrics.Registry) *Listener {
	return &Listener{
		ln:       ln,
		tunnelID: tunnelID,
		dialer:   dialer,
		metrics:  m,
		log:      slog.Default().With("component", "ingress-tcp", "tunnel_id", tunnelID),
	}
}

// Port returns the TCP port this proxy is bound to.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Start accepts connections until ctx is cancelled or the tunnel
// disconnects and the owning handler calls Stop.
func (l *Listener) Start(ctx context.Context) error {
	l.log.Info("starting", "address", l.ln.Addr().String())

	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("ingress/tcp: accept: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}

	l.wg.Wait()
	return nil
}

// Stop closes the listener and waits for in-flight connections to
// finish, aborting the accept loop. Called by the tunnel handler on
// disconnect (spec §4.5: "the handler tracks the task's join handle
// and aborts it").
func (l *Listener) Stop(_ context.Context) error {
	l.ln.Close()
	l.wg.Wait()
	return nil
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteHost, remotePortStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	var remotePort int
	fmt.Sscanf(remotePortStr, "%d", &remotePort)

	stream, err := l.dialer.OpenTunnelStream(ctx, l.tunnelID)
	if err != nil {
		l.log.Warn("open tunnel stream failed", "error", err)
		return
	}
	defer stream.Close()

	framer := proto.NewFramer(stream)
	if err := framer.WriteMessage(&proto.TcpConnect{RemoteAddr: remoteHost, RemotePort: remotePort}); err != nil {
		l.log.Warn("write tcp_connect failed", "error", err)
		return
	}

	errc := make(chan error, 2)
	go func() { errc <- pumpConnToStream(conn, framer, l.metrics) }()
	go func() { errc <- pumpStreamToConn(framer, conn, l.metrics) }()
	<-errc
	conn.Close()
	stream.Close()
	<-errc
}

func pumpConnToStream(conn net.Conn, framer *proto.Framer, m *metrics.Registry) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := framer.WriteMessage(&proto.TcpData{Data: append([]byte(nil), buf[:n]...)}); werr != nil {
				return werr
			}
			addBytes(m, "in", n)
		}
		if err != nil {
			framer.WriteMessage(&proto.TcpClose{})
			return err
		}
	}
}

func pumpStreamToConn(framer *proto.Framer, conn net.Conn, m *metrics.Registry) error {
	for {
		msg, err := framer.ReadMessage()
		if err != nil {
			return err
		}
		switch mm := msg.(type) {
		case *proto.TcpData:
			n, err := conn.Write(mm.Data)
			if err != nil {
				return err
			}
			addBytes(m, "out", n)
		case *proto.TcpClose:
			return io.EOF
		}
	}
}

// addBytes is a nil-safe increment of the relay's bytes-forwarded
// counter; m is nil whenever a Listener is built without a metrics
// registry (e.g. in tests).
func addBytes(m *metrics.Registry, direction string, n int) {
	if m == nil {
		return
	}
	m.BytesForwarded.WithLabelValues(direction).Add(float64(n))
}
