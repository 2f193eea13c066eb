// Package http implements the plaintext HTTP Host-router ingress:
// the public-facing listener that extracts the Host header from each
// incoming connection and splices it onto the owning tunnel.
package http

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"

	"github.com/otterscale/localup/internal/metrics"
	"github.com/otterscale/localup/internal/proto"
	"github.com/otterscale/localup/internal/registry"
	"github.com/otterscale/localup/internal/transport"
)

// maxHeaderBytes is the scratch buffer limit while scanning for a
// complete request line + headers.
const maxHeaderBytes = 16 * 1024

// TunnelDialer opens a fresh data stream on the control connection
// owning tunnelID.
type TunnelDialer interface {
	OpenTunnelStream(ctx context.Context, tunnelID string) (transport.Stream, error)
}

// Server is the HTTP ingress listener.
type Server struct {
	ln       net.Listener
	registry *registry.Registry
	dialer   TunnelDialer
	metrics  *metrics.Registry
	log      *slog.Logger

	wg sync.WaitGroup
}

// New wraps an already-bound listener. Use for both the plaintext
// HTTP port and (after a caller performs TLS termination) the HTTPS
// port, since routing past the Host header is identical either way.
// m may be nil, in which case byte counts are simply not recorded.
func New(ln net.Listener, reg *registry.Registry, dialer TunnelDialer, m *metrics.Registry) *Server {
	return &Server{
		ln:       ln,
		registry: reg,
		dialer:   dialer,
		metrics:  m,
		log:      slog.Default().With("component", "ingress-http"),
	}
}

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("starting", "address", s.ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("ingress/http: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}

	s.wg.Wait()
	return nil
}

// Stop closes the listener and waits for in-flight connections to
// finish being handled.
func (s *Server) Stop(_ context.Context) error {
	s.ln.Close()
	s.wg.Wait()
	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peerIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	buf, host, err := readRequestHeaders(conn)
	if err != nil {
		s.log.Debug("failed to read request headers", "error", err, "peer", peerIP)
		return
	}

	target, ok := s.registry.Lookup(registry.HttpHost(host))
	if !ok {
		writeStatus(conn, 404, "not found")
		return
	}
	if target.IPFilter != nil && !target.IPFilter(peerIP) {
		writeStatus(conn, 403, "forbidden")
		return
	}

	if tunnelID, ok := registry.IsTunnelRoute(target.TargetAddr); ok {
		s.spliceToTunnel(ctx, conn, tunnelID, host, buf)
		return
	}
	s.spliceDirect(conn, target.TargetAddr, buf)
}

// spliceToTunnel opens a new data stream on the owning tunnel, sends
// HttpStreamConnect with the already-read bytes as initial_data, then
// bridges HttpStreamData frames against the raw connection until
// either side signals close.
func (s *Server) spliceToTunnel(ctx context.Context, conn net.Conn, tunnelID, host string, initial []byte) {
	stream, err := s.dialer.OpenTunnelStream(ctx, tunnelID)
	if err != nil {
		s.log.Warn("open tunnel stream failed", "tunnel_id", tunnelID, "error", err)
		writeStatus(conn, 502, "bad gateway")
		return
	}
	defer stream.Close()

	framer := proto.NewFramer(stream)
	if err := framer.WriteMessage(&proto.HttpStreamConnect{Host: host, InitialData: initial}); err != nil {
		s.log.Warn("write http_stream_connect failed", "error", err)
		return
	}

	errc := make(chan error, 2)
	go func() {
		errc <- pumpConnToStream(conn, framer, s.metrics)
	}()
	go func() {
		errc <- pumpStreamToConn(framer, conn, s.metrics)
	}()
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
			if werr := framer.WriteMessage(&proto.HttpStreamData{Data: append([]byte(nil), buf[:n]...)}); werr != nil {
				return werr
			}
			addBytes(m, "in", n)
		}
		if err != nil {
			framer.WriteMessage(&proto.HttpStreamClose{})
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
		case *proto.HttpStreamData:
			n, err := conn.Write(mm.Data)
			if err != nil {
				return err
			}
			addBytes(m, "out", n)
		case *proto.HttpStreamClose:
			return io.EOF
		}
	}
}

// addBytes is a nil-safe increment of the relay's bytes-forwarded
// counter; m is nil whenever a Server is built without a metrics
// registry (e.g. in tests).
func addBytes(m *metrics.Registry, direction string, n int) {
	if m == nil {
		return
	}
	m.BytesForwarded.WithLabelValues(direction).Add(float64(n))
}

// spliceDirect implements the legacy direct mode: target_addr is a
// literal host:port, dialed and spliced without a tunnel.
func (s *Server) spliceDirect(conn net.Conn, addr string, initial []byte) {
	upstream, err := net.Dial("tcp", addr)
	if err != nil {
		s.log.Warn("direct dial failed", "address", addr, "error", err)
		writeStatus(conn, 502, "bad gateway")
		return
	}
	defer upstream.Close()

	if len(initial) > 0 {
		if _, err := upstream.Write(initial); err != nil {
			return
		}
	}

	errc := make(chan error, 2)
	go func() { _, err := io.Copy(upstream, conn); errc <- err }()
	go func() { _, err := io.Copy(conn, upstream); errc <- err }()
	<-errc
	conn.Close()
	upstream.Close()
	<-errc
}

func writeStatus(w io.Writer, status int, text string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", status, text)
}

// readRequestHeaders reads from conn until a complete request line
// plus header block (terminated by a blank line) has been observed,
// or maxHeaderBytes is exceeded. It returns the raw bytes read (the
// caller replays them verbatim as initial_data) and the extracted,
// port-stripped, lower-cased Host header value.
func readRequestHeaders(conn net.Conn) (raw []byte, host string, err error) {
	var acc bytes.Buffer
	chunk := make([]byte, 4096)

	for {
		n, rerr := conn.Read(chunk)
		if n > 0 {
			acc.Write(chunk[:n])
		}
		if idx := bytes.Index(acc.Bytes(), []byte("\r\n\r\n")); idx >= 0 {
			raw = acc.Bytes()
			break
		}
		if acc.Len() > maxHeaderBytes {
			return nil, "", fmt.Errorf("ingress/http: header block exceeds %d bytes", maxHeaderBytes)
		}
		if rerr != nil {
			return nil, "", rerr
		}
	}

	host, err = extractHost(raw)
	if err != nil {
		return nil, "", err
	}
	return raw, host, nil
}

func extractHost(raw []byte) (string, error) {
	tpReader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	if _, err := tpReader.ReadLine(); err != nil { // request line
		return "", fmt.Errorf("ingress/http: read request line: %w", err)
	}
	headers, err := tpReader.ReadMIMEHeader()
	// ReadMIMEHeader returns an error once it hits the end of what we
	// captured (the body, if any, was not included); headers parsed
	// so far are still usable.
	if err != nil && len(headers) == 0 {
		return "", fmt.Errorf("ingress/http: read headers: %w", err)
	}
	host := headers.Get("Host")
	if host == "" {
		return "", fmt.Errorf("ingress/http: missing Host header")
	}
	host = strings.ToLower(host)
	if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
		host = h
	}
	return host, nil
}
