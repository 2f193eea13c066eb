// Package tls implements the TLS-SNI passthrough ingress: it reads
// just enough of an incoming ClientHello to extract the SNI, routes
// on that, and splices the remaining encrypted bytes end-to-end
// without ever terminating the handshake itself.
package tls

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/otterscale/localup/internal/metrics"
	"github.com/otterscale/localup/internal/proto"
	"github.com/otterscale/localup/internal/registry"
	"github.com/otterscale/localup/internal/transport"
)

// maxClientHelloBytes bounds how much of the handshake record we will
// buffer while looking for the SNI extension.
const maxClientHelloBytes = 16 * 1024

// recordHeaderLen is the length of a TLS record header: content
// type (1), protocol version (2), length (2).
const recordHeaderLen = 5

// TunnelDialer opens a fresh data stream on the control connection
// owning tunnelID.
type TunnelDialer interface {
	OpenTunnelStream(ctx context.Context, tunnelID string) (transport.Stream, error)
}

// HTTPFallback handles a connection whose first bytes are not a TLS
// ClientHello, using plaintext HTTP Host routing instead (spec §9:
// "optional compatibility behavior, not a spec requirement"). It may
// be nil, in which case such connections are simply closed.
type HTTPFallback interface {
	HandleNonTLS(ctx context.Context, conn net.Conn, buffered []byte)
}

// Server is the TLS-SNI passthrough ingress listener.
type Server struct {
	ln       net.Listener
	registry *registry.Registry
	dialer   TunnelDialer
	fallback HTTPFallback
	metrics  *metrics.Registry
	log      *slog.Logger

	wg sync.WaitGroup
}

// New wraps an already-bound listener. fallback and m may be nil.
func New(ln net.Listener, reg *registry.Registry, dialer TunnelDialer, fallback HTTPFallback, m *metrics.Registry) *Server {
	return &Server{
		ln:       ln,
		registry: reg,
		dialer:   dialer,
		fallback: fallback,
		metrics:  m,
		log:      slog.Default().With("component", "ingress-tls"),
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
			return fmt.Errorf("ingress/tls: accept: %w", err)
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

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop(_ context.Context) error {
	s.ln.Close()
	s.wg.Wait()
	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	clientHello, sni, err := readClientHello(conn)
	if err != nil {
		if s.fallback != nil {
			s.fallback.HandleNonTLS(ctx, conn, clientHello)
			return
		}
		s.log.Debug("failed to read ClientHello", "error", err)
		return
	}

	target, ok := s.registry.Lookup(registry.TlsSni(sni))
	if !ok {
		s.log.Debug("no route for sni", "sni", sni)
		return
	}

	tunnelID, ok := registry.IsTunnelRoute(target.TargetAddr)
	if !ok {
		s.spliceDirect(conn, target.TargetAddr, clientHello)
		return
	}

	stream, err := s.dialer.OpenTunnelStream(ctx, tunnelID)
	if err != nil {
		s.log.Warn("open tunnel stream failed", "tunnel_id", tunnelID, "error", err)
		return
	}
	defer stream.Close()

	framer := proto.NewFramer(stream)
	if err := framer.WriteMessage(&proto.TlsConnect{SNI: sni, ClientHelloBytes: clientHello}); err != nil {
		s.log.Warn("write tls_connect failed", "error", err)
		return
	}

	errc := make(chan error, 2)
	go func() { errc <- pumpConnToStream(conn, framer, s.metrics) }()
	go func() { errc <- pumpStreamToConn(framer, conn, s.metrics) }()
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
			if werr := framer.WriteMessage(&proto.TlsData{Data: append([]byte(nil), buf[:n]...)}); werr != nil {
				return werr
			}
			addBytes(m, "in", n)
		}
		if err != nil {
			framer.WriteMessage(&proto.TlsClose{})
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
		case *proto.TlsData:
			n, err := conn.Write(mm.Data)
			if err != nil {
				return err
			}
			addBytes(m, "out", n)
		case *proto.TlsClose:
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

func (s *Server) spliceDirect(conn net.Conn, addr string, initial []byte) {
	upstream, err := net.Dial("tcp", addr)
	if err != nil {
		s.log.Warn("direct dial failed", "address", addr, "error", err)
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

// readClientHello reads a single TLS record containing a ClientHello
// handshake message, returning the raw bytes read (so the caller can
// replay them verbatim) and the SNI extracted from the
// server_name extension. If the first byte is not a TLS handshake
// record (content type 0x16), it returns whatever was buffered so a
// caller may attempt the optional HTTP fallback.
func readClientHello(conn net.Conn) (raw []byte, sni string, err error) {
	var acc bytes.Buffer
	chunk := make([]byte, 4096)

	for acc.Len() < recordHeaderLen {
		n, rerr := conn.Read(chunk)
		if n > 0 {
			acc.Write(chunk[:n])
		}
		if rerr != nil {
			return acc.Bytes(), "", rerr
		}
	}

	header := acc.Bytes()[:recordHeaderLen]
	if header[0] != 0x16 {
		return acc.Bytes(), "", fmt.Errorf("ingress/tls: not a TLS handshake record (type=%#x)", header[0])
	}
	recordLen := int(binary.BigEndian.Uint16(header[3:5]))
	total := recordHeaderLen + recordLen

	for acc.Len() < total {
		if acc.Len() > maxClientHelloBytes {
			return acc.Bytes(), "", fmt.Errorf("ingress/tls: ClientHello exceeds %d bytes", maxClientHelloBytes)
		}
		n, rerr := conn.Read(chunk)
		if n > 0 {
			acc.Write(chunk[:n])
		}
		if rerr != nil {
			return acc.Bytes(), "", rerr
		}
	}

	raw = acc.Bytes()
	sni, err = parseSNI(raw[recordHeaderLen:total])
	if err != nil {
		return raw, "", err
	}
	return raw, sni, nil
}

// parseSNI extracts the server_name extension's host_name entry from
// a ClientHello handshake message body (everything after the TLS
// record header).
func parseSNI(hs []byte) (string, error) {
	if len(hs) < 4 || hs[0] != 0x01 { // handshake type 1 = ClientHello
		return "", fmt.Errorf("ingress/tls: not a ClientHello handshake message")
	}
	body := hs[4:] // skip handshake header: type(1) + length(3)

	pos := 0
	// client_version(2) + random(32)
	pos += 2 + 32
	if pos > len(body) {
		return "", fmt.Errorf("ingress/tls: truncated ClientHello")
	}

	pos, err := skipLenPrefixed8(body, pos) // session_id
	if err != nil {
		return "", err
	}
	pos, err = skipLenPrefixed16(body, pos) // cipher_suites
	if err != nil {
		return "", err
	}
	pos, err = skipLenPrefixed8(body, pos) // compression_methods
	if err != nil {
		return "", err
	}

	if pos+2 > len(body) {
		return "", fmt.Errorf("ingress/tls: no extensions present")
	}
	extsLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	extsEnd := pos + extsLen
	if extsEnd > len(body) {
		return "", fmt.Errorf("ingress/tls: truncated extensions block")
	}

	for pos+4 <= extsEnd {
		extType := binary.BigEndian.Uint16(body[pos : pos+2])
		extLen := int(binary.BigEndian.Uint16(body[pos+2 : pos+4]))
		pos += 4
		if pos+extLen > extsEnd {
			return "", fmt.Errorf("ingress/tls: truncated extension body")
		}
		extBody := body[pos : pos+extLen]
		if extType == 0 { // server_name
			name, err := parseServerNameExtension(extBody)
			if err != nil {
				return "", err
			}
			return name, nil
		}
		pos += extLen
	}

	return "", fmt.Errorf("ingress/tls: ClientHello has no server_name extension")
}

func parseServerNameExtension(ext []byte) (string, error) {
	if len(ext) < 2 {
		return "", fmt.Errorf("ingress/tls: truncated server_name extension")
	}
	listLen := int(binary.BigEndian.Uint16(ext[:2]))
	pos := 2
	end := pos + listLen
	if end > len(ext) {
		end = len(ext)
	}
	for pos+3 <= end {
		nameType := ext[pos]
		nameLen := int(binary.BigEndian.Uint16(ext[pos+1 : pos+3]))
		pos += 3
		if pos+nameLen > len(ext) {
			return "", fmt.Errorf("ingress/tls: truncated server name entry")
		}
		if nameType == 0 { // host_name
			return string(ext[pos : pos+nameLen]), nil
		}
		pos += nameLen
	}
	return "", fmt.Errorf("ingress/tls: no host_name entry in server_name extension")
}

func skipLenPrefixed8(body []byte, pos int) (int, error) {
	if pos+1 > len(body) {
		return 0, fmt.Errorf("ingress/tls: truncated ClientHello")
	}
	n := int(body[pos])
	pos++
	if pos+n > len(body) {
		return 0, fmt.Errorf("ingress/tls: truncated ClientHello")
	}
	return pos + n, nil
}

func skipLenPrefixed16(body []byte, pos int) (int, error) {
	if pos+2 > len(body) {
		return 0, fmt.Errorf("ingress/tls: truncated ClientHello")
	}
	n := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if pos+n > len(body) {
		return 0, fmt.Errorf("ingress/tls: truncated ClientHello")
	}
	return pos + n, nil
}
