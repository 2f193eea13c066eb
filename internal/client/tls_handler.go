package client

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/otterscale/localup/internal/metrics"
	"github.com/otterscale/localup/internal/proto"
)

// handleTLSStream dials the local TLS endpoint, replays the captured
// ClientHello bytes so the local service completes its own TLS
// handshake, then bridges TlsData frames raw — the relay never saw
// plaintext and neither do we beyond what the local service produces
// (spec §4.4, S6).
func handleTLSStream(ctx context.Context, framer *proto.Framer, localAddr string, connect *proto.TlsConnect, m *metrics.Registry, log *slog.Logger) {
	var d net.Dialer
	upstream, err := d.DialContext(ctx, "tcp", localAddr)
	if err != nil {
		log.Warn("dial local TLS service failed", "address", localAddr, "sni", connect.SNI, "error", err)
		framer.WriteMessage(&proto.TlsClose{})
		return
	}
	defer upstream.Close()

	if len(connect.ClientHelloBytes) > 0 {
		if _, err := upstream.Write(connect.ClientHelloBytes); err != nil {
			return
		}
	}

	errc := make(chan error, 2)
	go func() { errc <- pumpTLSStreamToLocal(framer, upstream, m) }()
	go func() { errc <- pumpTLSLocalToStream(upstream, framer, m) }()
	<-errc
	upstream.Close()
	<-errc
}

func pumpTLSStreamToLocal(framer *proto.Framer, conn net.Conn, m *metrics.Registry) error {
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

func pumpTLSLocalToStream(conn net.Conn, framer *proto.Framer, m *metrics.Registry) error {
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
