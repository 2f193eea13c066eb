package client

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/otterscale/localup/internal/metrics"
	"github.com/otterscale/localup/internal/proto"
)

// handleTCPStream dials the local TCP service and bridges TcpData
// frames against the raw local connection (spec §4.5).
func handleTCPStream(ctx context.Context, framer *proto.Framer, localAddr string, m *metrics.Registry, log *slog.Logger) {
	var d net.Dialer
	upstream, err := d.DialContext(ctx, "tcp", localAddr)
	if err != nil {
		log.Warn("dial local service failed", "address", localAddr, "error", err)
		framer.WriteMessage(&proto.TcpClose{})
		return
	}
	defer upstream.Close()

	errc := make(chan error, 2)
	go func() { errc <- pumpTCPStreamToLocal(framer, upstream, m) }()
	go func() { errc <- pumpTCPLocalToStream(upstream, framer, m) }()
	<-errc
	upstream.Close()
	<-errc
}

func pumpTCPStreamToLocal(framer *proto.Framer, conn net.Conn, m *metrics.Registry) error {
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

func pumpTCPLocalToStream(conn net.Conn, framer *proto.Framer, m *metrics.Registry) error {
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
