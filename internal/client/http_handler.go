package client

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/otterscale/localup/internal/metrics"
	"github.com/otterscale/localup/internal/proto"
)

// handleHTTPStream dials the local HTTP service, replays the already
// buffered request bytes, then bridges HttpStreamData frames against
// the raw local connection (spec §4.3, client side of S1).
func handleHTTPStream(ctx context.Context, framer *proto.Framer, localAddr string, connect *proto.HttpStreamConnect, m *metrics.Registry, log *slog.Logger) {
	var d net.Dialer
	upstream, err := d.DialContext(ctx, "tcp", localAddr)
	if err != nil {
		log.Warn("dial local service failed", "address", localAddr, "host", connect.Host, "error", err)
		framer.WriteMessage(&proto.HttpStreamClose{})
		return
	}
	defer upstream.Close()

	if len(connect.InitialData) > 0 {
		if _, err := upstream.Write(connect.InitialData); err != nil {
			return
		}
	}

	errc := make(chan error, 2)
	go func() { errc <- pumpStreamToLocal(framer, upstream, m) }()
	go func() { errc <- pumpLocalToStream(upstream, framer, m) }()
	<-errc
	upstream.Close()
	<-errc
}

func pumpStreamToLocal(framer *proto.Framer, conn net.Conn, m *metrics.Registry) error {
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

func pumpLocalToStream(conn net.Conn, framer *proto.Framer, m *metrics.Registry) error {
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
