package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/otterscale/localup/internal/proto"
)

// errGracefulDisconnect signals the relay requested a clean shutdown.
var errGracefulDisconnect = errors.New("client: relay requested disconnect")

// runControlLoop services the control stream for the lifetime of one
// session: it replies to the relay's Ping with Pong carrying the same
// timestamp, and acknowledges a relay-initiated Disconnect. It never
// originates pings itself — the relay is the active pinger on this
// leg (spec §4.1); only agents ping the relay from their side.
//
// stopCh carries a locally requested shutdown (Client.Stop): on
// receipt the loop itself writes Disconnect on this same control
// stream and waits (bounded) for the relay's DisconnectAck, closing
// stoppedCh once the handshake finishes or times out. All writes to
// framer stay confined to this goroutine so a concurrent Stop() call
// never races a Ping/Pong exchange on the same stream.
func runControlLoop(ctx context.Context, framer *proto.Framer, stopCh <-chan string, stoppedCh chan<- struct{}, log *slog.Logger) error {
	msgCh := make(chan proto.Message)
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := framer.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			msgCh <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case reason := <-stopCh:
			_ = framer.WriteMessage(&proto.Disconnect{Reason: reason})
			return awaitDisconnectAck(ctx, msgCh, errCh, stoppedCh)
		case msg := <-msgCh:
			switch m := msg.(type) {
			case *proto.Ping:
				if err := framer.WriteMessage(&proto.Pong{TimestampSecs: m.TimestampSecs}); err != nil {
					return err
				}
			case *proto.Disconnect:
				_ = framer.WriteMessage(&proto.DisconnectAck{})
				time.Sleep(100 * time.Millisecond)
				return errGracefulDisconnect
			default:
				log.Debug("control loop: ignoring message", "type", msg.Kind())
			}
		}
	}
}

// awaitDisconnectAck waits up to 5s for the relay's DisconnectAck
// after we've sent our own Disconnect, then signals stoppedCh so a
// blocked Client.Stop can return.
func awaitDisconnectAck(ctx context.Context, msgCh <-chan proto.Message, errCh <-chan error, stoppedCh chan<- struct{}) error {
	defer close(stoppedCh)
	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timeout.C:
			return nil
		case err := <-errCh:
			return err
		case msg := <-msgCh:
			if _, ok := msg.(*proto.DisconnectAck); ok {
				return nil
			}
		}
	}
}
