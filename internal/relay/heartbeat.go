package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/otterscale/localup/internal/proto"
)

// pingInterval and pongDeadline implement spec §4.1: the relay is the
// active pinger on every tunnel/agent control stream.
const (
	pingInterval = 10 * time.Second
	pongDeadline = 5 * time.Second
)

// errHeartbeatMissed is returned by runActiveLoop when a Pong isn't
// observed within pongDeadline of its Ping.
var errHeartbeatMissed = errors.New("relay: heartbeat missed")

// errGracefulDisconnect is returned by runActiveLoop after it has
// acked a peer-initiated Disconnect.
var errGracefulDisconnect = errors.New("relay: peer disconnected gracefully")

// messageReader runs Framer.ReadMessage in a loop on its own
// goroutine and publishes results on channels, so runActiveLoop can
// select over ticks, timers, and incoming messages in one place — the
// Go shape of the original's tokio::select! heartbeat loop.
type messageReader struct {
	msgCh chan proto.Message
	errCh chan error
}

func newMessageReader(framer *proto.Framer) *messageReader {
	r := &messageReader{
		msgCh: make(chan proto.Message),
		errCh: make(chan error, 1),
	}
	go func() {
		for {
			msg, err := framer.ReadMessage()
			if err != nil {
				r.errCh <- err
				return
			}
			r.msgCh <- msg
		}
	}()
	return r
}

// runActiveLoop drives the Active-state ping/pong/disconnect protocol
// shared by tunnel, agent, and reverse-initiator control connections.
// handle is invoked for every message that isn't itself part of the
// heartbeat/disconnect handshake; it returns (done, err) to end the
// loop early.
func runActiveLoop(ctx context.Context, framer *proto.Framer, log *slog.Logger, handle func(proto.Message) (bool, error)) error {
	reader := newMessageReader(framer)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var pongTimer *time.Timer
	awaitingPong := false

	for {
		var pongC <-chan time.Time
		if pongTimer != nil {
			pongC = pongTimer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if awaitingPong {
				log.Warn("heartbeat missed")
				return errHeartbeatMissed
			}
			if err := framer.WriteMessage(&proto.Ping{TimestampSecs: time.Now().Unix()}); err != nil {
				return err
			}
			awaitingPong = true
			pongTimer = time.NewTimer(pongDeadline)

		case <-pongC:
			log.Warn("pong deadline exceeded")
			return errHeartbeatMissed

		case err := <-reader.errCh:
			return err

		case msg := <-reader.msgCh:
			switch m := msg.(type) {
			case *proto.Pong:
				awaitingPong = false
				if pongTimer != nil {
					pongTimer.Stop()
					pongTimer = nil
				}
			case *proto.Ping:
				if err := framer.WriteMessage(&proto.Pong{TimestampSecs: m.TimestampSecs}); err != nil {
					return err
				}
			case *proto.Disconnect:
				_ = framer.WriteMessage(&proto.DisconnectAck{})
				time.Sleep(100 * time.Millisecond)
				return errGracefulDisconnect
			default:
				if done, err := handle(msg); err != nil || done {
					return err
				}
			}
		}
	}
}
