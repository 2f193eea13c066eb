package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/otterscale/localup/internal/auth"
	"github.com/otterscale/localup/internal/proto"
)

// agentPingInterval is the cadence agents use to ping the relay from
// their side, independent of the relay's own 10s ping — agents ping to
// keep NATs open (spec §4.1: "used by agents to keep NATs open from
// their side on a 30 s cadence").
const agentPingInterval = 30 * time.Second

// runAgentControlLoop services the control stream for one session: it
// pings the relay on agentPingInterval, answers the relay's own Ping
// with Pong, answers ValidateAgentToken against validator (or always
// Ok if none is configured, matching agent.rs's no-jwt_secret
// behavior), and acknowledges Disconnect.
func runAgentControlLoop(ctx context.Context, framer *proto.Framer, validator *auth.Validator, log *slog.Logger) error {
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

	ticker := time.NewTicker(agentPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			if err := framer.WriteMessage(&proto.Ping{TimestampSecs: time.Now().Unix()}); err != nil {
				return err
			}
		case msg := <-msgCh:
			switch m := msg.(type) {
			case *proto.Ping:
				if err := framer.WriteMessage(&proto.Pong{TimestampSecs: m.TimestampSecs}); err != nil {
					return err
				}
			case *proto.Pong:
				// advisory only; no deadline tracked on this leg.
			case *proto.ValidateAgentToken:
				if err := respondValidateAgentToken(framer, validator, m); err != nil {
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

func respondValidateAgentToken(framer *proto.Framer, validator *auth.Validator, req *proto.ValidateAgentToken) error {
	if validator == nil || validator.Disabled() {
		return framer.WriteMessage(&proto.ValidateAgentTokenOk{})
	}
	if req.Token == "" {
		return framer.WriteMessage(&proto.ValidateAgentTokenReject{Reason: "Authentication failed: agent token is required"})
	}
	if _, err := validator.Validate(req.Token); err != nil {
		return framer.WriteMessage(&proto.ValidateAgentTokenReject{Reason: fmt.Sprintf("Authentication failed: invalid agent token: %v", err)})
	}
	return framer.WriteMessage(&proto.ValidateAgentTokenOk{})
}
