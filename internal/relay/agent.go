package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/otterscale/localup/internal/proto"
	"github.com/otterscale/localup/internal/transport"
)

// agentHandler drives one reverse-tunnel agent's control connection:
// AuthCheck -> register into the connection manager -> Active
// (ping/pong/disconnect) -> Cleanup. Per spec §4.7 the agent's data
// streams are opened BY the relay (to carry ForwardRequest), so this
// handler never runs its own stream-accept loop — see reverse.go.
type agentHandler struct {
	relay  *Relay
	conn   transport.Conn
	framer *proto.Framer
	peerIP string
	log    *slog.Logger

	agentID string
}

func newAgentHandler(r *Relay, conn transport.Conn, framer *proto.Framer, peerIP string) *agentHandler {
	return &agentHandler{
		relay:  r,
		conn:   conn,
		framer: framer,
		peerIP: peerIP,
		log:    r.log.With("peer", peerIP),
	}
}

func (h *agentHandler) run(ctx context.Context, reg *proto.AgentRegister) error {
	h.agentID = reg.AgentID
	h.log = h.log.With("agent_id", h.agentID)

	if _, err := h.relay.validator.Validate(reg.AuthToken); err != nil {
		h.relay.metrics.HandshakeFailures.WithLabelValues("auth").Inc()
		h.reject("Authentication failed: " + err.Error())
		return fmt.Errorf("agent handler: auth: %w", err)
	}

	agentConn := &AgentConn{AgentID: h.agentID, TargetAddress: reg.TargetAddress, Conn: h.conn}
	h.relay.conns.RegisterAgent(agentConn)
	h.relay.metrics.ActiveAgents.Inc()
	h.log.Info("agent registered", "target_address", reg.TargetAddress)

	if err := h.framer.WriteMessage(&proto.AgentRegistered{AgentID: h.agentID}); err != nil {
		h.cleanup()
		return fmt.Errorf("agent handler: send agent_registered: %w", err)
	}

	err := runActiveLoop(ctx, h.framer, h.log, func(proto.Message) (bool, error) { return false, nil })
	h.cleanup()

	switch {
	case errors.Is(err, errGracefulDisconnect):
		h.log.Info("agent disconnected")
		return nil
	case errors.Is(err, errHeartbeatMissed):
		h.log.Warn("agent heartbeat missed")
		return err
	default:
		h.log.Info("agent connection closed", "error", err)
		return err
	}
}

func (h *agentHandler) reject(reason string) {
	_ = h.framer.WriteMessage(&proto.AgentRejected{Reason: reason})
	h.conn.Close()
}

func (h *agentHandler) cleanup() {
	h.relay.conns.UnregisterAgent(h.agentID)
	h.relay.metrics.ActiveAgents.Dec()
	h.conn.Close()
}
