package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/otterscale/localup/internal/proto"
	"github.com/otterscale/localup/internal/transport"
)

// reverseInitiatorHandler drives one reverse-tunnel initiator's
// control connection (spec §4.7): accept or reject the request, then
// spawn per-stream splicing for every ReverseConnect the initiator
// opens, pairing each with a fresh ForwardRequest on the target
// agent's connection.
//
// ReverseTunnelRequest carries no top-level auth_token in the wire
// schema (spec §4.1) — arriving at this state is treated as
// sufficient authorization for the initiator side; the agent_token
// carried through to ForwardRequest remains the agent's own
// authorization boundary, per §4.7.
type reverseInitiatorHandler struct {
	relay  *Relay
	conn   transport.Conn
	framer *proto.Framer
	peerIP string
	log    *slog.Logger

	tunnelID      string
	remoteAddress string
	agentToken    string
	agent         *AgentConn

	wg sync.WaitGroup
}

func newReverseInitiatorHandler(r *Relay, conn transport.Conn, framer *proto.Framer, peerIP string) *reverseInitiatorHandler {
	return &reverseInitiatorHandler{
		relay:  r,
		conn:   conn,
		framer: framer,
		peerIP: peerIP,
		log:    r.log.With("peer", peerIP),
	}
}

func (h *reverseInitiatorHandler) run(ctx context.Context, req *proto.ReverseTunnelRequest) error {
	h.tunnelID = req.TunnelID
	h.remoteAddress = req.RemoteAddress
	h.agentToken = req.AgentToken
	h.log = h.log.With("tunnel_id", h.tunnelID, "remote_address", h.remoteAddress)

	agent, ok := h.relay.conns.AgentByTarget(req.RemoteAddress)
	if !ok || agent.AgentID != req.AgentID {
		reason := fmt.Sprintf("No agent available for address: %s", req.RemoteAddress)
		_ = h.framer.WriteMessage(&proto.ReverseTunnelReject{Reason: reason})
		h.conn.Close()
		return fmt.Errorf("relay: reverse tunnel: %s", reason)
	}
	h.agent = agent

	if err := h.framer.WriteMessage(&proto.ReverseTunnelAccept{LocalAddress: "localhost:0"}); err != nil {
		h.conn.Close()
		return fmt.Errorf("relay: reverse tunnel: send accept: %w", err)
	}
	h.log.Info("reverse tunnel accepted")

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.acceptLoop(loopCtx)

	err := runActiveLoop(ctx, h.framer, h.log, func(proto.Message) (bool, error) { return false, nil })
	cancel()
	h.wg.Wait()
	h.conn.Close()

	switch {
	case errors.Is(err, errGracefulDisconnect):
		h.log.Info("reverse tunnel disconnected")
		return nil
	default:
		h.log.Info("reverse tunnel connection closed", "error", err)
		return err
	}
}

// acceptLoop accepts the data streams the initiator opens for every
// inbound connection on its local listener; each carries exactly one
// ReverseConnect.
func (h *reverseInitiatorHandler) acceptLoop(ctx context.Context) {
	for {
		stream, err := h.conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleReverseConnect(ctx, stream)
		}()
	}
}

func (h *reverseInitiatorHandler) handleReverseConnect(ctx context.Context, initiatorStream transport.Stream) {
	defer initiatorStream.Close()
	initiatorFramer := proto.NewFramer(initiatorStream)

	msg, err := initiatorFramer.ReadMessage()
	if err != nil {
		return
	}
	rc, ok := msg.(*proto.ReverseConnect)
	if !ok {
		return
	}
	if rc.TunnelID != h.tunnelID || rc.RemoteAddress != h.remoteAddress {
		_ = initiatorFramer.WriteMessage(&proto.ReverseClose{StreamID: rc.StreamID, Reason: "tunnel_id or remote_address mismatch"})
		return
	}

	agentStream, err := h.agent.Conn.OpenStream(ctx)
	if err != nil {
		_ = initiatorFramer.WriteMessage(&proto.ReverseClose{StreamID: rc.StreamID, Reason: "agent unreachable"})
		return
	}
	defer agentStream.Close()
	agentFramer := proto.NewFramer(agentStream)

	if err := agentFramer.WriteMessage(&proto.ForwardRequest{
		TunnelID:      rc.TunnelID,
		StreamID:      rc.StreamID,
		RemoteAddress: rc.RemoteAddress,
		AgentToken:    h.agentToken,
	}); err != nil {
		_ = initiatorFramer.WriteMessage(&proto.ReverseClose{StreamID: rc.StreamID, Reason: "agent unreachable"})
		return
	}

	reply, err := agentFramer.ReadMessage()
	if err != nil {
		_ = initiatorFramer.WriteMessage(&proto.ReverseClose{StreamID: rc.StreamID, Reason: "agent unreachable"})
		return
	}
	switch r := reply.(type) {
	case *proto.ForwardReject:
		_ = initiatorFramer.WriteMessage(&proto.ReverseClose{StreamID: rc.StreamID, Reason: r.Reason})
		return
	case *proto.ForwardAccept:
		// fall through to splice
	default:
		_ = initiatorFramer.WriteMessage(&proto.ReverseClose{StreamID: rc.StreamID, Reason: "protocol violation"})
		return
	}

	spliceReverse(rc.StreamID, initiatorFramer, agentFramer)
}

// spliceReverse bidirectionally relays ReverseData/ReverseClose frames
// between the initiator-side and agent-side streams for one logical
// inbound connection, until either side closes (spec §4.7's ordering
// guarantee: in-order within one stream_id, no cross-stream ordering).
func spliceReverse(streamID uint32, a, b *proto.Framer) {
	done := make(chan struct{}, 2)
	pump := func(src, dst *proto.Framer) {
		defer func() { done <- struct{}{} }()
		for {
			msg, err := src.ReadMessage()
			if err != nil {
				_ = dst.WriteMessage(&proto.ReverseClose{StreamID: streamID})
				return
			}
			switch m := msg.(type) {
			case *proto.ReverseData:
				if err := dst.WriteMessage(&proto.ReverseData{StreamID: streamID, Data: m.Data}); err != nil {
					return
				}
			case *proto.ReverseClose:
				_ = dst.WriteMessage(&proto.ReverseClose{StreamID: streamID, Reason: m.Reason})
				return
			default:
				return
			}
		}
	}
	go pump(a, b)
	go pump(b, a)
	<-done
}
