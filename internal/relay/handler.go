package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/otterscale/localup/internal/ingress/tcp"
	"github.com/otterscale/localup/internal/proto"
	"github.com/otterscale/localup/internal/registry"
	"github.com/otterscale/localup/internal/transport"
)

// rejectReason is a message-only error whose text is sent verbatim as
// Disconnect.Reason — the wire protocol demands exact, distinguishable
// strings (spec §4.6), so this stays separate from the internal
// core.ErrorCode taxonomy used for logging/classification.
type rejectReason string

func (e rejectReason) Error() string { return string(e) }

// tunnelHandler drives one client tunnel's control connection through
// AwaitFirstMessage -> AuthCheck -> RouteRegister -> Active ->
// Terminate -> Cleanup (spec §4.6).
type tunnelHandler struct {
	relay  *Relay
	conn   transport.Conn
	framer *proto.Framer
	peerIP string
	log    *slog.Logger

	tunnelID string

	routeKeys    []registry.RouteKey
	wildcardKeys []registry.WildcardPattern
	portKeys     []string
	tcpListeners []*tcp.Listener
}

func newTunnelHandler(r *Relay, conn transport.Conn, framer *proto.Framer, peerIP string) *tunnelHandler {
	return &tunnelHandler{
		relay:  r,
		conn:   conn,
		framer: framer,
		peerIP: peerIP,
		log:    r.log.With("peer", peerIP),
	}
}

func (h *tunnelHandler) run(ctx context.Context, connect *proto.Connect) error {
	h.tunnelID = connect.TunnelID
	h.log = h.log.With("tunnel_id", h.tunnelID)

	claims, err := h.relay.validator.Validate(connect.AuthToken)
	if err != nil {
		h.relay.metrics.HandshakeFailures.WithLabelValues("auth").Inc()
		h.reject("Authentication failed: " + err.Error())
		return fmt.Errorf("tunnel handler: auth: %w", err)
	}

	domain := connect.Domain
	if domain == "" {
		domain = h.relay.domain
	}

	endpoints, err := h.registerProtocols(connect.Protocols, domain)
	if err != nil {
		h.relay.metrics.RouteConflicts.Inc()
		h.reject(err.Error())
		return fmt.Errorf("tunnel handler: register: %w", err)
	}

	h.relay.conns.RegisterTunnel(h.tunnelID, h.conn)
	h.relay.metrics.ActiveTunnels.Inc()
	h.log.Info("tunnel registered", "user_id", claims.UserID, "endpoints", len(endpoints))

	if err := h.framer.WriteMessage(&proto.Connected{Endpoints: endpoints}); err != nil {
		h.cleanup()
		return fmt.Errorf("tunnel handler: send connected: %w", err)
	}

	err = runActiveLoop(ctx, h.framer, h.log, func(proto.Message) (bool, error) { return false, nil })
	h.cleanup()
	return h.classifyExit(err)
}

func (h *tunnelHandler) classifyExit(err error) error {
	switch {
	case errors.Is(err, errGracefulDisconnect):
		h.log.Info("tunnel disconnected")
		return nil
	case errors.Is(err, errHeartbeatMissed):
		h.log.Warn("tunnel heartbeat missed")
		return err
	default:
		h.log.Info("tunnel connection closed", "error", err)
		return err
	}
}

func (h *tunnelHandler) reject(reason string) {
	_ = h.framer.WriteMessage(&proto.Disconnect{Reason: reason})
	h.conn.Close()
}

func (h *tunnelHandler) cleanup() {
	h.relay.conns.UnregisterTunnel(h.tunnelID)
	h.relay.metrics.ActiveTunnels.Dec()
	for _, l := range h.tcpListeners {
		_ = l.Stop(context.Background())
	}
	for _, k := range h.routeKeys {
		h.relay.registry.Unregister(k)
	}
	for _, w := range h.wildcardKeys {
		h.relay.registry.UnregisterWildcard(w)
	}
	for _, pk := range h.portKeys {
		h.relay.ports.Deallocate(pk)
	}
	h.conn.Close()
}

// registerProtocols builds and registers the endpoint for every
// requested Protocol, rolling back everything registered so far the
// moment one fails (spec §4.6: "Do NOT partially register").
func (h *tunnelHandler) registerProtocols(protocols []proto.Protocol, domain string) ([]proto.Endpoint, error) {
	rollback := func() {
		for _, l := range h.tcpListeners {
			_ = l.Stop(context.Background())
		}
		h.tcpListeners = nil
		for _, k := range h.routeKeys {
			h.relay.registry.Unregister(k)
		}
		for _, w := range h.wildcardKeys {
			h.relay.registry.UnregisterWildcard(w)
		}
		for _, pk := range h.portKeys {
			h.relay.ports.Deallocate(pk)
		}
		h.routeKeys, h.wildcardKeys, h.portKeys = nil, nil, nil
	}

	var endpoints []proto.Endpoint
	for idx, p := range protocols {
		switch p.Kind {
		case proto.ProtocolHTTP, proto.ProtocolHTTPS:
			ep, err := h.registerHostProtocol(p, domain)
			if err != nil {
				rollback()
				return nil, err
			}
			endpoints = append(endpoints, ep)

		case proto.ProtocolTCP:
			ep, err := h.registerTCPProtocol(p, idx, domain)
			if err != nil {
				rollback()
				return nil, err
			}
			endpoints = append(endpoints, ep)

		case proto.ProtocolTLS:
			eps, err := h.registerTLSProtocol(p, domain)
			if err != nil {
				rollback()
				return nil, err
			}
			endpoints = append(endpoints, eps...)

		default:
			rollback()
			return nil, rejectReason(fmt.Sprintf("Failed to register route: unsupported protocol kind %q", p.Kind))
		}
	}
	return endpoints, nil
}

func (h *tunnelHandler) registerHostProtocol(p proto.Protocol, domain string) (proto.Endpoint, error) {
	host := p.CustomDomain
	if host == "" {
		subdomain := p.Subdomain
		if subdomain == "" || !h.relay.allowManualSubdomains {
			subdomain = GenerateSubdomain(h.tunnelID, h.peerIP)
		}
		host = subdomain + "." + domain
	}

	key := registry.HttpHost(host)
	target := registry.RouteTarget{TunnelID: h.tunnelID, TargetAddr: registry.TunnelRouteAddr(h.tunnelID)}
	if err := h.relay.registry.Register(key, target); err != nil {
		return proto.Endpoint{}, rejectReason(fmt.Sprintf("Subdomain is already in use by another tunnel: %s", host))
	}
	h.routeKeys = append(h.routeKeys, key)

	return proto.Endpoint{Protocol: string(p.Kind), PublicURL: "https://" + host}, nil
}

func (h *tunnelHandler) registerTCPProtocol(p proto.Protocol, idx int, domain string) (proto.Endpoint, error) {
	portKey := fmt.Sprintf("%s#%d", h.tunnelID, idx)
	port, err := h.relay.ports.Allocate(portKey, p.Port)
	if err != nil {
		if p.Port != 0 {
			return proto.Endpoint{}, rejectReason(fmt.Sprintf("Requested port %d is in use by another process", p.Port))
		}
		return proto.Endpoint{}, rejectReason("No available ports in range")
	}
	h.portKeys = append(h.portKeys, portKey)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		h.relay.ports.Deallocate(portKey)
		return proto.Endpoint{}, rejectReason(fmt.Sprintf("Failed to register route: %v", err))
	}

	proxy := tcp.New(ln, h.tunnelID, h.relay.conns, h.relay.metrics)
	go func() {
		if err := proxy.Start(context.Background()); err != nil {
			h.log.Warn("tcp proxy exited", "error", err, "port", port)
		}
	}()
	h.tcpListeners = append(h.tcpListeners, proxy)

	return proto.Endpoint{
		Protocol:  string(p.Kind),
		PublicURL: fmt.Sprintf("tcp://%s:%d", domain, port),
		Port:      port,
	}, nil
}

func (h *tunnelHandler) registerTLSProtocol(p proto.Protocol, domain string) ([]proto.Endpoint, error) {
	if len(p.SNIPatterns) == 0 {
		return nil, rejectReason("Failed to register route: no sni_patterns specified for tls protocol")
	}

	target := registry.RouteTarget{TunnelID: h.tunnelID, TargetAddr: registry.TunnelRouteAddr(h.tunnelID)}

	var endpoints []proto.Endpoint
	for _, pattern := range p.SNIPatterns {
		if strings.HasPrefix(pattern, "*.") {
			wp, err := registry.NewWildcardPattern(pattern)
			if err != nil {
				return nil, rejectReason(fmt.Sprintf("Failed to register route: %v", err))
			}
			if err := h.relay.registry.RegisterWildcard(wp, target); err != nil {
				return nil, rejectReason(fmt.Sprintf("Subdomain is already in use by another tunnel: %s", pattern))
			}
			h.wildcardKeys = append(h.wildcardKeys, wp)
		} else {
			key := registry.TlsSni(pattern)
			if err := h.relay.registry.Register(key, target); err != nil {
				return nil, rejectReason(fmt.Sprintf("Subdomain is already in use by another tunnel: %s", pattern))
			}
			h.routeKeys = append(h.routeKeys, key)
		}

		endpoints = append(endpoints, proto.Endpoint{
			Protocol:  string(p.Kind),
			PublicURL: fmt.Sprintf("tls://%s:%d (SNI: %s)", domain, h.relay.tlsSNIPort, pattern),
		})
	}
	return endpoints, nil
}
