// Package relay implements the tunnel handler state machine, the
// live-connection registries, and the reverse-tunnel switching core
// that sit behind the ingress servers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/otterscale/localup/internal/auth"
	"github.com/otterscale/localup/internal/metrics"
	"github.com/otterscale/localup/internal/ports"
	"github.com/otterscale/localup/internal/proto"
	"github.com/otterscale/localup/internal/registry"
	"github.com/otterscale/localup/internal/transport"
)

// ErrUnknownTunnel is returned when a data stream is requested for a
// tunnel_id with no live connection.
var ErrUnknownTunnel = errors.New("relay: unknown tunnel")

// ErrUnknownAgent is returned when a data stream is requested for an
// agent_id with no live registration.
var ErrUnknownAgent = errors.New("relay: unknown agent")

// AgentConn is one live reverse-tunnel agent registration, held by the
// ConnectionManager for the lifetime of the agent's control
// connection.
type AgentConn struct {
	AgentID       string
	TargetAddress string
	Conn          transport.Conn
}

// ConnectionManager is the relay's concurrent registry of live
// control connections: tunnels keyed by tunnel_id, agents keyed both
// by agent_id and by target_address (spec §5(d)).
type ConnectionManager struct {
	mu             sync.RWMutex
	tunnels        map[string]transport.Conn
	agents         map[string]*AgentConn
	agentsByTarget map[string]*AgentConn
}

// NewConnectionManager returns an empty, ready-to-use manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		tunnels:        make(map[string]transport.Conn),
		agents:         make(map[string]*AgentConn),
		agentsByTarget: make(map[string]*AgentConn),
	}
}

// RegisterTunnel records tunnelID's live control connection.
// Reconnects silently replace the previous entry.
func (m *ConnectionManager) RegisterTunnel(tunnelID string, conn transport.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tunnels[tunnelID] = conn
}

// UnregisterTunnel removes tunnelID's entry, if present.
func (m *ConnectionManager) UnregisterTunnel(tunnelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tunnels, tunnelID)
}

// OpenTunnelStream opens a fresh data stream on tunnelID's control
// connection. This is the method the http/tls/tcp ingress packages
// depend on through their local TunnelDialer interfaces.
func (m *ConnectionManager) OpenTunnelStream(ctx context.Context, tunnelID string) (transport.Stream, error) {
	m.mu.RLock()
	conn, ok := m.tunnels[tunnelID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTunnel, tunnelID)
	}
	return conn.OpenStream(ctx)
}

// TunnelCount reports the number of live tunnels.
func (m *ConnectionManager) TunnelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tunnels)
}

// RegisterAgent records a, indexed by both agent_id and its advertised
// target_address.
func (m *ConnectionManager) RegisterAgent(a *AgentConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.AgentID] = a
	m.agentsByTarget[a.TargetAddress] = a
}

// UnregisterAgent removes agentID's entry, if present, from both
// indexes.
func (m *ConnectionManager) UnregisterAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return
	}
	delete(m.agents, agentID)
	if m.agentsByTarget[a.TargetAddress] == a {
		delete(m.agentsByTarget, a.TargetAddress)
	}
}

// AgentByID looks up a live agent registration by agent_id.
func (m *ConnectionManager) AgentByID(agentID string) (*AgentConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	return a, ok
}

// AgentByTarget looks up a live agent registration by its advertised
// target_address.
func (m *ConnectionManager) AgentByTarget(targetAddress string) (*AgentConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agentsByTarget[targetAddress]
	return a, ok
}

// AgentCount reports the number of live agents.
func (m *ConnectionManager) AgentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Option configures a Relay.
type Option func(*Relay)

// WithDomain sets the default public domain used when a Connect does
// not override it.
func WithDomain(domain string) Option {
	return func(r *Relay) { r.domain = domain }
}

// WithAllowManualSubdomains controls whether a client-supplied
// subdomain is honored verbatim, or always replaced by a generated
// one.
func WithAllowManualSubdomains(allow bool) Option {
	return func(r *Relay) { r.allowManualSubdomains = allow }
}

// WithTLSSNIPort records the relay's TLS-SNI ingress port, used only
// to render Tls endpoint public URLs.
func WithTLSSNIPort(port int) Option {
	return func(r *Relay) { r.tlsSNIPort = port }
}

// WithMetrics injects a metrics registry. Defaults to metrics.New().
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Relay) { r.log = log }
}

// Relay is the composition root for one relay process's tunnel and
// reverse-tunnel handling: it owns the route registry, the port
// allocator, the JWT validator, and the live-connection registry, and
// drives the tunnel handler state machine for every accepted control
// connection (spec §4.6).
type Relay struct {
	registry  *registry.Registry
	ports     *ports.Allocator
	validator *auth.Validator
	metrics   *metrics.Registry
	conns     *ConnectionManager

	domain                string
	allowManualSubdomains bool
	tlsSNIPort            int

	log *slog.Logger
}

// New builds a Relay over an already-constructed registry, port
// allocator, and JWT validator.
func New(reg *registry.Registry, portAllocator *ports.Allocator, validator *auth.Validator, opts ...Option) *Relay {
	r := &Relay{
		registry:              reg,
		ports:                 portAllocator,
		validator:             validator,
		conns:                 NewConnectionManager(),
		domain:                "localup.example.com",
		allowManualSubdomains: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if r.log == nil {
		r.log = slog.Default().With("component", "relay")
	}
	return r
}

// Connections returns the relay's live-connection registry, so ingress
// servers can be constructed with it as their TunnelDialer.
func (r *Relay) Connections() *ConnectionManager { return r.conns }

// Metrics returns the relay's metrics registry.
func (r *Relay) Metrics() *metrics.Registry { return r.metrics }

// Serve drives one accepted control connection to completion. It
// blocks until the session terminates: authentication rejection,
// graceful disconnect, heartbeat miss, or transport error.
func (r *Relay) Serve(ctx context.Context, conn transport.Conn, peerIP string) error {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.Close()
		return fmt.Errorf("relay: accept control stream: %w", err)
	}
	framer := proto.NewFramer(stream)

	msg, err := framer.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("relay: read first message: %w", err)
	}

	switch m := msg.(type) {
	case *proto.Connect:
		h := newTunnelHandler(r, conn, framer, peerIP)
		return h.run(ctx, m)
	case *proto.AgentRegister:
		h := newAgentHandler(r, conn, framer, peerIP)
		return h.run(ctx, m)
	case *proto.ReverseTunnelRequest:
		h := newReverseInitiatorHandler(r, conn, framer, peerIP)
		return h.run(ctx, m)
	default:
		r.log.Warn("unexpected first message", "type", fmt.Sprintf("%T", msg), "peer", peerIP)
		conn.Close()
		return fmt.Errorf("relay: unexpected first message type %T", msg)
	}
}
