// Package agent implements the agent-side dispatcher: a long-lived
// outbound connection to a relay advertising one reverse-tunnel
// target, validating and forwarding ForwardRequests to that target
// (spec §3, §4.7, §4.8).
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/otterscale/localup/internal/auth"
	"github.com/otterscale/localup/internal/backoff"
	"github.com/otterscale/localup/internal/metrics"
	"github.com/otterscale/localup/internal/proto"
	"github.com/otterscale/localup/internal/transport"
)

// Sentinel errors for configuration validation.
var (
	ErrTargetAddressRequired = errors.New("agent: target address is required")
	ErrInvalidTargetAddress  = errors.New("agent: target address must be host:port")
)

// errGracefulDisconnect signals the relay requested a clean shutdown.
var errGracefulDisconnect = errors.New("agent: relay requested disconnect")

// Option configures an Agent.
type Option func(*Agent)

// WithAgentID overrides the generated agent id.
func WithAgentID(id string) Option {
	return func(a *Agent) { a.agentID = id }
}

// WithAuthToken sets the signed JWT sent as AgentRegister.auth_token.
func WithAuthToken(token string) Option {
	return func(a *Agent) { a.authToken = token }
}

// WithTokenValidator configures validation of ForwardRequest.agent_token.
// Without one, forwarding is authorized purely by address match, matching
// agent.rs's "no jwt_secret configured, skip validation" behavior.
func WithTokenValidator(v *auth.Validator) Option {
	return func(a *Agent) { a.validator = v }
}

// WithLocalListener configures a persistent local TCP listener at
// addr that proxies directly to the target address, independent of
// the relay session: it survives relay reconnects and keeps working
// even while disconnected (grounded on agent.rs's run_local_listener/
// proxy_connection, which exists outside the register/forward loop
// entirely).
func WithLocalListener(addr string) Option {
	return func(a *Agent) { a.localListenAddr = addr }
}

// WithBackoff overrides the reconnect backoff policy.
func WithBackoff(bo *backoff.Backoff) Option {
	return func(a *Agent) { a.backoff = bo }
}

// WithMetrics records bytes spliced through this agent's forward
// streams against m. Without one, byte counts are simply not recorded.
func WithMetrics(m *metrics.Registry) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithLogger overrides the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Agent) { a.log = log }
}

// Agent dials a relay, registers target, and forwards accepted data
// streams to a single fixed target address.
type Agent struct {
	dialer        transport.Dialer
	relayAddr     string
	agentID       string
	authToken     string
	targetAddress string
	validator     *auth.Validator
	backoff       *backoff.Backoff
	metrics       *metrics.Registry
	log           *slog.Logger

	localListenAddr string
	localListener   net.Listener

	mu   sync.Mutex
	conn transport.Conn
}

// New constructs an Agent forwarding only to targetAddress ("host:port").
func New(dialer transport.Dialer, relayAddr, targetAddress string, opts ...Option) (*Agent, error) {
	if targetAddress == "" {
		return nil, ErrTargetAddressRequired
	}
	if !strings.Contains(targetAddress, ":") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTargetAddress, targetAddress)
	}

	a := &Agent{
		dialer:        dialer,
		relayAddr:     relayAddr,
		agentID:       uuid.NewString(),
		targetAddress: targetAddress,
		backoff:       backoff.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.Default().With("component", "agent", "agent_id", a.agentID)
	}
	return a, nil
}

// AgentID returns this agent's identifier.
func (a *Agent) AgentID() string { return a.agentID }

// Start runs the reconnect loop until ctx is cancelled. If a local
// listener address was configured, it also starts proxying local
// connections straight to the target, independently of relay
// connectivity.
func (a *Agent) Start(ctx context.Context) error {
	if a.localListenAddr != "" {
		if err := a.startLocalListener(ctx); err != nil {
			return fmt.Errorf("start local listener: %w", err)
		}
	}
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		var rejected *RejectedError
		if errors.As(err, &rejected) {
			a.log.Error("registration rejected, not retrying", "reason", rejected.Reason)
			return err
		}
		if errors.Is(err, errGracefulDisconnect) {
			a.log.Info("relay requested disconnect")
			return nil
		}

		delay := a.backoff.Next()
		a.log.Warn("connection lost, retrying", "error", err, "retry_in", delay)
		if !backoff.Sleep(ctx, delay) {
			return nil
		}
	}
}

// Stop closes the relay connection and the local listener, if any.
func (a *Agent) Stop(_ context.Context) error {
	if a.localListener != nil {
		a.localListener.Close()
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	a.log.Info("stopping")
	return conn.Close()
}

// startLocalListener binds a.localListenAddr and proxies every
// accepted connection straight to a.targetAddress, bypassing the
// relay entirely. It runs independently of the register/reconnect
// loop above and keeps working while the relay session is down.
func (a *Agent) startLocalListener(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.localListenAddr)
	if err != nil {
		return err
	}
	a.localListener = ln
	a.log.Info("local listener started", "address", ln.Addr().String(), "target", a.targetAddress)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go a.proxyLocalConnection(conn)
		}
	}()
	return nil
}

// proxyLocalConnection dials a.targetAddress and splices it against
// an accepted local connection, mirroring agent.rs's proxy_connection.
func (a *Agent) proxyLocalConnection(local net.Conn) {
	defer local.Close()

	target, err := net.Dial("tcp", a.targetAddress)
	if err != nil {
		a.log.Warn("local listener: dial target failed", "target", a.targetAddress, "error", err)
		return
	}
	defer target.Close()

	errc := make(chan error, 2)
	go func() { _, err := io.Copy(target, local); errc <- err }()
	go func() { _, err := io.Copy(local, target); errc <- err }()
	<-errc
	local.Close()
	target.Close()
	<-errc
}

// RejectedError reports the relay refusing registration.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return fmt.Sprintf("agent: registration rejected: %s", e.Reason) }

func (a *Agent) runSession(ctx context.Context) error {
	conn, err := a.dialer.Dial(ctx, a.relayAddr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer conn.Close()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	controlFramer := proto.NewFramer(stream)

	if err := controlFramer.WriteMessage(&proto.AgentRegister{
		AgentID:       a.agentID,
		AuthToken:     a.authToken,
		TargetAddress: a.targetAddress,
	}); err != nil {
		return fmt.Errorf("send agent_register: %w", err)
	}

	msg, err := controlFramer.ReadMessage()
	if err != nil {
		return fmt.Errorf("read register reply: %w", err)
	}
	switch m := msg.(type) {
	case *proto.AgentRegistered:
		a.log.Info("registered", "target", a.targetAddress)
		a.backoff.Reset()
	case *proto.AgentRejected:
		return &RejectedError{Reason: m.Reason}
	case *proto.Disconnect:
		return &RejectedError{Reason: m.Reason}
	default:
		return fmt.Errorf("unexpected reply to agent_register: %T", msg)
	}

	var wg sync.WaitGroup
	acceptErr := make(chan error, 1)
	go func() {
		for {
			s, err := conn.AcceptStream(ctx)
			if err != nil {
				acceptErr <- err
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.handleForwardStream(ctx, s)
			}()
		}
	}()

	err = runAgentControlLoop(ctx, controlFramer, a.validator, a.log)
	conn.Close()
	wg.Wait()
	return err
}

// handleForwardStream validates and services one ForwardRequest,
// exactly matching agent.rs's handle_stream: agent_token check (if a
// validator is configured), exact target-address match, accept, then
// dial+splice to the target (spec §4.7).
func (a *Agent) handleForwardStream(ctx context.Context, s transport.Stream) {
	defer s.Close()
	framer := proto.NewFramer(s)

	msg, err := framer.ReadMessage()
	if err != nil {
		return
	}
	req, ok := msg.(*proto.ForwardRequest)
	if !ok {
		a.log.Warn("unexpected message on data stream, expected forward_request", "type", fmt.Sprintf("%T", msg))
		return
	}

	if a.validator != nil && !a.validator.Disabled() {
		if req.AgentToken == "" {
			a.reject(framer, req, "Authentication failed: agent token is required")
			return
		}
		if _, err := a.validator.Validate(req.AgentToken); err != nil {
			a.reject(framer, req, fmt.Sprintf("Authentication failed: invalid agent token: %v", err))
			return
		}
	}

	if req.RemoteAddress != a.targetAddress {
		a.reject(framer, req, fmt.Sprintf("Address mismatch: this agent only forwards to %s, but %s was requested", a.targetAddress, req.RemoteAddress))
		return
	}

	if err := framer.WriteMessage(&proto.ForwardAccept{}); err != nil {
		return
	}

	target, err := net.Dial("tcp", a.targetAddress)
	if err != nil {
		a.log.Warn("dial target failed", "target", a.targetAddress, "error", err)
		framer.WriteMessage(&proto.ReverseClose{StreamID: req.StreamID, Reason: "dial target failed"})
		return
	}
	defer target.Close()

	spliceForward(req.StreamID, framer, target, a.metrics)
}

func (a *Agent) reject(framer *proto.Framer, req *proto.ForwardRequest, reason string) {
	a.log.Warn("rejecting forward request", "reason", reason, "remote_address", req.RemoteAddress)
	framer.WriteMessage(&proto.ForwardReject{Reason: reason})
}

// spliceForward bridges ReverseData frames against a raw dialed
// target connection, mirroring the agent.rs forwarder's bidirectional
// tokio::io::copy.
func spliceForward(streamID uint32, framer *proto.Framer, target net.Conn, m *metrics.Registry) {
	errc := make(chan error, 2)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := target.Read(buf)
			if n > 0 {
				if werr := framer.WriteMessage(&proto.ReverseData{StreamID: streamID, Data: append([]byte(nil), buf[:n]...)}); werr != nil {
					errc <- werr
					return
				}
				addBytes(m, "out", n)
			}
			if err != nil {
				framer.WriteMessage(&proto.ReverseClose{StreamID: streamID})
				errc <- err
				return
			}
		}
	}()
	go func() {
		for {
			msg, err := framer.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			switch mm := msg.(type) {
			case *proto.ReverseData:
				n, err := target.Write(mm.Data)
				if err != nil {
					errc <- err
					return
				}
				addBytes(m, "in", n)
			case *proto.ReverseClose:
				errc <- nil
				return
			}
		}
	}()
	<-errc
	target.Close()
	<-errc
}

// addBytes is a nil-safe increment of the bytes-forwarded counter; m
// is nil whenever an Agent is built without WithMetrics.
func addBytes(m *metrics.Registry, direction string, n int) {
	if m == nil {
		return
	}
	m.BytesForwarded.WithLabelValues(direction).Add(float64(n))
}
