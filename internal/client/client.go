// Package client implements the outbound dispatcher that dials a
// relay, registers one or more protocol endpoints, and proxies
// accepted data streams to a local service (spec §4.8).
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/otterscale/localup/internal/backoff"
	"github.com/otterscale/localup/internal/metrics"
	"github.com/otterscale/localup/internal/proto"
	"github.com/otterscale/localup/internal/transport"
)

// Sentinel errors for well-known failure modes.
var (
	ErrTunnelIDRequired  = errors.New("client: tunnel id is required")
	ErrLocalAddrRequired = errors.New("client: local address is required")
	ErrNoProtocols       = errors.New("client: at least one protocol is required")
)

// Option configures a Client.
type Option func(*Client)

// WithAuthToken sets the signed JWT sent as Connect.auth_token.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithDomain requests a specific base domain (empty defers to the
// relay's configured default).
func WithDomain(domain string) Option {
	return func(c *Client) { c.domain = domain }
}

// WithConcurrency caps the number of simultaneous streams proxied to
// the local service. Spec §4.8 default is 5.
func WithConcurrency(n int) Option {
	return func(c *Client) { c.concurrency = n }
}

// WithBackoff overrides the reconnect backoff policy.
func WithBackoff(bo *backoff.Backoff) Option {
	return func(c *Client) { c.backoff = bo }
}

// WithLogger overrides the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMetrics records bytes spliced through this client's local-service
// pumps against m. Without one, byte counts are simply not recorded.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Client) { c.metrics = m }
}

// Client dials a relay over a transport.Dialer, registers protocols,
// and proxies accepted streams to a local address.
type Client struct {
	dialer      transport.Dialer
	relayAddr   string
	tunnelID    string
	authToken   string
	domain      string
	localAddr   string
	protocols   []proto.Protocol
	concurrency int
	backoff     *backoff.Backoff
	metrics     *metrics.Registry
	log         *slog.Logger

	mu   sync.Mutex
	conn transport.Conn

	stopCh    chan string
	stoppedCh chan struct{}
	stopOnce  sync.Once
}

// New constructs a Client. dialer is the transport backend (QUIC or
// yamux); relayAddr is its control-plane address; tunnelID identifies
// this tunnel's routing identity (spec §3: "derived deterministically
// from the auth token"); localAddr is the local service this client
// proxies accepted streams to; protocols are the endpoints to
// request from the relay.
func New(dialer transport.Dialer, relayAddr, tunnelID, localAddr string, protocols []proto.Protocol, opts ...Option) (*Client, error) {
	c := &Client{
		dialer:      dialer,
		relayAddr:   relayAddr,
		tunnelID:    tunnelID,
		localAddr:   localAddr,
		protocols:   protocols,
		concurrency: 5,
		backoff:     backoff.Default(),
		stopCh:      make(chan string, 1),
		stoppedCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tunnelID == "" {
		return nil, ErrTunnelIDRequired
	}
	if c.localAddr == "" {
		return nil, ErrLocalAddrRequired
	}
	if len(c.protocols) == 0 {
		return nil, ErrNoProtocols
	}
	if c.log == nil {
		c.log = slog.Default().With("component", "client", "tunnel_id", c.tunnelID)
	}
	return c, nil
}

// Start runs the reconnect loop until ctx is cancelled. Authentication
// and configuration failures are non-recoverable and return
// immediately without retry (spec §4.8, §7 class 2).
func (c *Client) Start(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			c.log.Info("session ended cleanly")
			return nil
		}

		var reject *RejectError
		if errors.As(err, &reject) {
			c.log.Error("connection rejected, not retrying", "reason", reject.Reason)
			return err
		}
		if errors.Is(err, errGracefulDisconnect) {
			c.log.Info("relay requested disconnect")
			return nil
		}

		delay := c.backoff.Next()
		c.log.Warn("connection lost, retrying", "error", err, "retry_in", delay)
		if !backoff.Sleep(ctx, delay) {
			return nil
		}
	}
}

// Stop gracefully disconnects: it asks the active session's control
// loop to send Disconnect on the control stream (the only stream the
// relay actually reads for a client tunnel) and waits up to 5s for
// the peer's DisconnectAck before closing the transport. Safe to call
// more than once; only the first call signals a disconnect.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.stopOnce.Do(func() {
		select {
		case c.stopCh <- "client shutdown":
		default:
		}
	})

	select {
	case <-c.stoppedCh:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}

	c.mu.Lock()
	conn = c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// addBytes is a nil-safe increment of the bytes-forwarded counter; m
// is nil whenever a Client is built without WithMetrics.
func addBytes(m *metrics.Registry, direction string, n int) {
	if m == nil {
		return
	}
	m.BytesForwarded.WithLabelValues(direction).Add(float64(n))
}

// RejectError reports a non-recoverable rejection by the relay.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return fmt.Sprintf("client: rejected: %s", e.Reason) }

func (c *Client) runSession(ctx context.Context) error {
	conn, err := c.dialer.Dial(ctx, c.relayAddr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	controlFramer := proto.NewFramer(stream)

	if err := controlFramer.WriteMessage(&proto.Connect{
		TunnelID:  c.tunnelID,
		AuthToken: c.authToken,
		Protocols: c.protocols,
		Domain:    c.domain,
	}); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	msg, err := controlFramer.ReadMessage()
	if err != nil {
		return fmt.Errorf("read connect reply: %w", err)
	}
	switch m := msg.(type) {
	case *proto.Connected:
		for _, ep := range m.Endpoints {
			c.log.Info("endpoint registered", "protocol", ep.Protocol, "url", ep.PublicURL, "port", ep.Port)
		}
		c.backoff.Reset()
	case *proto.Disconnect:
		return &RejectError{Reason: m.Reason}
	default:
		return fmt.Errorf("unexpected reply to connect: %T", msg)
	}

	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup
	acceptErr := make(chan error, 1)

	go func() {
		for {
			s, err := conn.AcceptStream(ctx)
			if err != nil {
				acceptErr <- err
				return
			}
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				c.dispatchStream(ctx, s)
			}()
		}
	}()

	err = runControlLoop(ctx, controlFramer, c.stopCh, c.stoppedCh, c.log)
	conn.Close()
	wg.Wait()
	return err
}

// dispatchStream reads the first message off a newly accepted data
// stream and routes it to the matching handler based on its
// discriminator (spec §4.8).
func (c *Client) dispatchStream(ctx context.Context, s transport.Stream) {
	defer s.Close()
	framer := proto.NewFramer(s)
	msg, err := framer.ReadMessage()
	if err != nil {
		c.log.Warn("dispatch: read first message", "error", err)
		return
	}
	switch m := msg.(type) {
	case *proto.HttpStreamConnect:
		handleHTTPStream(ctx, framer, c.localAddr, m, c.metrics, c.log)
	case *proto.TcpConnect:
		handleTCPStream(ctx, framer, c.localAddr, c.metrics, c.log)
	case *proto.TlsConnect:
		handleTLSStream(ctx, framer, c.localAddr, m, c.metrics, c.log)
	default:
		c.log.Warn("dispatch: unexpected first message", "type", fmt.Sprintf("%T", msg))
	}
}
