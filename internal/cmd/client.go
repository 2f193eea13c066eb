package cmd

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/otterscale/localup/internal/auth"
	"github.com/otterscale/localup/internal/client"
	"github.com/otterscale/localup/internal/config"
	"github.com/otterscale/localup/internal/metrics"
	"github.com/otterscale/localup/internal/proto"
	"github.com/otterscale/localup/internal/transport"
	"github.com/otterscale/localup/internal/transport/discovery"
	"github.com/otterscale/localup/internal/transport/quic"
	"github.com/otterscale/localup/internal/transport/yamux"
)

// NewClientCommand builds the "client" subcommand: it exposes a local
// HTTP service through the relay under a generated or requested
// subdomain.
func NewClientCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "client",
		Short:   "Expose a local HTTP service through a relay tunnel",
		Example: "localup client --local-address=127.0.0.1:3000 --relay-url=https://tunnels.example.com",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runClient(cmd.Context(), conf)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.ClientOptions); err != nil {
		return nil, err
	}
	return cmd, nil
}

func runClient(ctx context.Context, conf *config.Config) error {
	transportOpt, err := discovery.Pick(discovery.Discover(ctx, conf.ClientRelayURL()), "quic")
	if err != nil {
		return fmt.Errorf("client: pick transport: %w", err)
	}

	dialer := newDialer(transportOpt)

	protocols := []proto.Protocol{{
		Kind:         proto.ProtocolHTTP,
		Subdomain:    conf.ClientSubdomain(),
		CustomDomain: conf.ClientDomain(),
	}}

	c, err := client.New(dialer, transportOpt.Address, tunnelID(conf.ClientAuthToken()), conf.ClientLocalAddress(), protocols,
		client.WithAuthToken(conf.ClientAuthToken()),
		client.WithDomain(conf.ClientDomain()),
		client.WithConcurrency(conf.ClientConcurrency()),
		client.WithMetrics(metrics.New()),
	)
	if err != nil {
		return fmt.Errorf("client: construct: %w", err)
	}

	// Start runs under its own cancellation so that a ctx.Done() (e.g.
	// Ctrl-C) doesn't race the control loop into exiting before it can
	// service Stop's signal: Stop drives the Disconnect/DisconnectAck
	// handshake to completion first, and only then do we cancel runCtx
	// to unwind the reconnect loop for good (spec §4.9/§5).
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(runCtx) }()

	select {
	case <-ctx.Done():
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		stopErr := c.Stop(stopCtx)
		cancel()
		<-startErr
		return stopErr
	case err := <-startErr:
		return err
	}
}

// newDialer picks the concrete transport dialer matching the relay's
// negotiated transport option. Both transports accept the relay's
// self-signed CA-issued certificate without chain verification: the
// relay's CA is generated locally (internal/pki) rather than
// distributed out of band, so clients trust on first connect instead
// of pinning a root (spec §9 is silent on certificate distribution).
func newDialer(opt discovery.TransportOption) transport.Dialer {
	tlsConfig := &tls.Config{InsecureSkipVerify: true}
	if opt.Protocol == "yamux" {
		return &yamux.Dialer{TLSConfig: tlsConfig}
	}
	return &quic.Dialer{TLSConfig: tlsConfig}
}

// tunnelID derives a stable routing identity from authToken (spec §3:
// reconnects must map to the same tunnel_id so S3's port stability and
// the registry's reconnect force-replace path apply). An anonymous
// client (no auth token configured) has no stable identity to derive
// from, so it falls back to a random one-off id.
func tunnelID(authToken string) string {
	if authToken == "" {
		buf := make([]byte, 8)
		_, _ = rand.Read(buf)
		return "t-" + hex.EncodeToString(buf)
	}
	return auth.DeriveTunnelID(authToken)
}
