// Package cmd wires the relay, client, and agent modes into cobra
// commands. Relay mode builds every ingress/control-plane component
// and hands them to internal/transport.Serve, the teacher's
// errgroup-based concurrent Start/Stop coordinator.
package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/otterscale/localup/internal/auth"
	"github.com/otterscale/localup/internal/config"
	ingresshttp "github.com/otterscale/localup/internal/ingress/http"
	ingresstls "github.com/otterscale/localup/internal/ingress/tls"
	"github.com/otterscale/localup/internal/metrics"
	"github.com/otterscale/localup/internal/pki"
	"github.com/otterscale/localup/internal/ports"
	"github.com/otterscale/localup/internal/registry"
	"github.com/otterscale/localup/internal/relay"
	"github.com/otterscale/localup/internal/transport"
	"github.com/otterscale/localup/internal/transport/discovery"
	"github.com/otterscale/localup/internal/transport/quic"
)

// NewRelayCommand builds the "relay" subcommand.
func NewRelayCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "relay",
		Short:   "Run the public relay: ingress listeners plus the QUIC control plane",
		Example: "localup relay --control-address=:4443 --domain=tunnels.example.com",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := relayConfig{
				httpAddress:           conf.RelayHTTPAddress(),
				httpsAddress:          conf.RelayHTTPSAddress(),
				tlsSNIAddress:         conf.RelayTLSSNIAddress(),
				controlAddress:        conf.RelayControlAddress(),
				domain:                conf.RelayDomain(),
				jwtSecret:             conf.RelayJWTSecret(),
				caSeedDir:             conf.RelayCASeedDir(),
				allowManualSubdomains: conf.RelayAllowManualSubdomains(),
			}
			cfg.tcpPortLow, cfg.tcpPortHigh = conf.RelayTCPPortRange()

			r := &RelayServer{}
			return r.Run(cmd.Context(), cfg)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.RelayOptions); err != nil {
		return nil, err
	}
	return cmd, nil
}

type relayConfig struct {
	httpAddress           string
	httpsAddress          string
	tlsSNIAddress         string
	controlAddress        string
	domain                string
	jwtSecret             string
	caSeedDir             string
	allowManualSubdomains bool
	tcpPortLow            int
	tcpPortHigh           int
}

// RelayServer is the composition root for relay mode: it owns every
// long-lived component and drives their Start/Stop in lockstep.
type RelayServer struct{}

func (s *RelayServer) Run(ctx context.Context, cfg relayConfig) error {
	ca, err := pki.LoadOrCreateCA(cfg.caSeedDir)
	if err != nil {
		return fmt.Errorf("relay: load CA: %w", err)
	}
	certProvider := pki.NewCADefaultProvider(ca)

	reg := registry.New()
	portAlloc := ports.New(cfg.tcpPortLow, cfg.tcpPortHigh)
	defer portAlloc.Close()
	validator := auth.NewValidator(cfg.jwtSecret)
	m := metrics.New()

	_, tlsSNIPortStr, err := net.SplitHostPort(cfg.tlsSNIAddress)
	if err != nil {
		return fmt.Errorf("relay: parse tls-sni address: %w", err)
	}
	var tlsSNIPort int
	if _, err := fmt.Sscanf(tlsSNIPortStr, "%d", &tlsSNIPort); err != nil {
		return fmt.Errorf("relay: parse tls-sni port: %w", err)
	}

	rl := relay.New(reg, portAlloc, validator,
		relay.WithDomain(cfg.domain),
		relay.WithAllowManualSubdomains(cfg.allowManualSubdomains),
		relay.WithTLSSNIPort(tlsSNIPort),
		relay.WithMetrics(m),
	)

	httpLn, err := net.Listen("tcp", cfg.httpAddress)
	if err != nil {
		return fmt.Errorf("relay: listen http: %w", err)
	}
	httpSrv := ingresshttp.New(httpLn, reg, rl.Connections(), m)

	httpsTLSConfig := &tls.Config{
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return certProvider.Certificate(chi.ServerName)
		},
	}
	httpsTCPLn, err := net.Listen("tcp", cfg.httpsAddress)
	if err != nil {
		return fmt.Errorf("relay: listen https: %w", err)
	}
	httpsLn := tls.NewListener(httpsTCPLn, httpsTLSConfig)
	httpsSrv := ingresshttp.New(httpsLn, reg, rl.Connections(), m)

	tlsSNILn, err := net.Listen("tcp", cfg.tlsSNIAddress)
	if err != nil {
		return fmt.Errorf("relay: listen tls-sni: %w", err)
	}
	tlsSNISrv := ingresstls.New(tlsSNILn, reg, rl.Connections(), nil, m)

	controlTLSConfig := &tls.Config{
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return certProvider.Certificate(chi.ServerName)
		},
	}
	controlLn, err := quic.Listen(cfg.controlAddress, controlTLSConfig)
	if err != nil {
		return fmt.Errorf("relay: listen control: %w", err)
	}
	controlSrv := &controlPlaneServer{ln: controlLn, relay: rl}

	discoveryMux := http.NewServeMux()
	discoveryMux.Handle(discovery.Path, discovery.Handler([]discovery.TransportOption{
		{Protocol: "quic", Address: cfg.controlAddress},
	}))
	discoveryMux.Handle("/metrics", m.Handler())
	discoveryTCPLn, err := net.Listen("tcp", cfg.controlAddress)
	if err != nil {
		return fmt.Errorf("relay: listen discovery: %w", err)
	}
	discoverySrv := &http.Server{Handler: discoveryMux}
	discoveryServer := &httpListenerServer{srv: discoverySrv, ln: tls.NewListener(discoveryTCPLn, controlTLSConfig)}

	return transport.Serve(ctx, httpSrv, httpsSrv, tlsSNISrv, controlSrv, discoveryServer)
}

// controlPlaneServer accepts QUIC control connections and dispatches
// each to the relay's per-connection session handler.
type controlPlaneServer struct {
	ln    *quic.Listener
	relay *relay.Relay
}

func (c *controlPlaneServer) Start(ctx context.Context) error {
	for {
		conn, err := c.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay: accept control connection: %w", err)
		}
		go c.serve(ctx, conn)
	}
}

func (c *controlPlaneServer) serve(ctx context.Context, conn transport.Conn) {
	peerIP, _, err := net.SplitHostPort(conn.RemoteAddr())
	if err != nil {
		peerIP = conn.RemoteAddr()
	}
	_ = c.relay.Serve(ctx, conn, peerIP)
}

func (c *controlPlaneServer) Stop(_ context.Context) error {
	return c.ln.Close()
}

// httpListenerServer adapts a net/http.Server bound to an already
// opened listener to transport.Listener's Start/Stop shape.
type httpListenerServer struct {
	srv *http.Server
	ln  net.Listener
}

func (h *httpListenerServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		h.srv.Close()
	}()
	err := h.srv.Serve(h.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (h *httpListenerServer) Stop(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}
