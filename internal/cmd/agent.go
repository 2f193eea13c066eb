package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otterscale/localup/internal/agent"
	"github.com/otterscale/localup/internal/auth"
	"github.com/otterscale/localup/internal/config"
	"github.com/otterscale/localup/internal/metrics"
	"github.com/otterscale/localup/internal/transport/discovery"
)

// NewAgentCommand builds the "agent" subcommand: it advertises one
// reverse-tunnel target address to a relay.
func NewAgentCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "agent",
		Short:   "Advertise a single reachable target through a relay reverse tunnel",
		Example: "localup agent --target-address=10.0.0.5:22 --relay-url=https://tunnels.example.com",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), conf)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.AgentOptions); err != nil {
		return nil, err
	}
	return cmd, nil
}

func runAgent(ctx context.Context, conf *config.Config) error {
	transportOpt, err := discovery.Pick(discovery.Discover(ctx, conf.AgentRelayURL()), "quic")
	if err != nil {
		return fmt.Errorf("agent: pick transport: %w", err)
	}
	dialer := newDialer(transportOpt)

	opts := []agent.Option{
		agent.WithAuthToken(conf.AgentAuthToken()),
		agent.WithMetrics(metrics.New()),
	}
	if id := conf.AgentID(); id != "" {
		opts = append(opts, agent.WithAgentID(id))
	}
	if secret := conf.AgentTokenSecret(); secret != "" {
		opts = append(opts, agent.WithTokenValidator(auth.NewValidator(secret)))
	}
	if listenAddr := conf.AgentListenAddress(); listenAddr != "" {
		opts = append(opts, agent.WithLocalListener(listenAddr))
	}

	a, err := agent.New(dialer, transportOpt.Address, conf.AgentTargetAddress(), opts...)
	if err != nil {
		return fmt.Errorf("agent: construct: %w", err)
	}

	return a.Start(ctx)
}
