// Package main is the entry point for the localup binary. It exposes
// three subcommands:
//
//   - relay:  runs the public relay (ingress listeners + control plane)
//   - client: exposes a local HTTP service through a relay tunnel
//   - agent:  advertises a reverse-tunnel target through a relay
//
// Dependencies are assembled by a manual composition root in
// internal/cmd rather than Google Wire: each subcommand's Run method
// constructs its own components directly from *config.Config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/otterscale/localup/internal/cmd"
	"github.com/otterscale/localup/internal/config"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand() (*cobra.Command, error) {
	conf, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	root := &cobra.Command{
		Use:           "localup",
		Short:         "localup: a reverse-tunnel relay fabric",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	relayCmd, err := cmd.NewRelayCommand(conf)
	if err != nil {
		return nil, err
	}
	clientCmd, err := cmd.NewClientCommand(conf)
	if err != nil {
		return nil, err
	}
	agentCmd, err := cmd.NewAgentCommand(conf)
	if err != nil {
		return nil, err
	}

	root.AddCommand(relayCmd, clientCmd, agentCmd)
	return root, nil
}
