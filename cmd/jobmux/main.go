// Command jobmux is an operator tool for jobmux queues.
//
// Subcommands:
//
//	enqueue  publish a payload through a chain of queues
//	depth    print queue depths
//	dead     list and replay dead letters
//	relay    run a worker that forwards one queue into another
//
// Settings come from JOBMUX_* environment variables, optionally loaded from
// a .env file in the working directory.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/miladsoleymani/jobmux/broker"
	"github.com/miladsoleymani/jobmux/core"
	"github.com/miladsoleymani/jobmux/internal/config"

	// transports register themselves with broker
	_ "github.com/miladsoleymani/jobmux/plugins/kafka"
	_ "github.com/miladsoleymani/jobmux/plugins/memory"
	_ "github.com/miladsoleymani/jobmux/plugins/nats"
	_ "github.com/miladsoleymani/jobmux/plugins/rabbitmq"
	_ "github.com/miladsoleymani/jobmux/plugins/redis"
)

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:           "jobmux",
		Short:         "Enqueue, inspect and relay jobmux queues",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		enqueueCmd(),
		depthCmd(),
		deadCmd(),
		relayCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the process logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openTransport(cfg *config.Config) (core.Transport, error) {
	return broker.Create(cfg.Transport, cfg.Broker())
}
