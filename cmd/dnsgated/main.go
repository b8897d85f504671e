package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haukened/dnsgate/internal/dns/common/log"
	"github.com/haukened/dnsgate/internal/dns/config"
)

const (
	version = "0.1.0-dev"
	appName = "dnsgated"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		log.Sync()
		os.Exit(1)
	}
	log.Sync()
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   appName,
		Short: "Per-user, time-boxed DNS blocking gateway",
		Long: `dnsgated forwards DNS queries for registered clients and answers
queries for their owner's blocked zones with an empty reply while the
owner's session is active. Sessions are controlled over HTTP.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (environment variables with the DNSGATE_ prefix override it)")

	load := func() (*config.AppConfig, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("configuration error: %w", err)
		}
		if err := log.Configure(cfg.Env, cfg.Log.Level); err != nil {
			return nil, fmt.Errorf("logging configuration error: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newSeedCmd(load),
		newVersionCmd(),
	)
	return root
}

type configLoader func() (*config.AppConfig, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the DNS gateway and the session control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log.Info(map[string]any{
				"version":   version,
				"env":       cfg.Env,
				"log_level": cfg.Log.Level,
				"dns":       cfg.DNS.Listen,
				"http":      cfg.HTTP.Listen,
				"upstream":  cfg.DNS.Upstream,
				"store":     cfg.Store.Driver,
			}, "Starting dnsgate")

			app, err := buildApplication(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to build application: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil {
				return err
			}
			log.Info(nil, "dnsgate stopped gracefully")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, version)
}
