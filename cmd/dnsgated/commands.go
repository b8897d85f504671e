package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haukened/dnsgate/internal/dns/common/clock"
	"github.com/haukened/dnsgate/internal/dns/common/log"
	"github.com/haukened/dnsgate/internal/dns/repos/seed"
)

func newMigrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the SQL schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Store.Driver == "bolt" {
				return fmt.Errorf("store driver %q has no schema to migrate", cfg.Store.Driver)
			}
			st, err := openSQLStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(args[0]); err != nil {
				return err
			}
			log.Info(map[string]any{"driver": cfg.Store.Driver, "direction": args[0]}, "Migration complete")
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", args[0])
			return nil
		},
	}
}

func newSeedCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Load users, clients, zones and sessions from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			f, err := seed.Load(args[0])
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			sum, err := seed.Apply(cmd.Context(), st, f, clock.RealClock{}.Now())
			if err != nil {
				return err
			}
			log.Info(map[string]any{
				"users":    sum.Users,
				"clients":  sum.Clients,
				"zones":    sum.Zones,
				"sessions": sum.Sessions,
			}, "Seed applied")
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d users, %d clients, %d zones, %d sessions\n",
				sum.Users, sum.Clients, sum.Zones, sum.Sessions)
			return nil
		},
	}
}
