package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AlexKimmel/throttlegate/internal/config"
	"github.com/AlexKimmel/throttlegate/internal/ratelimit"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a config file and print the resolved limits",
	Long: `Load and validate the config file, then print the limit every API key gets
on every route after per-route and per-key overrides are applied.

Examples:
  throttlegate check --config config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("invalid config %s: %w", cfgFile, err)
		}
		printPolicies(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func printPolicies(out io.Writer, cfg *config.Root) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tKEY\tPRIORITY\tRATE\tCAPACITY\tBURST\tMIN_TOKENS")

	row := func(route, key string, priority int, c ratelimit.Config) {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%g\t%d\t%g\t%g\n",
			route, key, priority, c.Rate, c.Capacity, c.BurstCapacity(), c.MinTokens)
	}
	for _, rt := range cfg.Routes {
		for _, k := range cfg.Auth.Keys {
			row(rt.ID, k.ID, k.Priority, cfg.PolicyFor(rt.ID, k.ID))
		}
	}
	row("*", "*", 0, cfg.Limits.Default.Config())
	_ = tw.Flush()
}
