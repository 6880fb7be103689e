package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"ir-quote-feed/internal/keymetrics"

	"github.com/spf13/cobra"
)

func newOverviewCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Fetch the company overview and show the derived key metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := sourceByName(opts, "alpha_vantage")
			if err != nil {
				return err
			}
			av, ok := src.(keymetrics.OverviewFetcher)
			if !ok {
				return fmt.Errorf("%s has no overview endpoint", src.Name())
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			symbol := opts.symbolOr(opts.cfg.Symbol)
			ov, err := av.Overview(ctx, symbol)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", ov.Name, ov.Symbol)
			fmt.Fprintf(out, "market cap: %s\n", keymetrics.FormatCurrency(ov.MarketCapitalization))
			fmt.Fprintf(out, "treasury allocation: %s\n", keymetrics.FormatCurrency(ov.MarketCapitalization*opts.cfg.KeyMetrics.TreasuryRatio))
			if ov.ReturnOnEquityTTM > 0 {
				fmt.Fprintf(out, "staking yield: %.1f%%\n", math.Min(ov.ReturnOnEquityTTM*0.3, 15))
			} else {
				fmt.Fprintln(out, "staking yield: n/a")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall request timeout")
	return cmd
}
