package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ir-quote-feed/internal/quote"
	"ir-quote-feed/internal/source"

	"github.com/spf13/cobra"
)

func newSourceCmd(opts *rootOptions) *cobra.Command {
	var (
		timeframe string
		tail      int
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:       "source <alpha_vantage|polygon>",
		Short:     "Fetch one timeframe from a single provider, without fallback or cache",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"alpha_vantage", "polygon"},
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := quote.ParseTimeframe(timeframe)
			if err != nil {
				return err
			}
			src, err := sourceByName(opts, args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			symbol := opts.symbolOr(opts.cfg.Symbol)
			series, err := src.Fetch(ctx, symbol, tf)
			if err != nil {
				switch {
				case quote.IsRateLimited(err):
					return fmt.Errorf("%s rate limited: %w", src.Name(), err)
				case quote.IsEmptyResult(err):
					return fmt.Errorf("%s returned no data for %s %s: %w", src.Name(), symbol, tf, err)
				default:
					return err
				}
			}
			printSeries(cmd.OutOrStdout(), src.Name(), series, tail)
			return nil
		},
	}
	cmd.Flags().StringVar(&timeframe, "timeframe", "1D", "timeframe (1D, 5D, 1M, 3M)")
	cmd.Flags().IntVar(&tail, "tail", 5, "number of trailing candles to print (0 for all)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall request timeout")
	return cmd
}

// sourceByName builds the named adapter from config. A configured but
// disabled source may still be checked as long as it has an API key.
func sourceByName(opts *rootOptions, name string) (source.Source, error) {
	cfg := opts.cfg
	limits := limitsOf(cfg.Chart.MaxPoints)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "alpha_vantage", "alphavantage", "av":
		if strings.TrimSpace(cfg.Sources.AlphaVantage.APIKey) == "" {
			return nil, fmt.Errorf("sources.alpha_vantage.api_key is not set")
		}
		return source.NewAlphaVantage(cfg.Sources.AlphaVantage, limits, opts.log), nil
	case "polygon":
		if strings.TrimSpace(cfg.Sources.Polygon.APIKey) == "" {
			return nil, fmt.Errorf("sources.polygon.api_key is not set")
		}
		return source.NewPolygon(cfg.Sources.Polygon, limits, opts.log), nil
	default:
		return nil, fmt.Errorf("unknown source %q", name)
	}
}

func limitsOf(maxPoints map[string]int) quote.Limits {
	limits := quote.DefaultLimits()
	for raw, n := range maxPoints {
		if tf, err := quote.ParseTimeframe(raw); err == nil && n > 0 {
			limits[tf] = n
		}
	}
	return limits
}
