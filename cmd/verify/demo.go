package main

import (
	"time"

	"ir-quote-feed/internal/demo"
	"ir-quote-feed/internal/quote"

	"github.com/spf13/cobra"
)

func newDemoCmd(opts *rootOptions) *cobra.Command {
	var (
		timeframe string
		seed      int64
		tail      int
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Print a synthetic series, labelled as demo data",
		Args:  cobra.NoArgs,
		// Demo data needs no config or API keys.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			tf, err := quote.ParseTimeframe(timeframe)
			if err != nil {
				return err
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			series := demo.NewGenerator(seed).Generate(opts.symbolOr("ATON"), tf, time.Now())
			printSeries(cmd.OutOrStdout(), demo.SourceName, series, tail)
			return nil
		},
	}
	cmd.Flags().StringVar(&timeframe, "timeframe", "1D", "timeframe (1D, 5D, 1M, 3M)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (0 uses the clock)")
	cmd.Flags().IntVar(&tail, "tail", 5, "number of trailing candles to print (0 for all)")
	return cmd
}
