package main

import (
	"fmt"
	"io"
	"time"

	"ir-quote-feed/internal/config"
	"ir-quote-feed/internal/logging"
	"ir-quote-feed/internal/quote"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	configPath string
	envFile    string
	symbol     string

	cfg *config.Config
	log *zap.Logger
}

// symbolOr returns the --symbol flag, falling back to the configured symbol.
func (o *rootOptions) symbolOr(fallback string) string {
	if o.symbol != "" {
		return o.symbol
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "verify",
		Short:         "Check quote providers by hand",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnv(opts.envFile); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = logging.New(cfg.Log)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "configs/config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional .env file with API keys")
	cmd.PersistentFlags().StringVar(&opts.symbol, "symbol", "", "ticker to query (default: config symbol)")

	cmd.AddCommand(
		newSourceCmd(opts),
		newOverviewCmd(opts),
		newDemoCmd(opts),
	)
	return cmd
}

func printSeries(w io.Writer, label string, series quote.Series, tail int) {
	fmt.Fprintf(w, "%s %s %s: %d points\n", label, series.Symbol, series.Timeframe, series.Len())
	if series.Len() == 0 {
		return
	}
	first := series.Candles[0]
	last := series.Candles[series.Len()-1]
	fmt.Fprintf(w, "range: %s .. %s\n", first.Time.Format(time.RFC3339), last.Time.Format(time.RFC3339))
	start := series.Len() - tail
	if tail <= 0 || start < 0 {
		start = 0
	}
	for _, c := range series.Candles[start:] {
		fmt.Fprintf(w, "%s  o=%s h=%s l=%s c=%s v=%d\n",
			c.Time.Format(time.RFC3339), c.Open.StringFixed(2), c.High.StringFixed(2), c.Low.StringFixed(2), c.Close.StringFixed(2), c.Volume)
	}
}
