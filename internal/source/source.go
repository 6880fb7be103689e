package source

import (
	"context"
	"sort"

	"ir-quote-feed/internal/quote"
)

const (
	NameAlphaVantage = "ALPHA_VANTAGE"
	NamePolygon      = "POLYGON"
)

// Source is a quote provider adapter. Fetch issues one request and never
// retries; retry policy belongs to the caller.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbol string, tf quote.Timeframe) (quote.Series, error)
}

// Descriptor is the static ordering configuration for a source. Lower
// priority values are tried first.
type Descriptor struct {
	Name     string
	Priority int
	Enabled  bool
}

type Registration struct {
	Descriptor Descriptor
	Source     Source
}

// Ordered drops disabled registrations and sorts the rest ascending by
// priority. Ties keep configured order.
func Ordered(regs []Registration) []Registration {
	out := make([]Registration, 0, len(regs))
	for _, reg := range regs {
		if !reg.Descriptor.Enabled || reg.Source == nil {
			continue
		}
		out = append(out, reg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Descriptor.Priority < out[j].Descriptor.Priority
	})
	return out
}
