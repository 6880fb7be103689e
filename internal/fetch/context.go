package fetch

import "context"

type loadIDKey struct{}

// WithLoadID tags ctx with a correlation id that FetchSeries adds to its logs.
func WithLoadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, loadIDKey{}, id)
}

func LoadID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(loadIDKey{}).(string)
	return id
}
