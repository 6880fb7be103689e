package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

type response struct {
	status int
	body   []byte
}

func (r response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// snippet trims the body for error messages.
func (r response) snippet() string {
	if len(r.body) > 2048 {
		return string(r.body[:2048])
	}
	return string(r.body)
}

type client struct {
	http *http.Client
	log  *zap.Logger
}

func newClient(httpClient *http.Client, timeout time.Duration, log *zap.Logger) *client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &client{http: httpClient, log: log}
}

func (c *client) get(ctx context.Context, rawURL string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Accept", "application/json")
	c.log.Debug("provider request", zap.String("url", redact(rawURL)))
	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return response{status: resp.StatusCode}, fmt.Errorf("read body: %w", err)
	}
	c.log.Debug("provider response", zap.String("url", redact(rawURL)), zap.Int("status", resp.StatusCode), zap.Int("bytes", len(body)))
	return response{status: resp.StatusCode, body: body}, nil
}

// redact hides API keys in logged URLs.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	for _, key := range []string{"apikey", "apiKey"} {
		if q.Has(key) {
			q.Set(key, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
