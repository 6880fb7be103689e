package quote

import (
	"errors"
	"fmt"
)

// ErrAllSourcesExhausted is returned when every source failed and the cache has
// no valid entry.
var ErrAllSourcesExhausted = errors.New("all data sources failed and no valid cache available")

// RateLimitedError marks provider throttling, distinct from a generic failure.
type RateLimitedError struct {
	Source string
	Reason string
}

func (e *RateLimitedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: rate limit exceeded", e.Source)
	}
	return fmt.Sprintf("%s: rate limit exceeded: %s", e.Source, e.Reason)
}

type RequestFailedError struct {
	Source string
	Status int
	Body   string
	Err    error
}

func (e *RequestFailedError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s: request failed: http %d: %v", e.Source, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: request failed: %v", e.Source, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s: request failed: http %d: %s", e.Source, e.Status, e.Body)
	default:
		return fmt.Sprintf("%s: request failed: http %d", e.Source, e.Status)
	}
}

func (e *RequestFailedError) Unwrap() error {
	return e.Err
}

type EmptyResultError struct {
	Source string
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("%s: no data available", e.Source)
}

func IsRateLimited(err error) bool {
	var target *RateLimitedError
	return errors.As(err, &target)
}

func IsEmptyResult(err error) bool {
	var target *EmptyResultError
	return errors.As(err, &target)
}
