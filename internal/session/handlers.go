package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"ir-quote-feed/internal/display"
	"ir-quote-feed/internal/quote"

	"go.uber.org/zap"
)

// Register installs the chart endpoints on mux.
func (s *Session) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chart", s.handleCurrent)
	mux.HandleFunc("POST /api/chart/timeframe/{tf}", s.handleTimeframe)
	mux.HandleFunc("POST /api/chart/retry", s.handleRetry)
}

func (s *Session) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	s.writeView(w, http.StatusOK, s.Current())
}

func (s *Session) handleTimeframe(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("tf")
	if _, err := quote.ParseTimeframe(raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	view, err := s.UpdateTimeframe(detach(r), raw)
	s.writeView(w, statusFor(err), view)
}

func (s *Session) handleRetry(w http.ResponseWriter, r *http.Request) {
	view, err := s.Retry(detach(r))
	s.writeView(w, statusFor(err), view)
}

// detach keeps a load running after its client goes away; superseded loads
// still complete and publish.
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, quote.ErrAllSourcesExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Session) writeView(w http.ResponseWriter, status int, view display.View) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(view); err != nil {
		s.log.Warn("view encode failed", zap.Error(err))
	}
}
