package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenpilot/internal/audit"
)

// Server exposes /metrics, /health and /audit over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer wires the handlers. Any of metrics, health or trail may be nil;
// its route then answers 404.
func NewServer(addr string, metrics *Metrics, health *HealthMonitor, trail *audit.Trail) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if health != nil {
		mux.Handle("/health", health)
	}
	if trail != nil {
		mux.Handle("/audit", auditHandler(trail))
	}
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Handler returns the routing handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is done, then shuts down within five seconds.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("http: listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http: serve: %w", err)
	}
	return nil
}

// auditHandler lists the trail, or the entries of ?trace_id=.
func auditHandler(trail *audit.Trail) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var entries []audit.Entry
		if id := r.URL.Query().Get("trace_id"); id != "" {
			entries = trail.Query(id)
		} else {
			entries = trail.Entries()
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	})
}
