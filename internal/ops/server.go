// Package ops serves the operator-facing HTTP surface: Prometheus metrics,
// a health probe, and a JSON status view of the supervisor.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"streamd/internal/platform/logger"
	"streamd/internal/platform/metrics"
	"streamd/internal/supervisor"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 5 * time.Second

// StatusSource provides the supervisor snapshot rendered by /status.
type StatusSource interface {
	Snapshot() supervisor.Snapshot
}

// NewRouter builds the ops router. refresh is called before each metrics
// scrape to update gauges from the current snapshot.
func NewRouter(log *slog.Logger, met *metrics.Metrics, src StatusSource, refresh func()) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))

	r.Get("/metrics", met.Handler(refresh).ServeHTTP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.Snapshot())
	})

	return r
}

// Serve runs the ops server until ctx is cancelled, then drains connections.
func Serve(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info("ops server listening", "addr", addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	log.Info("ops server stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
