// Package metrics exposes Prometheus counters for served requests and scans.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalnine/vtbot/internal/protocol"
)

var (
	// RequestsTotal counts served requests by action and result.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vtbot_requests_total",
			Help: "Requests served by the bot",
		},
		[]string{"action", "result"},
	)

	// RequestDuration observes the elapsed time of served requests.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vtbot_request_duration_seconds",
			Help:    "Time from arrival to served in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"action"},
	)

	// ScansTotal counts calls to the scanning service by kind (url, file) and outcome.
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vtbot_scans_total",
			Help: "Scans submitted to VirusTotal",
		},
		[]string{"kind", "outcome"},
	)
)

// Recorder feeds served events into the request metrics
type Recorder struct{}

func (Recorder) RecordEvent(ev *protocol.RequestEvent) error {
	RequestsTotal.WithLabelValues(string(ev.Action), string(ev.Result)).Inc()
	if ev.Elapsed != nil {
		RequestDuration.WithLabelValues(string(ev.Action)).Observe(float64(*ev.Elapsed) / 1000)
	}
	return nil
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics_listening", slog.String("addr", addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
