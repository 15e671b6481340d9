package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/FranksOps/instaharvest/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instaharvest_fetches_total",
			Help: "Total number of resource fetches by terminal outcome",
		},
		[]string{"category", "outcome", "status", "detection_src"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instaharvest_fetch_duration_seconds",
			Help:    "Duration of resource fetches including retries, in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 120},
		},
		[]string{"category"},
	)

	FetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instaharvest_fetch_bytes_total",
			Help: "Total payload bytes captured",
		},
		[]string{"category"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instaharvest_fetch_retries_total",
			Help: "Total number of retried requests by reason",
		},
		[]string{"category", "reason"},
	)

	BackoffSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "instaharvest_backoff_seconds",
			Help:    "Rate-limit backoff delays applied before a retry",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	ProxyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instaharvest_proxy_failures_total",
			Help: "Total number of connection failures per egress proxy",
		},
		[]string{"proxy_url"},
	)

	ScanPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instaharvest_scan_pages_total",
			Help: "Total number of record-store scan pages read",
		},
		[]string{"category", "stage"},
	)

	ScanItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instaharvest_scan_items_total",
			Help: "Items seen by the scanner, split into examined and matched",
		},
		[]string{"category", "stage", "kind"},
	)
)

// RecordAttempt updates the fetch metrics from a finished Attempt.
func RecordAttempt(a *storage.Attempt) {
	if a == nil {
		return
	}

	statusStr := strconv.Itoa(a.StatusCode)
	if a.StatusCode == 0 {
		statusStr = "error"
	}

	FetchesTotal.WithLabelValues(a.Category, string(a.Outcome), statusStr, a.DetectionSrc).Inc()
	FetchDuration.WithLabelValues(a.Category).Observe(a.Duration.Seconds())
	FetchBytesTotal.WithLabelValues(a.Category).Add(float64(a.Bytes))
}

// RecordRetry counts one retried request. Reason is "rate_limited", "transport"
// or "wall".
func RecordRetry(category, reason string, backoff time.Duration) {
	RetriesTotal.WithLabelValues(category, reason).Inc()
	if backoff > 0 {
		BackoffSeconds.Observe(backoff.Seconds())
	}
}

// RecordScanPage counts one scan page and the items it examined and matched.
func RecordScanPage(category, stage string, examined, matched int) {
	ScanPagesTotal.WithLabelValues(category, stage).Inc()
	ScanItemsTotal.WithLabelValues(category, stage, "examined").Add(float64(examined))
	ScanItemsTotal.WithLabelValues(category, stage, "matched").Add(float64(matched))
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified address and exposes /metrics.
func Start(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}
