package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/rickgao/doge-gateway/internal/config"
	"github.com/rickgao/doge-gateway/internal/counter"
	"github.com/rickgao/doge-gateway/internal/metrics"
	"github.com/rickgao/doge-gateway/internal/version"
)

// newMetricsHandler serves Prometheus metrics and a health check.
func newMetricsHandler(metricsPath string, visits *counter.Counter) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, metrics.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status  string `json:"status"`
			Version string `json:"version"`
			Visits  int64  `json:"visits"`
		}{
			Status:  "healthy",
			Version: version.Version,
			Visits:  visits.Current(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	})

	return mux
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
