package common

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ahrav/audit-mill/pkg/common/logger"
)

// Readiness is flipped by the owning process once its components are
// initialized.
type Readiness struct{ ready atomic.Bool }

// SetReady marks the process ready or not ready.
func (r *Readiness) SetReady(v bool) { r.ready.Store(v) }

// Ready reports the current readiness.
func (r *Readiness) Ready() bool { return r.ready.Load() }

type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build,omitempty"`
}

// NewHealthMux builds the operational HTTP surface: liveness, readiness,
// prometheus metrics and the statsviz runtime dashboard.
func NewHealthMux(build string, readiness *Readiness) (*http.ServeMux, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Build: build})
	})
	mux.HandleFunc("/v1/readiness", func(w http.ResponseWriter, r *http.Request) {
		if readiness != nil && !readiness.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
	})
	mux.Handle("/metrics", promhttp.Handler())

	if err := statsviz.Register(mux); err != nil {
		return nil, fmt.Errorf("registering statsviz: %w", err)
	}

	return mux, nil
}

// NewHealthServer wraps the health mux in an otelhttp-instrumented server.
func NewHealthServer(addr, build string, readiness *Readiness, log *logger.Logger) (*http.Server, error) {
	mux, err := NewHealthMux(build, readiness)
	if err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(mux, "health"),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
