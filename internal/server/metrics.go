package server

import (
	"context"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves /metrics on a dedicated port, separate from the
// API surface.
type MetricsServer struct {
	server *http.Server
	log    logr.Logger
}

// NewMetricsServer creates a metrics server for the given registry.
func NewMetricsServer(addr string, reg *prometheus.Registry, log logr.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{Addr: addr, Handler: mux},
		log:    log.WithName("metrics"),
	}
}

// Start begins serving metrics. Blocks until ctx is cancelled.
func (ms *MetricsServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = ms.server.Close()
	}()

	ms.log.Info("metrics server listening", "addr", ms.server.Addr)
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		ms.log.Error(err, "metrics server error")
	}
}
