package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusServer exposes a Prometheus registry over HTTP. It implements
// the Server interface.
type PrometheusServer struct {
	httpServer *http.Server
	addr       string
	path       string
}

// NewPrometheusServer creates an HTTP server that serves the given registry's
// metrics at path on addr. If reg is nil, the default global registry is used.
func NewPrometheusServer(addr string, path string, reg *prometheus.Registry) *PrometheusServer {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	if reg != nil {
		mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	} else {
		mux.Handle(path, promhttp.Handler())
	}

	return &PrometheusServer{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		addr: addr,
		path: path,
	}
}

// Start begins serving metrics. It blocks until the context is canceled or
// the server fails to serve.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
