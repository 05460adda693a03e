package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds how long in-flight scrapes may take on exit.
const shutdownTimeout = 5 * time.Second

// Prometheus configures the Prometheus exporter.
type Prometheus struct {
	Listen string `long:"listen" toml:"listen" description:"the interface we should listen on for Prometheus scrapes, empty to disable"`
}

// DefaultPrometheus returns an exporter configuration with exporting
// disabled.
func DefaultPrometheus() Prometheus {
	return Prometheus{}
}

// Enabled returns whether metrics should be exported.
func (p *Prometheus) Enabled() bool {
	return p.Listen != ""
}

// ExportPrometheusMetrics serves the metrics on the configured address
// until ctx is done.
func ExportPrometheusMetrics(ctx context.Context, cfg Prometheus,
	m *Metrics) error {

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("unable to listen for Prometheus on %v: %w",
			cfg.Listen, err)
	}

	return Serve(ctx, lis, m)
}

// Serve serves the metrics on lis until ctx is done. The listener is
// closed on return.
func Serve(ctx context.Context, lis net.Listener, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		m.Registry(), promhttp.HandlerOpts{},
	))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(lis)
	}()

	log.Infof("Prometheus exporter started on %v/metrics", lis.Addr())

	select {
	case err := <-errChan:
		return fmt.Errorf("prometheus exporter: %w", err)

	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("prometheus exporter shutdown: %w", err)
	}
	if err := <-errChan; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.Infof("Prometheus exporter stopped")

	return nil
}
