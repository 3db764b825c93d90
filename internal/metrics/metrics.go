// Package metrics exposes the process-wide traffic counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/hyproxy/internal/util"
)

const namespace = "hyproxy"

// NewRegistry returns a registry holding collectors that read util.Stats.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	counter := func(name, help string, load func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(load()) })
	}

	reg.MustRegister(
		counter("channels_opened_total", "Relayed connections opened.", util.Stats.TotalConns.Load),
		counter("channels_closed_total", "Relayed connections closed.", util.Stats.ClosedConns.Load),
		counter("connections_rejected_total", "Local connections dropped because no peer was authorized.", util.Stats.RejectedConns.Load),
		counter("bytes_sent_total", "DATA payload bytes sent to peers.", util.Stats.BytesSent.Load),
		counter("bytes_received_total", "DATA payload bytes received from peers.", util.Stats.BytesRecv.Load),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Relayed connections currently open.",
		}, func() float64 { return float64(util.Stats.Active()) }),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve listens on addr and serves /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(NewRegistry()))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogDebug("metrics: serving on http://%s/metrics", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
