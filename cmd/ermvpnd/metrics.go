package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/containerd/log"
	"github.com/docker/go-metrics"
	"github.com/moby/ermvpn/libnetwork/ermvpn"
	"github.com/prometheus/client_golang/prometheus"
)

func newMetricsMux(tm *ermvpn.TreeManager) (*http.ServeMux, error) {
	ranges := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ermvpn",
		Subsystem: "labels",
		Name:      "ranges",
		Help:      "The number of label ranges in use by local forwarders",
	}, func() float64 {
		return float64(tm.Registry().Len())
	})
	if err := prometheus.Register(ranges); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		prometheus.Unregister(are.ExistingCollector)
		if err := prometheus.Register(ranges); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux, nil
}

// serveMetrics serves the metrics of tm on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, tm *ermvpn.TreeManager) error {
	mux, err := newMetricsMux(tm)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		log.G(ctx).Infof("metrics API listening on %s", l.Addr())
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
