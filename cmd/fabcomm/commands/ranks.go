package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/rocketbitz/fabcomm/comm"
	"github.com/rocketbitz/fabcomm/config"
	"github.com/rocketbitz/fabcomm/device"
	"github.com/rocketbitz/fabcomm/pgroup"
	"github.com/rocketbitz/fabcomm/transport"
	"github.com/rocketbitz/fabcomm/transport/loopback"
	"github.com/rocketbitz/fabcomm/transport/ofi"
)

// rankFunc runs on every rank with an initialized communicator. Buffered
// communicators already have their cache set up (and warmed when configured).
type rankFunc func(ctx context.Context, c comm.Communicator) error

// telemetry is the metric hook selected by metrics.kind plus the function
// that flushes it when the run ends.
type telemetry struct {
	hook  comm.MetricHook
	flush func(ctx context.Context) error
}

func newTelemetry(cfg config.MetricsConfig, logger *zap.Logger) (*telemetry, error) {
	switch cfg.Kind {
	case config.MetricsPrometheus:
		reg := prometheus.NewRegistry()
		hook, err := comm.NewPrometheusMetrics(comm.PrometheusMetricsOptions{Registerer: reg})
		if err != nil {
			return nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("serving prometheus metrics", zap.String("listen", cfg.Listen))
		return &telemetry{hook: hook, flush: srv.Shutdown}, nil

	case config.MetricsOTel:
		reader := sdkmetric.NewManualReader()
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		hook, err := comm.NewOTelMetrics(comm.OTelMetricsOptions{MeterProvider: provider})
		if err != nil {
			return nil, err
		}
		flush := func(ctx context.Context) error {
			var rm metricdata.ResourceMetrics
			if err := reader.Collect(ctx, &rm); err != nil {
				return err
			}
			for _, scope := range rm.ScopeMetrics {
				for _, m := range scope.Metrics {
					sum, ok := m.Data.(metricdata.Sum[int64])
					if !ok {
						continue
					}
					var total int64
					for _, dp := range sum.DataPoints {
						total += dp.Value
					}
					logger.Info("metric", zap.String("name", m.Name), zap.Int64("total", total))
				}
			}
			return provider.Shutdown(ctx)
		}
		return &telemetry{hook: hook, flush: flush}, nil
	}
	return &telemetry{flush: func(context.Context) error { return nil }}, nil
}

func newProvider(cfg *config.Config, logger *zap.Logger) transport.Provider {
	if cfg.Transport.Kind == config.TransportOFI {
		return ofi.New(ofi.Options{Provider: cfg.Transport.Provider, Logger: logger})
	}
	return loopback.New(loopback.Options{Reorder: cfg.Transport.Reorder, Seed: time.Now().UnixNano()})
}

// runRanks starts every rank this process owns and runs fn on each.
func (s *session) runRanks(ctx context.Context, fn rankFunc) error {
	tel, err := newTelemetry(s.cfg.Metrics, s.logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.flush(flushCtx); err != nil {
			s.logger.Warn("metrics flush failed", zap.Error(err))
		}
	}()

	provider := newProvider(s.cfg, s.logger)
	gc := s.cfg.Group
	switch gc.Kind {
	case config.GroupGossip:
		g, err := pgroup.NewGossip(pgroup.GossipConfig{
			ClusterID:     gc.ClusterID,
			Rank:          gc.Rank,
			Size:          gc.Size,
			BindAddr:      gc.BindAddr,
			BindPort:      gc.BindPort,
			AdvertiseAddr: gc.AdvertiseAddr,
			AdvertisePort: gc.AdvertisePort,
			Seeds:         gc.Seeds,
			Logger:        s.logger,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", comm.ErrBootstrap, err)
		}
		joinCtx, cancel := context.WithTimeout(ctx, gc.JoinTimeout)
		defer cancel()
		return s.runRank(joinCtx, ctx, g, provider, tel.hook, fn)
	default:
		return pgroup.RunLocal(ctx, gc.Size, pgroup.LocalOptions{RanksPerHost: gc.RanksPerHost}, func(ctx context.Context, g pgroup.Group) error {
			return s.runRank(ctx, ctx, g, provider, tel.hook, fn)
		})
	}
}

// runRank bootstraps one communicator, prepares its cache and runs fn. All
// ranks meet at a barrier before finalizing so no endpoint closes while a
// peer still has traffic in flight.
func (s *session) runRank(initCtx, ctx context.Context, g pgroup.Group, provider transport.Provider, hook comm.MetricHook, fn rankFunc) error {
	cfg := s.cfg
	logger := s.logger.With(zap.Int("rank", g.Rank()))
	c, err := comm.New(comm.Variant(cfg.Variant), comm.Options{
		Group:    g,
		Provider: provider,
		Runtime: device.NewHost(device.HostOptions{
			Devices:         cfg.Device.Count,
			MemoryPerDevice: cfg.Device.MemoryBytes,
		}),
		PoolBytes:        cfg.Device.PoolBytes,
		StructuredLogger: logger.Sugar(),
		Metrics:          hook,
	})
	if err != nil {
		_ = g.Close()
		return err
	}
	if err := c.Init(initCtx); err != nil {
		return err
	}

	runErr := s.prepare(ctx, c)
	if runErr == nil {
		runErr = fn(ctx, c)
	}
	if runErr == nil {
		runErr = g.Barrier(ctx)
	}
	if err := c.Finalize(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *session) prepare(ctx context.Context, c comm.Communicator) error {
	b, ok := c.(*comm.Buffered)
	if !ok {
		return nil
	}
	if err := b.SetupCache(s.cfg.Cache.Count, s.cfg.Cache.Size); err != nil {
		return err
	}
	if s.cfg.Cache.Warmup {
		return b.WarmupCache(ctx)
	}
	return nil
}
