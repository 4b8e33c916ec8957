// Package telemetry exports the receive path counters and gauges through
// OpenTelemetry, with an optional Prometheus scrape endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"authdns/pkg/config"
	"authdns/pkg/latency"
	"authdns/pkg/logging"
	"authdns/pkg/stats"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

const meterName = "authdns"

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	registrations      []metric.Registration
	logger             *logging.Logger
}

// QueueDepth reports the backlog of all distributors combined
type QueueDepth interface {
	TotalDepth() int
}

// CacheSize reports the number of packet cache entries
type CacheSize interface {
	Len() int
}

// Sources are the values RegisterCore observes on every collection.
// Queue and Cache are optional.
type Sources struct {
	Counters *stats.Counters
	Latency  *latency.Tracker
	Queue    QueueDepth
	Cache    CacheSize
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = logging.NewDefault()
	}
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	t.startPrometheusServer()
	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

// startPrometheusServer serves /metrics in the background
func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()
}

// MetricName maps a counter name such as "udp-queries" to its exported
// instrument name
func MetricName(counter string) string {
	return "dns." + strings.ReplaceAll(counter, "-", "_")
}

// RegisterCore registers one observable counter per stats counter, the
// qsize-q and latency gauges, and the process user-msec and sys-msec
// counters. Values are read at collection time.
func (t *Telemetry) RegisterCore(src Sources) error {
	if src.Counters == nil || src.Latency == nil {
		return fmt.Errorf("telemetry sources need counters and latency")
	}
	meter := t.meterProvider.Meter(meterName)

	names := stats.Names()
	counters := make(map[string]metric.Int64ObservableCounter, len(names))
	instruments := make([]metric.Observable, 0, len(names)+4)
	for _, name := range names {
		c, err := meter.Int64ObservableCounter(
			MetricName(name),
			metric.WithDescription(stats.Describe(name)),
		)
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", name, err)
		}
		counters[name] = c
		instruments = append(instruments, c)
	}

	queueSize, err := meter.Int64ObservableGauge(
		"dns.qsize_q",
		metric.WithDescription("Number of questions waiting for database attention"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue size gauge: %w", err)
	}

	latencyGauge, err := meter.Int64ObservableGauge(
		"dns.latency",
		metric.WithDescription("Average number of microseconds needed to answer a question"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return fmt.Errorf("failed to create latency gauge: %w", err)
	}

	cacheSize, err := meter.Int64ObservableGauge(
		"dns.packetcache_size",
		metric.WithDescription("Number of entries in the packet cache"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache size gauge: %w", err)
	}

	userMsec, err := meter.Int64ObservableCounter(
		"process.user_msec",
		metric.WithDescription("Number of CPU milliseconds spent in user space"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create user-msec counter: %w", err)
	}

	sysMsec, err := meter.Int64ObservableCounter(
		"process.sys_msec",
		metric.WithDescription("Number of CPU milliseconds spent in kernel space"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create sys-msec counter: %w", err)
	}
	instruments = append(instruments, queueSize, latencyGauge, cacheSize, userMsec, sysMsec)

	proc, procErr := process.NewProcess(int32(os.Getpid()))
	if procErr != nil {
		t.logger.Warn("Process CPU times unavailable", "error", procErr)
	}

	reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		snap := src.Counters.Snapshot()
		for name, c := range counters {
			o.ObserveInt64(c, int64(snap[name]))
		}

		o.ObserveInt64(latencyGauge, src.Latency.Micros())
		if src.Queue != nil {
			o.ObserveInt64(queueSize, int64(src.Queue.TotalDepth()))
		}
		if src.Cache != nil {
			o.ObserveInt64(cacheSize, int64(src.Cache.Len()))
		}

		if proc != nil {
			if times, err := proc.TimesWithContext(ctx); err == nil {
				o.ObserveInt64(userMsec, int64(times.User*1000))
				o.ObserveInt64(sysMsec, int64(times.System*1000))
			}
		}
		return nil
	}, instruments...)
	if err != nil {
		return fmt.Errorf("failed to register metrics callback: %w", err)
	}
	t.registrations = append(t.registrations, reg)
	return nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	for _, reg := range t.registrations {
		if err := reg.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("unregister callback: %w", err))
		}
	}
	t.registrations = nil

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
