package telemetry

import (
	"context"
	"testing"
	"time"

	"authdns/pkg/config"
	"authdns/pkg/latency"
	"authdns/pkg/logging"
	"authdns/pkg/stats"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fixedDepth int

func (f fixedDepth) TotalDepth() int { return int(f) }

type fixedLen int

func (f fixedLen) Len() int { return int(f) }

func TestNew(t *testing.T) {
	logger := logging.NewDiscard()

	tests := []struct {
		cfg     *config.TelemetryConfig
		name    string
		wantErr bool
	}{
		{
			name: "disabled telemetry",
			cfg: &config.TelemetryConfig{
				Enabled: false,
			},
			wantErr: false,
		},
		{
			name: "prometheus enabled",
			cfg: &config.TelemetryConfig{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: true,
				PrometheusPort:    9091, // Use different port to avoid conflicts
			},
			wantErr: false,
		},
		{
			name: "only metrics",
			cfg: &config.TelemetryConfig{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: false,
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tel, err := New(ctx, tt.cfg, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tel == nil {
				t.Error("New() returned nil telemetry")
			}

			if tel != nil && tel.prometheusServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(ctx)
			}
		})
	}
}

func TestMetricName(t *testing.T) {
	if got := MetricName(stats.UDP4AnswersBytes); got != "dns.udp4_answers_bytes" {
		t.Errorf("MetricName() = %q", got)
	}
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() failed: %v", err)
	}

	values := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					values[m.Name] = dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					values[m.Name] = dp.Value
				}
			}
		}
	}
	return values
}

func TestRegisterCore(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	tel := &Telemetry{
		cfg:           &config.TelemetryConfig{Enabled: true},
		meterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		logger:        logging.NewDiscard(),
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	counters := stats.New()
	counters.Add(stats.UDPQueries, 42)
	counters.Inc(stats.OverloadDrops)
	tracker := latency.New()
	tracker.Update(5000)

	err := tel.RegisterCore(Sources{
		Counters: counters,
		Latency:  tracker,
		Queue:    fixedDepth(7),
		Cache:    fixedLen(3),
	})
	if err != nil {
		t.Fatalf("RegisterCore() failed: %v", err)
	}

	values := collect(t, reader)

	for _, name := range stats.Names() {
		if _, ok := values[MetricName(name)]; !ok {
			t.Errorf("counter %s not exported", name)
		}
	}
	if values[MetricName(stats.UDPQueries)] != 42 {
		t.Errorf("udp-queries = %d, want 42", values[MetricName(stats.UDPQueries)])
	}
	if values[MetricName(stats.OverloadDrops)] != 1 {
		t.Errorf("overload-drops = %d, want 1", values[MetricName(stats.OverloadDrops)])
	}
	if values["dns.qsize_q"] != 7 {
		t.Errorf("qsize-q = %d, want 7", values["dns.qsize_q"])
	}
	if values["dns.packetcache_size"] != 3 {
		t.Errorf("packetcache size = %d, want 3", values["dns.packetcache_size"])
	}
	if values["dns.latency"] != tracker.Micros() {
		t.Errorf("latency = %d, want %d", values["dns.latency"], tracker.Micros())
	}

	// Counters are read at collection time
	counters.Add(stats.UDPQueries, 8)
	values = collect(t, reader)
	if values[MetricName(stats.UDPQueries)] != 50 {
		t.Errorf("udp-queries after increment = %d, want 50", values[MetricName(stats.UDPQueries)])
	}
}

func TestRegisterCore_MissingSources(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: false}, logging.NewDiscard())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := tel.RegisterCore(Sources{}); err == nil {
		t.Error("expected error without counters")
	}
}

func TestRegisterCore_Disabled(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: false}, logging.NewDiscard())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := tel.RegisterCore(Sources{Counters: stats.New(), Latency: latency.New()}); err != nil {
		t.Errorf("RegisterCore() on noop provider failed: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestShutdown(t *testing.T) {
	logger := logging.NewDiscard()
	cfg := &config.TelemetryConfig{
		Enabled:           true,
		ServiceName:       "test-service",
		PrometheusEnabled: true,
		PrometheusPort:    9092, // Use different port
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = tel.Shutdown(shutdownCtx)
	if err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestDisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: false}, logging.NewDiscard())
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}

	// Even with disabled telemetry, we should get a valid provider
	if tel.MeterProvider() == nil {
		t.Error("Disabled telemetry should still return a noop meter provider")
	}
}
