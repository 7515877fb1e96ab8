package otel_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	adapter "github.com/neomorfeo/seatdesk/internal/adapter/otel"
)

func TestSetup_Exporters(t *testing.T) {
	for _, exporter := range []string{adapter.ExporterStdout, adapter.ExporterNone} {
		t.Run(exporter, func(t *testing.T) {
			providers, err := adapter.Setup(context.Background(), adapter.Config{
				ServiceName:    "test",
				ServiceVersion: "0.0.1",
				Component:      "console",
				Environment:    "test",
				Exporter:       exporter,
				MetricInterval: time.Second,
			})
			if err != nil {
				t.Fatalf("Setup failed: %v", err)
			}
			if err := providers.Shutdown(context.Background()); err != nil {
				t.Fatalf("Shutdown failed: %v", err)
			}
		})
	}
}

func TestSetup_InvalidExporter(t *testing.T) {
	_, err := adapter.Setup(context.Background(), adapter.Config{
		ServiceName:    "test",
		ServiceVersion: "0.0.1",
		Environment:    "test",
		Exporter:       "invalid",
	})
	if err == nil {
		t.Fatal("expected error for invalid exporter")
	}
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg := adapter.ConfigFromEnv("seatdesk-sandbox", "sandbox")

	if cfg.ServiceName != "seatdesk-sandbox" {
		t.Errorf("ServiceName = %q, want %q", cfg.ServiceName, "seatdesk-sandbox")
	}
	if cfg.Component != "sandbox" {
		t.Errorf("Component = %q, want %q", cfg.Component, "sandbox")
	}
	if cfg.ServiceVersion != "0.1.0" {
		t.Errorf("ServiceVersion = %q, want %q", cfg.ServiceVersion, "0.1.0")
	}
	if cfg.Environment != "development" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "development")
	}
	if cfg.Exporter != adapter.ExporterStdout {
		t.Errorf("Exporter = %q, want %q", cfg.Exporter, adapter.ExporterStdout)
	}
	if cfg.MetricInterval != time.Minute {
		t.Errorf("MetricInterval = %v, want %v", cfg.MetricInterval, time.Minute)
	}
	if !cfg.Insecure {
		t.Error("development should export over plain HTTP")
	}
}

func TestConfigFromEnv_CustomValues(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "custom-service")
	t.Setenv("OTEL_SERVICE_VERSION", "1.0.0")
	t.Setenv("OTEL_ENVIRONMENT", "production")
	t.Setenv("OTEL_EXPORTER", "otlp")
	t.Setenv("OTEL_METRIC_INTERVAL", "15s")

	cfg := adapter.ConfigFromEnv("seatdesk", "console")

	if cfg.ServiceName != "custom-service" {
		t.Errorf("ServiceName = %q, want %q", cfg.ServiceName, "custom-service")
	}
	if cfg.ServiceVersion != "1.0.0" {
		t.Errorf("ServiceVersion = %q, want %q", cfg.ServiceVersion, "1.0.0")
	}
	if cfg.Environment != "production" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "production")
	}
	if cfg.Exporter != adapter.ExporterOTLP {
		t.Errorf("Exporter = %q, want %q", cfg.Exporter, adapter.ExporterOTLP)
	}
	if cfg.MetricInterval != 15*time.Second {
		t.Errorf("MetricInterval = %v, want %v", cfg.MetricInterval, 15*time.Second)
	}
	if cfg.Insecure {
		t.Error("production should not export over plain HTTP")
	}
}

func TestConfigFromEnv_InvalidMetricInterval(t *testing.T) {
	t.Setenv("OTEL_METRIC_INTERVAL", "soon")

	if cfg := adapter.ConfigFromEnv("seatdesk", "console"); cfg.MetricInterval != time.Minute {
		t.Errorf("MetricInterval = %v, want %v", cfg.MetricInterval, time.Minute)
	}
}

func TestViews_OutcomeCountsKeepOnlyKind(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(adapter.Views()...))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	counter, err := mp.Meter("test").Int64Counter(adapter.OutcomeMetric)
	if err != nil {
		t.Fatalf("creating counter: %v", err)
	}
	ctx := context.Background()
	for _, attempt := range []string{"att_1", "att_2"} {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", "purchase.succeeded"),
			attribute.String("attempt_id", attempt),
		))
	}

	m := collectMetric(t, reader, adapter.OutcomeMetric)
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", m.Data)
	}
	if len(sum.DataPoints) != 1 {
		t.Fatalf("got %d data points, want 1 (attempt ids must not split series)", len(sum.DataPoints))
	}
	dp := sum.DataPoints[0]
	if dp.Value != 2 {
		t.Errorf("count = %d, want 2", dp.Value)
	}
	if _, ok := dp.Attributes.Value("attempt_id"); ok {
		t.Error("attempt_id should be filtered out")
	}
}

func TestViews_BackendDurationBuckets(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(adapter.Views()...))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	hist, err := mp.Meter("test").Float64Histogram(adapter.BackendDurationMetric)
	if err != nil {
		t.Fatalf("creating histogram: %v", err)
	}
	hist.Record(context.Background(), 12, metric.WithAttributes(attribute.String("operation", "confirm_purchase")))

	m := collectMetric(t, reader, adapter.BackendDurationMetric)
	h, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", m.Data)
	}
	want := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	if got := h.DataPoints[0].Bounds; !slices.Equal(got, want) {
		t.Errorf("bounds = %v, want %v", got, want)
	}
}

func collectMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collecting metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %q not recorded", name)
	return metricdata.Metrics{}
}
