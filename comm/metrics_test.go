package comm

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func sampleAttrs() map[string]string {
	return map[string]string{
		labelVariant:   "buffered",
		labelProvider:  "loopback",
		labelRank:      "0",
		labelOperation: "send",
		labelStatus:    "ok",
	}
}

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	attrs := sampleAttrs()
	metrics.TransferPosted(attrs)
	metrics.TransferPosted(attrs)
	metrics.TransferCompleted(attrs)
	metrics.TransferFailed(errors.New("fail"), attrs)
	metrics.BatchPosted(attrs)
	metrics.AdhocAllocated(attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	cases := map[string]float64{
		"fabcomm_transfers_posted_total":    2,
		"fabcomm_transfers_completed_total": 1,
		"fabcomm_transfers_failed_total":    1,
		"fabcomm_batches_posted_total":      1,
		"fabcomm_adhoc_allocations_total":   1,
	}
	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	again, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("re-registering should reuse collectors: %v", err)
	}
	again.TransferPosted(attrs)
	mfs, _ = reg.Gather()
	if got := findCounterValue(mfs, "fabcomm_transfers_posted_total"); got != 3 {
		t.Fatalf("shared collector not reused: got %v", got)
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	attrs := sampleAttrs()
	metrics.TransferPosted(attrs)
	metrics.TransferCompleted(attrs)
	metrics.TransferFailed(errors.New("fail"), attrs)
	metrics.BatchPosted(attrs)
	metrics.BatchPosted(attrs)
	metrics.AdhocAllocated(attrs)

	ctx := context.Background()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	cases := map[string]float64{
		"fabcomm.transfers.posted":    1,
		"fabcomm.transfers.completed": 1,
		"fabcomm.transfers.failed":    1,
		"fabcomm.batches.posted":      2,
		"fabcomm.adhoc.allocations":   1,
	}
	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return 0
			}
			var total float64
			for _, dp := range sum.DataPoints {
				total += float64(dp.Value)
			}
			return total
		}
	}
	return 0
}
