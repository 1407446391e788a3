package comm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter             metric.Meter
	transferPosted    metric.Int64Counter
	transferCompleted metric.Int64Counter
	transferFailed    metric.Int64Counter
	batchPosted       metric.Int64Counter
	adhocAllocated    metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/fabcomm/comm"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.transferPosted, "fabcomm.transfers.posted"},
		{&o.transferCompleted, "fabcomm.transfers.completed"},
		{&o.transferFailed, "fabcomm.transfers.failed"},
		{&o.batchPosted, "fabcomm.batches.posted"},
		{&o.adhocAllocated, "fabcomm.adhoc.allocations"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// TransferPosted records a posted transfer.
func (o *OTelMetrics) TransferPosted(attrs map[string]string) {
	o.transferPosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// TransferCompleted records a successful transfer.
func (o *OTelMetrics) TransferCompleted(attrs map[string]string) {
	o.transferCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// TransferFailed records a failed transfer.
func (o *OTelMetrics) TransferFailed(_ error, attrs map[string]string) {
	o.transferFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// BatchPosted records a staged batch handed to the transport.
func (o *OTelMetrics) BatchPosted(attrs map[string]string) {
	o.batchPosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// AdhocAllocated records a staging buffer allocated outside the cache.
func (o *OTelMetrics) AdhocAllocated(attrs map[string]string) {
	o.adhocAllocated.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelVariant, attrs[labelVariant]),
		attribute.String(labelProvider, attrs[labelProvider]),
	}
	if v := attrs[labelRank]; v != "" {
		kvs = append(kvs, attribute.String(labelRank, v))
	}
	return kvs
}

func otelAttrsWithOperation(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	return kvs
}
