package comm

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Logger provides debug logging hooks for the communicators.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
// *zap.SugaredLogger satisfies both Logger and StructuredLogger.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute is a key/value attached to spans and span events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans around collective phases such as Init and WarmupCache.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records one traced phase.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures transfer telemetry.
type MetricHook interface {
	TransferPosted(attrs map[string]string)
	TransferCompleted(attrs map[string]string)
	TransferFailed(err error, attrs map[string]string)
	BatchPosted(attrs map[string]string)
	AdhocAllocated(attrs map[string]string)
}

const (
	labelVariant   = "variant"
	labelProvider  = "provider"
	labelRank      = "rank"
	labelPeer      = "peer"
	labelOperation = "operation"
	labelStatus    = "status"
)

// Stats contains counters for communicator activity.
type Stats struct {
	TransfersPosted    uint64
	TransfersCompleted uint64
	TransfersFailed    uint64
	BatchesPosted      uint64
	BytesStaged        uint64
	CacheHits          uint64
	AdhocAllocations   uint64
}

type commStats struct {
	transfersPosted    atomic.Uint64
	transfersCompleted atomic.Uint64
	transfersFailed    atomic.Uint64
	batchesPosted      atomic.Uint64
	bytesStaged        atomic.Uint64
	cacheHits          atomic.Uint64
	adhocAllocations   atomic.Uint64
}

func (s *commStats) snapshot() Stats {
	return Stats{
		TransfersPosted:    s.transfersPosted.Load(),
		TransfersCompleted: s.transfersCompleted.Load(),
		TransfersFailed:    s.transfersFailed.Load(),
		BatchesPosted:      s.batchesPosted.Load(),
		BytesStaged:        s.bytesStaged.Load(),
		CacheHits:          s.cacheHits.Load(),
		AdhocAllocations:   s.adhocAllocations.Load(),
	}
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

// observer fans events out to the configured logging, metric and tracing
// hooks. Every hook is optional.
type observer struct {
	variant    string
	provider   string
	rank       int
	logger     Logger
	structured StructuredLogger
	tracer     Tracer
	metrics    MetricHook
	stats      commStats
}

func newObserver(variant string, opts Options) *observer {
	o := &observer{
		variant:    variant,
		rank:       -1,
		logger:     opts.Logger,
		structured: opts.StructuredLogger,
		tracer:     opts.Tracer,
		metrics:    opts.Metrics,
	}
	if opts.Provider != nil {
		o.provider = opts.Provider.Name()
	}
	return o
}

func (o *observer) attrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelVariant] = o.variant
	attrs[labelProvider] = o.provider
	attrs[labelRank] = strconv.Itoa(o.rank)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (o *observer) log(event string, fields ...logField) {
	if o.structured != nil {
		kv := make([]any, 0, len(fields)*2+6)
		kv = append(kv, "event", event, labelVariant, o.variant, labelRank, o.rank)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		o.structured.Debugw("fabcomm", kv...)
		return
	}
	if o.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	o.logger.Debugf("fabcomm %s rank=%d %s", o.variant, o.rank, b.String())
}

func (o *observer) startSpan(name string, fields ...logField) Span {
	if o.tracer == nil {
		return nil
	}
	return o.tracer.StartSpan(name, attributesFromFields(fields...)...)
}

func (o *observer) transferPosted(fields ...logField) {
	o.stats.transfersPosted.Add(1)
	o.log("transfer_posted", fields...)
	if o.metrics != nil {
		o.metrics.TransferPosted(o.attrs(fields...))
	}
}

func (o *observer) transferDone(err error, fields ...logField) {
	if err != nil {
		o.stats.transfersFailed.Add(1)
		fields = append(fields, logKV(labelStatus, "error"), logKV("error", err))
		o.log("completion_error", fields...)
		if o.metrics != nil {
			o.metrics.TransferFailed(err, o.attrs(fields...))
		}
		return
	}
	o.stats.transfersCompleted.Add(1)
	fields = append(fields, logKV(labelStatus, "ok"))
	o.log("completion", fields...)
	if o.metrics != nil {
		o.metrics.TransferCompleted(o.attrs(fields...))
	}
}

func (o *observer) batchPosted(fields ...logField) {
	o.stats.batchesPosted.Add(1)
	if o.metrics != nil {
		o.metrics.BatchPosted(o.attrs(fields...))
	}
}

func (o *observer) adhocAllocated(size int, fields ...logField) {
	o.stats.adhocAllocations.Add(1)
	fields = append(fields, logKV("size", size))
	o.log("adhoc_alloc", fields...)
	if o.metrics != nil {
		o.metrics.AdhocAllocated(o.attrs(fields...))
	}
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanEnd(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
