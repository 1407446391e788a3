package comm

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	transferPosted    *prometheus.CounterVec
	transferCompleted *prometheus.CounterVec
	transferFailed    *prometheus.CounterVec
	batchPosted       *prometheus.CounterVec
	adhocAllocated    *prometheus.CounterVec
}

var (
	transferLabelKeys   = []string{labelVariant, labelProvider, labelRank, labelOperation}
	completionLabelKeys = []string{labelVariant, labelProvider, labelRank, labelOperation, labelStatus}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Counters already registered on the registerer are reused.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		transferPosted:    counter("fabcomm_transfers_posted_total", "Number of transfers posted", transferLabelKeys),
		transferCompleted: counter("fabcomm_transfers_completed_total", "Number of transfers that completed successfully", completionLabelKeys),
		transferFailed:    counter("fabcomm_transfers_failed_total", "Number of transfers that completed with an error", completionLabelKeys),
		batchPosted:       counter("fabcomm_batches_posted_total", "Number of staged batches handed to the transport", transferLabelKeys),
		adhocAllocated:    counter("fabcomm_adhoc_allocations_total", "Number of staging buffers allocated outside the cache", transferLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{&p.transferPosted, &p.transferCompleted, &p.transferFailed, &p.batchPosted, &p.adhocAllocated} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PrometheusMetrics) TransferPosted(attrs map[string]string) {
	p.transferPosted.With(labels(attrs, transferLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TransferCompleted(attrs map[string]string) {
	p.transferCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TransferFailed(_ error, attrs map[string]string) {
	p.transferFailed.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) BatchPosted(attrs map[string]string) {
	p.batchPosted.With(labels(attrs, transferLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) AdhocAllocated(attrs map[string]string) {
	p.adhocAllocated.With(labels(attrs, transferLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
