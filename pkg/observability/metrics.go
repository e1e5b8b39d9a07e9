package observability

// MetricType distinguishes how a measurement is aggregated.
type MetricType string

const (
	// MetricCounter values are added to a monotonically increasing counter.
	MetricCounter MetricType = "counter"
	// MetricHistogram values are observed into a bucketed distribution.
	MetricHistogram MetricType = "histogram"
	// MetricGauge values replace the current reading.
	MetricGauge MetricType = "gauge"
)

// Metric is a single measurement emitted by scheduler components.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector receives measurements and aggregates them.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(m Metric) {
	f(m)
}
