package metrics

import (
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pages"

var _ Recorder = (*PrometheusRecorder)(nil)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	submissions   *prom.CounterVec
	stageDuration *prom.HistogramVec
	batchSize     prom.Histogram
	deliveries    *prom.CounterVec
	serveDuration *prom.HistogramVec
}

// NewPrometheusRecorder registers the metrics with reg along with the Go and process collectors.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	pr := &PrometheusRecorder{
		submissions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Build submissions by result",
		}, []string{"result"}),
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages per job",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 900},
		}, []string{"stage", "result"}),
		batchSize: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_batch_size",
			Help:      "Deliveries per received batch",
			Buckets:   prom.LinearBuckets(1, 1, 10),
		}),
		deliveries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "worker_deliveries_total",
			Help:      "Settled deliveries by outcome",
		}, []string{"outcome"}),
		serveDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Served artifact requests by status code",
			Buckets:   prom.DefBuckets,
		}, []string{"code"}),
	}
	reg.MustRegister(
		pr.submissions,
		pr.stageDuration,
		pr.batchSize,
		pr.deliveries,
		pr.serveDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return pr
}

func (p *PrometheusRecorder) IncSubmission(result string) {
	p.submissions.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) ObserveStage(stage string, d time.Duration, success bool) {
	p.stageDuration.WithLabelValues(stage, result(success)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBatch(size int) {
	p.batchSize.Observe(float64(size))
}

func (p *PrometheusRecorder) IncDelivery(outcome string) {
	p.deliveries.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveServe(code int, d time.Duration) {
	p.serveDuration.WithLabelValues(strconv.Itoa(code)).Observe(d.Seconds())
}

// Handler serves the metrics gathered by reg.
func Handler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
