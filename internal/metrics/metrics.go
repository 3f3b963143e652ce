package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Label names
	LabelOp      = "op"
	LabelOutcome = "outcome"
	LabelApp     = "app"
	LabelModel   = "model"

	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics holds the Prometheus collectors of the trainer
type Metrics struct {
	registry prometheus.Gatherer

	RemoteRequestsTotal prometheus.CounterVec
	ImagesUploadedTotal prometheus.Counter
	UploadCacheHits     prometheus.Counter
	JobDuration         prometheus.HistogramVec
	GenerateTotal       prometheus.CounterVec
	StatusSubscribers   prometheus.Gauge
}

// NewMetrics registers all collectors on reg
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		RemoteRequestsTotal: *factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lora_trainer_remote_requests_total",
				Help: "Calls made to the hosted ML API by operation and outcome",
			},
			[]string{LabelOp, LabelOutcome},
		),

		ImagesUploadedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lora_trainer_images_uploaded_total",
				Help: "Training images uploaded to remote storage",
			},
		),

		UploadCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lora_trainer_upload_cache_hits_total",
				Help: "Training images whose upload was skipped thanks to the upload cache",
			},
		),

		JobDuration: *factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lora_trainer_job_duration_seconds",
				Help:    "Wall time from queue submission to result for remote jobs",
				Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{LabelApp, LabelOutcome},
		),

		GenerateTotal: *factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lora_trainer_generate_requests_total",
				Help: "Generate requests served over HTTP",
			},
			[]string{LabelModel, LabelOutcome},
		),

		StatusSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lora_trainer_status_subscribers",
				Help: "Connected websocket status subscribers",
			},
		),
	}
}

// Handler exposes the collectors of m
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRemote counts one remote call. A nil receiver is a no-op.
func (m *Metrics) RecordRemote(op string, err error) {
	if m == nil {
		return
	}
	m.RemoteRequestsTotal.WithLabelValues(op, outcome(err)).Inc()
}

// RecordJob observes the duration of a queued job
func (m *Metrics) RecordJob(app string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(app, outcome(err)).Observe(d.Seconds())
}

// RecordUpload counts an uploaded image or an upload cache hit
func (m *Metrics) RecordUpload(cached bool) {
	if m == nil {
		return
	}
	if cached {
		m.UploadCacheHits.Inc()
		return
	}
	m.ImagesUploadedTotal.Inc()
}

// RecordGenerate counts a served generate request
func (m *Metrics) RecordGenerate(model string, err error) {
	if m == nil {
		return
	}
	m.GenerateTotal.WithLabelValues(model, outcome(err)).Inc()
}

// SetSubscribers sets the websocket subscriber gauge
func (m *Metrics) SetSubscribers(n int64) {
	if m == nil {
		return
	}
	m.StatusSubscribers.Set(float64(n))
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}
