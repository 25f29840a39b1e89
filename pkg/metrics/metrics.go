// Package metrics holds the Prometheus collectors of the model service.
package metrics

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Subsystem = "model_registry"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ScoreLatencyBuckets spans 100us to 5s.
var ScoreLatencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0,
}

// Metrics records deploy, undeploy and scoring activity. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	deploys        *prometheus.CounterVec
	undeploys      *prometheus.CounterVec
	scores         *prometheus.CounterVec
	scoreDuration  prometheus.Histogram
	deployedModels prometheus.GaugeFunc

	registrySize atomic.Pointer[func() int]
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		deploys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: Subsystem,
				Name:      "deploy_total",
				Help:      "Counter of model deploy requests broken out by outcome.",
			},
			[]string{"outcome"},
		),
		undeploys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: Subsystem,
				Name:      "undeploy_total",
				Help:      "Counter of model undeploy requests broken out by outcome.",
			},
			[]string{"outcome"},
		),
		scores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: Subsystem,
				Name:      "score_total",
				Help:      "Counter of scoring requests broken out by outcome.",
			},
			[]string{"outcome"},
		),
		scoreDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Subsystem: Subsystem,
				Name:      "score_duration_seconds",
				Help:      "Scoring latency distribution in seconds.",
				Buckets:   ScoreLatencyBuckets,
			},
		),
	}

	m.deployedModels = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Subsystem: Subsystem,
			Name:      "deployed_models",
			Help:      "Number of models currently deployed.",
		},
		m.deployed,
	)

	if reg == nil {
		return m, nil
	}

	var errs []error
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.deploys, m.undeploys, m.scores, m.scoreDuration, m.deployedModels}
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// RecordDeploy counts a deploy attempt.
func (m *Metrics) RecordDeploy(err error) {
	if m == nil {
		return
	}
	m.deploys.WithLabelValues(outcome(err)).Inc()
}

// RecordUndeploy counts an undeploy attempt.
func (m *Metrics) RecordUndeploy(err error) {
	if m == nil {
		return
	}
	m.undeploys.WithLabelValues(outcome(err)).Inc()
}

// RecordScore counts a scoring attempt and its latency.
func (m *Metrics) RecordScore(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.scores.WithLabelValues(outcome(err)).Inc()
	m.scoreDuration.Observe(elapsed.Seconds())
}

// TrackDeployedModels makes the registry size gauge read size at scrape
// time.
func (m *Metrics) TrackDeployedModels(size func() int) {
	if m == nil || size == nil {
		return
	}
	m.registrySize.Store(&size)
}

func (m *Metrics) deployed() float64 {
	size := m.registrySize.Load()
	if size == nil {
		return 0
	}
	return float64((*size)())
}
