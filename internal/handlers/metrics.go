package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the server's Prometheus collectors.
type Metrics struct {
	Predictions       *prometheus.CounterVec
	PredictionLatency prometheus.Histogram
	TrainingRuns      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chest_cancer",
			Name:      "predictions_total",
			Help:      "Predictions served, by predicted label.",
		}, []string{"label"}),
		PredictionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chest_cancer",
			Name:      "prediction_duration_seconds",
			Help:      "Time spent decoding and classifying one image.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		TrainingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chest_cancer",
			Name:      "training_runs_total",
			Help:      "Training runs started from the API, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Predictions, m.PredictionLatency, m.TrainingRuns)
	return m
}
