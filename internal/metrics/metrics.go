// Package metrics holds the engine's Prometheus collectors. Nothing here
// listens on a port; the CLI can dump the default registry to a
// node-exporter textfile.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ModelsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picolm_models_loaded_total",
		Help: "Models loaded, by architecture.",
	}, []string{"arch"})

	LoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "picolm_model_load_seconds",
		Help:    "Time to open, validate and bind a model file.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	MappedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "picolm_mapped_bytes",
		Help: "Bytes of model files currently mapped or loaded.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "picolm_sessions_active",
		Help: "Sessions created and not yet closed.",
	})

	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picolm_sessions_finished_total",
		Help: "Generations finished, by final state and reason.",
	}, []string{"state", "reason"})

	// Tokens counts forward passes; phase is "prompt" or "generate".
	Tokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picolm_tokens_total",
		Help: "Tokens run through the forward pass.",
	}, []string{"phase"})

	TokenLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "picolm_token_seconds",
		Help:    "Forward pass plus sampling time per token.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"phase"})

	// CacheRestores counts KV snapshot loads by result: "hit", "invalid"
	// or "reused" when generation started from a restored prefix.
	CacheRestores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picolm_kv_cache_restores_total",
		Help: "KV cache snapshot restores by result.",
	}, []string{"result"})

	KVBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "picolm_kv_cache_bytes",
		Help: "Bytes held by live session KV caches.",
	})
)

// WriteTextfile writes every registered metric to path in the text
// exposition format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
