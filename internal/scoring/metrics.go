package scoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokensScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_scoring_tokens_total",
		Help: "Total number of tokens run through the model",
	})

	batchesScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_scoring_batches_total",
		Help: "Total number of internal batches scored",
	})

	scoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_scoring_batch_duration_seconds",
		Help:    "Time spent packing and scoring one internal batch",
		Buckets: prometheus.DefBuckets,
	})
)
