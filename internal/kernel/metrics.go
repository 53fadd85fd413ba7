package kernel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	computeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opkernel_compute_total",
		Help: "Total number of kernel invocations",
	}, []string{"layer", "op", "backend"})

	computeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opkernel_compute_errors_total",
		Help: "Total number of kernel invocations that returned an error",
	}, []string{"layer", "op", "backend"})

	computeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opkernel_compute_seconds",
		Help:    "Wall time of kernel invocations",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	}, []string{"layer", "op", "backend"})
)

func observe(kind string, op Op, b Backend, took time.Duration, err error) {
	labels := prometheus.Labels{"layer": kind, "op": op.String(), "backend": b.String()}
	computeTotal.With(labels).Inc()
	computeSeconds.With(labels).Observe(took.Seconds())
	if err != nil {
		computeErrors.With(labels).Inc()
	}
}
