package instrumentation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "vaultdb",
	Name:      "backend_request_duration_seconds",
	Help:      "Time spent doing backend storage requests.",
	Buckets:   prometheus.ExponentialBuckets(0.005, 4, 6),
}, []string{"operation", "status"})

// Observe records one backend request outcome.
func Observe(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	requestDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}
