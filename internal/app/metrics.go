package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tonkeeper/ssestream/internal"
)

var (
	HealthMetric = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ssedemo_health_status",
		Help: "Health status of the demo server (1 = healthy, 0 = unhealthy)",
	})

	ReadyMetric = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ssedemo_ready_status",
		Help: "Ready status of the demo server (1 = ready, 0 = not ready)",
	})

	InfoMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ssedemo_info",
		Help: "Version and storage backend of the demo server",
	}, []string{"version", "storage"})
)

// InitMetrics registers the server gauges and records build info.
func InitMetrics(storage string) {
	prometheus.MustRegister(HealthMetric, ReadyMetric, InfoMetric)
	InfoMetric.WithLabelValues(internal.VersionRevision, storage).Set(1)
}
