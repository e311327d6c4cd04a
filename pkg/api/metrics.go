package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/odvcencio/scribe/pkg/storage"
)

var (
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Name:      "sessions_active",
		Help:      "Number of live analytics sessions in the registry cache.",
	})
	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "requests_total",
		Help:      "Tool calls recorded, by outcome.",
	}, []string{"status"})
	metricReaperSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "reaper_sweeps_total",
		Help:      "Background reaper passes completed.",
	})
	metricReaperClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "reaper_sessions_closed_total",
		Help:      "Sessions expired by the background reaper.",
	})
)

// ObserveRequest feeds the request counter. Wire it into the tracker's
// OnRecord hook.
func ObserveRequest(req *storage.Request) {
	metricRequestsTotal.WithLabelValues(req.Status).Inc()
}

// ObserveSweep feeds the reaper counters. Wire it into the reaper's
// OnSweep hook.
func ObserveSweep(closed int, err error) {
	metricReaperSweeps.Inc()
	if closed > 0 {
		metricReaperClosed.Add(float64(closed))
	}
}

// SetActiveSessions refreshes the live-session gauge.
func SetActiveSessions(n int) {
	metricActiveSessions.Set(float64(n))
}
