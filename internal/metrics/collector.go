package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DBConnections tracks pool connections by state: open, idle or in_use.
	DBConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "connections",
		Help:      "Ledger database pool connections by state.",
	}, []string{"state"})

	// DBWaitCount mirrors sql.DBStats.WaitCount.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "wait_count_total",
		Help:      "Total number of connections waited for.",
	})

	// DBWaitDuration mirrors sql.DBStats.WaitDuration.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "wait_duration_seconds_total",
		Help:      "Total time waited for connections in seconds.",
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Current number of goroutines.",
	})
)

// RecordDBStats copies one pool snapshot into the gauges.
func RecordDBStats(stats sql.DBStats) {
	DBConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	DBWaitCount.Set(float64(stats.WaitCount))
	DBWaitDuration.Set(stats.WaitDuration.Seconds())
}

// StartDBStatsCollector samples pool stats and the goroutine count every
// interval until ctx is done. Run it in a goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RecordDBStats(db.Stats())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}
