package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/etnwatch/etnwatch/internal/health"
)

var (
	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "etnwatch_cycles_total", Help: "check cycles by result"}, []string{"result"})
	ProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "etnwatch_probes_total", Help: "certificate probes by status"}, []string{"status"})
	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "etnwatch_alerts_sent_total", Help: "alert events delivered per sink"}, []string{"sink"})
	NodesGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "etnwatch_nodes", Help: "transport nodes by state"}, []string{"state"})
	LastCycleTS = prometheus.NewGauge(prometheus.GaugeOpts{Name: "etnwatch_last_cycle_timestamp_seconds", Help: "unix time of last completed cycle"})
)

func init() {
	prometheus.MustRegister(CyclesTotal, ProbesTotal, AlertsTotal, NodesGauge, LastCycleTS)
}

func ServeWithHealth(addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", healthHandler.HealthHandler)
	http.HandleFunc("/ready", healthHandler.ReadinessHandler)
	http.HandleFunc("/live", healthHandler.LivenessHandler)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Warn("metrics server stopped", "err", err)
	}
}
