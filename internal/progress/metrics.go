package progress

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gauges exposed at /metrics alongside the progress
// tracker's database-persisted state: phase duration and queue backlog,
// the two numbers an operator watching a stalled scan reaches for first.
type Metrics struct {
	phaseDuration *prometheus.GaugeVec
	queueBacklog  *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		phaseDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docbias_phase_duration_seconds",
			Help: "Elapsed time of the current or most recently completed phase per scan.",
		}, []string{"scan_id", "phase"}),
		queueBacklog: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docbias_queue_backlog",
			Help: "Last observed message count for a named queue.",
		}, []string{"queue"}),
	}
}

func (m *Metrics) ObservePhaseDuration(scanID int64, phase string, seconds float64) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(strconv.FormatInt(scanID, 10), phase).Set(seconds)
}

func (m *Metrics) SetQueueBacklog(queue string, count int) {
	if m == nil {
		return
	}
	m.queueBacklog.WithLabelValues(queue).Set(float64(count))
}
