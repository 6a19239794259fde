package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldinspect"

// Recorder holds the agent's collectors. A nil *Recorder records nothing.
type Recorder struct {
	submissions      *prometheus.CounterVec
	updates          *prometheus.CounterVec
	syncPasses       *prometheus.CounterVec
	syncRecords      *prometheus.CounterVec
	syncPassDuration prometheus.Histogram
	pendingRecords   prometheus.Gauge
	online           prometheus.Gauge
}

// NewRecorder creates the collectors and registers them with registerer.
func NewRecorder(registerer prometheus.Registerer) (*Recorder, error) {
	recorder := &Recorder{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "submissions_total",
			Help:      "Total number of submitted inspections, labeled by outcome (synced, pending, failed).",
		}, []string{"outcome"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "updates_total",
			Help:      "Total number of partial inspection updates, labeled by outcome.",
		}, []string{"outcome"}),
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Total number of reconciliation passes, labeled by result.",
		}, []string{"result"}),
		syncRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Total number of records processed by reconciliation, labeled by result.",
		}, []string{"result"}),
		syncPassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Wall-clock duration of a reconciliation pass.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}),
		pendingRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "pending_records",
			Help:      "Number of local records waiting for reconciliation after the last pass.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "Whether the platform currently reports connectivity (1) or not (0).",
		}),
	}
	if registerer != nil {
		collectors := []prometheus.Collector{
			recorder.submissions,
			recorder.updates,
			recorder.syncPasses,
			recorder.syncRecords,
			recorder.syncPassDuration,
			recorder.pendingRecords,
			recorder.online,
		}
		for _, collector := range collectors {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return recorder, nil
}

func (r *Recorder) Submission(outcome string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Update(outcome string) {
	if r == nil {
		return
	}
	r.updates.WithLabelValues(outcome).Inc()
}

// SyncPass records a finished pass and how many records it left pending.
func (r *Recorder) SyncPass(result string, succeeded, failed int, pending int64, duration time.Duration) {
	if r == nil {
		return
	}
	r.syncPasses.WithLabelValues(result).Inc()
	r.syncRecords.WithLabelValues("succeeded").Add(float64(succeeded))
	r.syncRecords.WithLabelValues("failed").Add(float64(failed))
	r.syncPassDuration.Observe(duration.Seconds())
	if pending >= 0 {
		r.pendingRecords.Set(float64(pending))
	}
}

func (r *Recorder) SyncSkipped(result string) {
	if r == nil {
		return
	}
	r.syncPasses.WithLabelValues(result).Inc()
}

func (r *Recorder) Online(online bool) {
	if r == nil {
		return
	}
	if online {
		r.online.Set(1)
		return
	}
	r.online.Set(0)
}
