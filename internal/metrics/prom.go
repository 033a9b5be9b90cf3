package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// Recorder exports dispatch and tracking metrics. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	attempts  *prometheus.CounterVec
	finished  *prometheus.CounterVec
	admission *prometheus.HistogramVec
	tracking  *prometheus.CounterVec
	running   prometheus.Gauge
}

// NewRecorder registers the metrics on reg. A nil registerer defaults to the
// global Prometheus registerer. Collectors that are already registered are reused.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "promo_dispatch_attempts_total",
		Help: "Delivery attempts by channel and outcome",
	}, []string{"channel", "outcome"})
	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "promo_dispatch_jobs_finished_total",
		Help: "Send jobs that reached a terminal status",
	}, []string{"status"})
	admission := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "promo_dispatch_admission_wait_seconds",
		Help:    "Time a delivery attempt waited for rate admission",
		Buckets: []float64{.001, .01, .1, .5, 1, 5, 30, 120, 600, 3600},
	}, []string{"channel"})
	tracking := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "promo_dispatch_tracking_events_total",
		Help: "Tracking events recorded by type and whether the code resolved",
	}, []string{"event_type", "resolved"})
	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "promo_dispatch_running_jobs",
		Help: "Send jobs currently executing in this process",
	})

	var err error
	if attempts, err = register(reg, attempts); err != nil {
		return nil, err
	}
	if finished, err = register(reg, finished); err != nil {
		return nil, err
	}
	if admission, err = register(reg, admission); err != nil {
		return nil, err
	}
	if tracking, err = register(reg, tracking); err != nil {
		return nil, err
	}
	if running, err = register(reg, running); err != nil {
		return nil, err
	}

	return &Recorder{
		attempts:  attempts,
		finished:  finished,
		admission: admission,
		tracking:  tracking,
		running:   running,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// AttemptFinished counts one delivery attempt. outcome is the resulting row
// status or "systemic" for a capability failure.
func (r *Recorder) AttemptFinished(ch domain.Channel, outcome string) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(string(ch), outcome).Inc()
}

func (r *Recorder) JobFinished(status domain.JobStatus) {
	if r == nil {
		return
	}
	r.finished.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) ObserveAdmissionWait(ch domain.Channel, d time.Duration) {
	if r == nil {
		return
	}
	r.admission.WithLabelValues(string(ch)).Observe(d.Seconds())
}

func (r *Recorder) TrackingEvent(t domain.EventType, resolved bool) {
	if r == nil {
		return
	}
	r.tracking.WithLabelValues(string(t), strconv.FormatBool(resolved)).Inc()
}

// RunStarted and RunStopped bracket one job execution.
func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	r.running.Inc()
}

func (r *Recorder) RunStopped() {
	if r == nil {
		return
	}
	r.running.Dec()
}
