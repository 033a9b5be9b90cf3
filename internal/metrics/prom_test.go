package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

func TestRecorder_CountsAttempts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	r.AttemptFinished(domain.ChannelSMS, "SENT")
	r.AttemptFinished(domain.ChannelSMS, "SENT")
	r.AttemptFinished(domain.ChannelKakao, "FAILED")

	if got := testutil.ToFloat64(r.attempts.WithLabelValues("SMS", "SENT")); got != 2 {
		t.Errorf("SMS SENT attempts: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.attempts.WithLabelValues("KAKAO", "FAILED")); got != 1 {
		t.Errorf("KAKAO FAILED attempts: got %v, want 1", got)
	}
}

func TestRecorder_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("first NewRecorder: %v", err)
	}
	second, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("second NewRecorder should reuse collectors: %v", err)
	}

	first.JobFinished(domain.JobCompleted)
	second.JobFinished(domain.JobCompleted)

	if got := testutil.ToFloat64(first.finished.WithLabelValues("COMPLETED")); got != 2 {
		t.Errorf("finished jobs: got %v, want 2 (shared collector)", got)
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.AttemptFinished(domain.ChannelSMS, "SENT")
	r.JobFinished(domain.JobFailed)
	r.ObserveAdmissionWait(domain.ChannelSMS, time.Second)
	r.TrackingEvent(domain.EventClick, true)
	r.RunStarted()
	r.RunStopped()
}
