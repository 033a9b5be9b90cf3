package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/promo-dispatch/internal/domain"
	"github.com/Priya8975/promo-dispatch/internal/store"
)

const (
	trackingCodeLen      = 8
	trackingCodeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// FanOut expands a job into one PENDING send log per recipient per channel.
type FanOut struct {
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewFanOut(repo store.Repository, logger *slog.Logger) *FanOut {
	return &FanOut{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// NewTrackingCode returns a random base62 code for embedding in message links.
func NewTrackingCode() (string, error) {
	max := big.NewInt(int64(len(trackingCodeAlphabet)))
	b := make([]byte, trackingCodeLen)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating tracking code: %w", err)
		}
		b[i] = trackingCodeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// BuildLogs returns the rows for a job in admission order: contacts in job
// order, and for BOTH jobs the SMS row before the Kakao row. Repeated contact
// ids produce one set of rows.
func (f *FanOut) BuildLogs(job *domain.SendJob) ([]domain.SendLog, error) {
	channels := job.Channel.Expand()
	if len(channels) == 0 {
		return nil, fmt.Errorf("job %s: channel %q cannot be expanded", job.ID, job.Channel)
	}
	if len(job.ProductIDs) == 0 {
		return nil, fmt.Errorf("job %s: no products", job.ID)
	}

	now := f.now()
	seen := make(map[string]bool, len(job.ContactIDs))
	logs := make([]domain.SendLog, 0, len(job.ContactIDs)*len(channels))
	for _, contactID := range job.ContactIDs {
		if seen[contactID] {
			continue
		}
		seen[contactID] = true

		for _, ch := range channels {
			code, err := NewTrackingCode()
			if err != nil {
				return nil, err
			}
			logs = append(logs, domain.SendLog{
				ID:           uuid.NewString(),
				SendJobID:    job.ID,
				ProductID:    job.ProductIDs[0],
				ContactID:    contactID,
				Channel:      ch,
				Status:       domain.LogPending,
				TrackingCode: code,
				CreatedAt:    now,
			})
		}
	}
	return logs, nil
}

// Expand writes the job's rows unless it was expanded before, and returns
// the row count. It is safe to call on every entry into PROCESSING.
func (f *FanOut) Expand(ctx context.Context, job *domain.SendJob) (int, error) {
	if job.Expanded {
		return job.RecipientCount, nil
	}

	logs, err := f.BuildLogs(job)
	if err != nil {
		return 0, err
	}

	n, err := f.repo.ExpandJob(ctx, job.ID, logs)
	if err != nil {
		return 0, fmt.Errorf("expanding job %s: %w", job.ID, err)
	}

	f.logger.Info("fan-out complete",
		"job_id", job.ID,
		"channel", job.Channel,
		"rows", n,
	)
	return n, nil
}
