package carrier

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// MockSender simulates a carrier in process. It accepts every channel,
// sleeps a random latency and fails a fraction of attempts transiently.
type MockSender struct {
	logger     *slog.Logger
	FailRate   float64
	MinLatency time.Duration
	MaxLatency time.Duration
}

func NewMockSender(logger *slog.Logger, failRate float64, minLatency, maxLatency time.Duration) *MockSender {
	return &MockSender{
		logger:     logger.With("carrier", "mock"),
		FailRate:   failRate,
		MinLatency: minLatency,
		MaxLatency: maxLatency,
	}
}

func (m *MockSender) Supports(ch domain.Channel) bool {
	return ch.ValidForLog()
}

func (m *MockSender) latency() time.Duration {
	if m.MaxLatency <= m.MinLatency {
		return m.MinLatency
	}
	return m.MinLatency + time.Duration(rand.Int63n(int64(m.MaxLatency-m.MinLatency)))
}

func (m *MockSender) Send(ctx context.Context, msg *domain.Message) (domain.Receipt, error) {
	if d := m.latency(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return domain.Receipt{}, domain.ClassifyDelivery(ctx.Err())
		}
	}

	if m.FailRate > 0 && rand.Float64() < m.FailRate {
		m.logger.DebugContext(ctx, "mock carrier simulated failure", "send_log_id", msg.LogID, "channel", msg.Channel)
		return domain.Receipt{}, domain.Transient("MOCK_UNAVAILABLE", "mock carrier simulated 503")
	}

	id := "mock-" + uuid.NewString()
	m.logger.DebugContext(ctx, "mock carrier accepted message", "send_log_id", msg.LogID, "external_message_id", id)
	return domain.Receipt{ExternalMessageID: id}, nil
}
