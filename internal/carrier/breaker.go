package carrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// Circuit states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CodeCircuitOpen is the error code of a send refused by an open circuit.
const CodeCircuitOpen = "CARRIER_CIRCUIT_OPEN"

// BreakerState is the circuit of one channel.
type BreakerState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

// Breaker wraps a Sender with a per-channel circuit kept in Redis, so every
// instance stops calling a carrier that keeps failing.
//
//   - Closed: sends pass through and consecutive transient failures are counted.
//   - Open: sends are refused with a transient error until the cooldown elapses.
//   - Half-open: a single trial send is let through. Success closes the
//     circuit, failure opens it again.
//
// Permanent and capability failures say nothing about carrier health and are
// not counted. Redis errors fail open.
type Breaker struct {
	next      Sender
	client    *redis.Client
	logger    *slog.Logger
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func NewBreaker(next Sender, client *redis.Client, threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		next:      next,
		client:    client,
		logger:    logger.With("component", "breaker"),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func breakerKey(ch domain.Channel) string {
	return "cb:carrier:" + strings.ToLower(string(ch))
}

func (b *Breaker) Supports(ch domain.Channel) bool {
	return b.next.Supports(ch)
}

func (b *Breaker) Send(ctx context.Context, msg *domain.Message) (domain.Receipt, error) {
	if state, ok := b.allow(ctx, msg.Channel); !ok {
		return domain.Receipt{}, domain.Transient(CodeCircuitOpen,
			fmt.Sprintf("%s carrier circuit is %s", msg.Channel, state))
	}

	receipt, err := b.next.Send(ctx, msg)
	if err == nil {
		b.recordSuccess(ctx, msg.Channel)
		return receipt, nil
	}
	if de := domain.ClassifyDelivery(err); de.Kind == domain.FailureTransient {
		b.recordFailure(ctx, msg.Channel)
	} else {
		b.releaseTrial(ctx, msg.Channel)
	}
	return receipt, err
}

// allow reports whether a send may go out on ch.
func (b *Breaker) allow(ctx context.Context, ch domain.Channel) (string, bool) {
	key := breakerKey(ch)

	data, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		b.logger.WarnContext(ctx, "reading circuit state", "channel", ch, "error", err)
		return StateClosed, true
	}

	switch data["state"] {
	case StateOpen:
		if !b.cooledDown(data["last_failed_at"]) {
			return StateOpen, false
		}
		return b.trial(ctx, ch, key)
	case StateHalfOpen:
		return b.trial(ctx, ch, key)
	default:
		return StateClosed, true
	}
}

// trial claims the single half-open send slot.
func (b *Breaker) trial(ctx context.Context, ch domain.Channel, key string) (string, bool) {
	claimed, err := b.client.HSetNX(ctx, key, "trial", 1).Result()
	if err != nil {
		return StateHalfOpen, true
	}
	if !claimed {
		return StateHalfOpen, false
	}
	b.client.HSet(ctx, key, "state", StateHalfOpen)
	b.logger.InfoContext(ctx, "circuit half-open", "channel", ch)
	return StateHalfOpen, true
}

func (b *Breaker) releaseTrial(ctx context.Context, ch domain.Channel) {
	b.client.HDel(ctx, breakerKey(ch), "trial")
}

func (b *Breaker) cooledDown(lastFailedAt string) bool {
	last, _ := strconv.ParseInt(lastFailedAt, 10, 64)
	return b.now().Unix()-last >= int64(b.cooldown.Seconds())
}

func (b *Breaker) recordSuccess(ctx context.Context, ch domain.Channel) {
	key := breakerKey(ch)

	state, _ := b.client.HGet(ctx, key, "state").Result()
	b.client.Del(ctx, key)
	if state == StateHalfOpen {
		b.logger.InfoContext(ctx, "circuit closed (recovered)", "channel", ch)
	}
}

func (b *Breaker) recordFailure(ctx context.Context, ch domain.Channel) {
	key := breakerKey(ch)

	var incr *redis.IntCmd
	var state *redis.StringCmd
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		state = p.HGet(ctx, key, "state")
		incr = p.HIncrBy(ctx, key, "failures", 1)
		p.HSet(ctx, key, "last_failed_at", b.now().Unix())
		p.HDel(ctx, key, "trial")
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		b.logger.ErrorContext(ctx, "recording carrier failure", "channel", ch, "error", err)
		return
	}

	failures := incr.Val()
	switch {
	case state.Val() == StateHalfOpen:
		b.client.HSet(ctx, key, "state", StateOpen)
		b.logger.WarnContext(ctx, "circuit re-opened (trial failed)", "channel", ch)
	case state.Val() != StateOpen && failures >= int64(b.threshold):
		b.client.HSet(ctx, key, "state", StateOpen)
		b.logger.WarnContext(ctx, "circuit opened",
			"channel", ch,
			"failures", failures,
			"threshold", b.threshold,
		)
	}
}

// State returns the circuit of ch as another instance would see it.
func (b *Breaker) State(ctx context.Context, ch domain.Channel) BreakerState {
	data, err := b.client.HGetAll(ctx, breakerKey(ch)).Result()
	if err != nil || len(data) == 0 {
		return BreakerState{State: StateClosed}
	}

	failures, _ := strconv.Atoi(data["failures"])
	state := data["state"]
	switch {
	case state == "":
		state = StateClosed
	case state == StateOpen && b.cooledDown(data["last_failed_at"]):
		state = StateHalfOpen
	}

	result := BreakerState{State: state, Failures: failures}
	if last, _ := strconv.ParseInt(data["last_failed_at"], 10, 64); last > 0 {
		result.LastFailedAt = time.Unix(last, 0).UTC().Format(time.RFC3339)
	}
	return result
}
