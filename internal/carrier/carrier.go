package carrier

import (
	"context"
	"fmt"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// Sender attempts delivery of one rendered message over one channel. Failures
// are returned as *domain.DeliveryError where the carrier response allows it;
// anything else is classified with domain.ClassifyDelivery.
type Sender interface {
	Supports(ch domain.Channel) bool
	Send(ctx context.Context, msg *domain.Message) (domain.Receipt, error)
}

// Router sends each message through the sender registered for its channel.
type Router struct {
	senders map[domain.Channel]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[domain.Channel]Sender)}
}

// Register routes ch to s. A later registration replaces an earlier one.
func (r *Router) Register(ch domain.Channel, s Sender) *Router {
	r.senders[ch] = s
	return r
}

func (r *Router) Supports(ch domain.Channel) bool {
	s, ok := r.senders[ch]
	return ok && s.Supports(ch)
}

func (r *Router) Send(ctx context.Context, msg *domain.Message) (domain.Receipt, error) {
	s, ok := r.senders[msg.Channel]
	if !ok || !s.Supports(msg.Channel) {
		return domain.Receipt{}, domain.Capability("CHANNEL_UNAVAILABLE", fmt.Sprintf("no sender for channel %s", msg.Channel))
	}
	return s.Send(ctx, msg)
}
