package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceylonstays/concierge/internal/observability/metrics"
	"github.com/ceylonstays/concierge/internal/retry"
	"github.com/ceylonstays/concierge/pkg/logging"
)

// ChannelClient sends messages over the provider transport.
type ChannelClient interface {
	SendText(ctx context.Context, recipientID, body string) (providerMessageID string, err error)
	SendTemplate(ctx context.Context, recipientID, template string) (providerMessageID string, err error)
}

// Sender delivers outbound messages with retry/backoff on transient
// transport failures. Delivery is idempotent per correlation id: resending
// an already-delivered message is a no-op.
type Sender struct {
	client  ChannelClient
	policy  retry.Policy
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	delivered map[string]time.Time
	retention time.Duration
}

// NewSender wraps a channel client.
func NewSender(client ChannelClient, policy retry.Policy, logger *logging.Logger, m *metrics.Metrics) *Sender {
	if client == nil {
		panic("conversation: channel client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sender{
		client:    client,
		policy:    policy,
		logger:    logger,
		metrics:   m,
		delivered: make(map[string]time.Time),
		retention: time.Hour,
	}
}

// Send delivers msg, retrying transient failures. A correlation id that has
// already been delivered produces no additional send.
func (s *Sender) Send(ctx context.Context, msg OutboundMessage) error {
	if msg.CorrelationID != "" && s.alreadyDelivered(msg.CorrelationID) {
		s.logger.Debug("suppressing duplicate outbound send", "correlation_id", msg.CorrelationID)
		return nil
	}

	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var sendErr error
		switch msg.Kind {
		case KindTemplate:
			_, sendErr = s.client.SendTemplate(ctx, msg.RecipientID, msg.Template)
		default:
			_, sendErr = s.client.SendText(ctx, msg.RecipientID, msg.Body)
		}
		return sendErr
	})
	if err != nil {
		s.metrics.ObserveOutbound(string(msg.Kind), "failed")
		return fmt.Errorf("conversation: outbound send: %w", err)
	}

	s.markDelivered(msg.CorrelationID)
	s.metrics.ObserveOutbound(string(msg.Kind), "sent")
	return nil
}

func (s *Sender) alreadyDelivered(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.delivered[correlationID]
	return ok
}

func (s *Sender) markDelivered(correlationID string) {
	if correlationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.retention)
	for id, at := range s.delivered {
		if at.Before(cutoff) {
			delete(s.delivered, id)
		}
	}
	s.delivered[correlationID] = time.Now()
}
