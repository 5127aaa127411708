package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgk-platform/courier/internal/db"
)

// Sender is the unified interface for outbound providers. Send returns
// the provider's message id, which delivery receipts are keyed by.
// Implementations: email (SES), SMS (SNS).
type Sender interface {
	Send(ctx context.Context, msg *db.Message) (string, error)
	SupportsChannel(channel string) bool
}

// MultiSender routes messages to the appropriate channel sender.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router that uses multiple underlying senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("message_id", msg.ID.String()),
			)
			return sender.Send(ctx, msg)
		}
	}

	return "", fmt.Errorf("no sender found for channel: %s", msg.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender is a simple sender that logs messages (for development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	s.logger.Info("logging message (development mode)",
		zap.String("id", msg.ID.String()),
		zap.String("channel", msg.Channel),
		zap.String("recipient", msg.Recipient),
		zap.String("body", msg.Body),
	)
	return "log-" + uuid.NewString(), nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	// LogSender supports all channels for development
	return channel == db.ChannelSMS || channel == db.ChannelEmail
}
