// Package events publishes message lifecycle transitions to SQS so
// downstream systems (analytics, tenant webhooks) can react without
// polling the queue tables.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/cgk-platform/courier/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// StatusEvent is the payload published for each lifecycle transition.
type StatusEvent struct {
	MessageID        string `json:"message_id"`
	TenantID         string `json:"tenant_id"`
	Recipient        string `json:"recipient"`
	Channel          string `json:"channel"`
	NotificationType string `json:"notification_type"`
	Status           string `json:"status"`
	Attempts         int    `json:"attempts"`
	SkipReason       string `json:"skip_reason,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	OccurredAt       int64  `json:"occurred_at"`
}

// Publisher sends status events to SQS.
type Publisher struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewPublisher creates a new SQS status publisher.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs status publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Publisher{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// PublishStatus publishes a lifecycle transition for a message.
func (p *Publisher) PublishStatus(ctx context.Context, msg *db.Message, status string) error {
	event := eventFromMessage(msg, status)

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to publish status event",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
			zap.String("status", status),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("status event published",
		zap.String("message_id", msg.ID.String()),
		zap.String("status", status),
		zap.String("sqs_message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func eventFromMessage(msg *db.Message, status string) StatusEvent {
	event := StatusEvent{
		MessageID:        msg.ID.String(),
		TenantID:         msg.TenantID.String(),
		Recipient:        msg.Recipient,
		Channel:          msg.Channel,
		NotificationType: msg.NotificationType,
		Status:           status,
		Attempts:         msg.Attempts,
		OccurredAt:       time.Now().UnixNano(),
	}
	if msg.SkipReason != nil {
		event.SkipReason = *msg.SkipReason
	}
	if msg.ErrorMessage != nil {
		event.ErrorMessage = *msg.ErrorMessage
	}
	return event
}
