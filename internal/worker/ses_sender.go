package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/cgk-platform/courier/internal/db"
	"github.com/cgk-platform/courier/internal/errs"
)

// SESSender sends email messages via AWS SES
type SESSender struct {
	client    *ses.Client
	fromEmail string
	logger    *zap.Logger
}

// NewSESSender creates a new SES email sender
func NewSESSender(ctx context.Context, region, fromEmail string, logger *zap.Logger) (*SESSender, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESSender{
		client:    ses.NewFromConfig(cfg),
		fromEmail: fromEmail,
		logger:    logger,
	}, nil
}

// Send sends an email via SES and returns the SES message id
func (s *SESSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	if msg.Recipient == "" {
		return "", errs.Permanent(errors.New("message has no recipient email"))
	}

	subject := msg.NotificationType
	if msg.Subject != nil && *msg.Subject != "" {
		subject = *msg.Subject
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("SES send failed",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err),
		)
		return "", classifySESError(err)
	}

	s.logger.Info("email sent via SES",
		zap.String("message_id", msg.ID.String()),
		zap.String("ses_message_id", aws.ToString(result.MessageId)),
	)

	return aws.ToString(result.MessageId), nil
}

// SupportsChannel returns true for email
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}

// classifySESError maps SES failures onto the retry taxonomy. Rejected
// mail and malformed addresses will never succeed on retry.
func classifySESError(err error) error {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return errs.Permanent(err)
	}
	var notVerified *types.MailFromDomainNotVerifiedException
	if errors.As(err, &notVerified) {
		return errs.Permanent(err)
	}
	return errs.Transient(err)
}
