package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/cgk-platform/courier/internal/db"
	"github.com/cgk-platform/courier/internal/errs"
)

// SNSSender sends SMS messages via AWS SNS
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

// NewSNSSender creates a new SNS SMS sender
func NewSNSSender(ctx context.Context, region string, logger *zap.Logger) (*SNSSender, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(cfg),
		logger: logger,
	}, nil
}

// Send publishes an SMS via SNS and returns the SNS message id
func (s *SNSSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	if msg.Recipient == "" {
		return "", errs.Permanent(errors.New("message has no recipient phone number"))
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.Recipient),
		Message:     aws.String(msg.Body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(smsType(msg)),
			},
		},
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		s.logger.Error("SNS publish failed",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err),
		)
		return "", classifySNSError(err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("message_id", msg.ID.String()),
		zap.String("sns_message_id", aws.ToString(result.MessageId)),
	)

	return aws.ToString(result.MessageId), nil
}

// SupportsChannel returns true for SMS
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}

func smsType(msg *db.Message) string {
	if msg.Transactional {
		return "Transactional"
	}
	return "Promotional"
}

// classifySNSError maps SNS failures onto the retry taxonomy. A bad phone
// number is rejected as an invalid parameter and will never deliver.
func classifySNSError(err error) error {
	var invalid *types.InvalidParameterException
	if errors.As(err, &invalid) {
		return errs.Permanent(err)
	}
	var invalidValue *types.InvalidParameterValueException
	if errors.As(err, &invalidValue) {
		return errs.Permanent(err)
	}
	return errs.Transient(err)
}
