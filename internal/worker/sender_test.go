package worker

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/cgk-platform/courier/internal/db"
)

type channelSender struct {
	channel string
	provID  string
	calls   int
}

func (s *channelSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	s.calls++
	return s.provID, nil
}

func (s *channelSender) SupportsChannel(channel string) bool {
	return channel == s.channel
}

func TestMultiSenderRoutesByChannel(t *testing.T) {
	sms := &channelSender{channel: db.ChannelSMS, provID: "sms-1"}
	email := &channelSender{channel: db.ChannelEmail, provID: "email-1"}
	multi := NewMultiSender(zap.NewNop(), sms, email)

	msg := testMessage()
	msg.Channel = db.ChannelEmail

	provID, err := multi.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provID != "email-1" {
		t.Errorf("expected email-1, got %s", provID)
	}
	if sms.calls != 0 || email.calls != 1 {
		t.Errorf("expected only the email sender to be invoked, got sms=%d email=%d", sms.calls, email.calls)
	}
}

func TestMultiSenderUnknownChannel(t *testing.T) {
	multi := NewMultiSender(zap.NewNop(), &channelSender{channel: db.ChannelSMS})

	msg := testMessage()
	msg.Channel = "carrier_pigeon"

	if _, err := multi.Send(context.Background(), msg); err == nil {
		t.Fatal("expected error for unrouteable channel")
	}
	if multi.SupportsChannel("carrier_pigeon") {
		t.Error("unexpected channel support")
	}
}

func TestLogSenderReturnsSyntheticID(t *testing.T) {
	s := NewLogSender(zap.NewNop())

	provID, err := s.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(provID, "log-") {
		t.Errorf("expected synthetic log- id, got %s", provID)
	}
}
