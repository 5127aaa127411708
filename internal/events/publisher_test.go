package events

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/cgk-platform/courier/internal/db"
)

func TestEventFromMessage(t *testing.T) {
	reason := "opted_out"
	msg := &db.Message{
		ID:               uuid.New(),
		TenantID:         uuid.New(),
		Recipient:        "+15551234567",
		Channel:          db.ChannelSMS,
		NotificationType: "order_shipped",
		Attempts:         2,
		SkipReason:       &reason,
	}

	event := eventFromMessage(msg, db.StatusSkipped)

	if event.MessageID != msg.ID.String() {
		t.Errorf("message id mismatch: got %s", event.MessageID)
	}
	if event.Status != db.StatusSkipped {
		t.Errorf("status mismatch: got %s", event.Status)
	}
	if event.SkipReason != "opted_out" {
		t.Errorf("skip reason mismatch: got %s", event.SkipReason)
	}
	if event.OccurredAt == 0 {
		t.Error("occurred_at should be set")
	}
}

func TestStatusEventOmitsEmptyFields(t *testing.T) {
	msg := &db.Message{
		ID:               uuid.New(),
		TenantID:         uuid.New(),
		Recipient:        "user@example.com",
		Channel:          db.ChannelEmail,
		NotificationType: "welcome",
	}

	body, err := json.Marshal(eventFromMessage(msg, db.StatusSent))
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if _, ok := raw["skip_reason"]; ok {
		t.Error("skip_reason should be omitted when unset")
	}
	if _, ok := raw["error_message"]; ok {
		t.Error("error_message should be omitted when unset")
	}
}
