package db

import (
	"time"

	"github.com/google/uuid"
)

// Message is one unit of outbound notification content. Rows are
// inserted by producers, mutated only by the worker that claimed them,
// and never deleted.
type Message struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          uuid.UUID  `json:"tenant_id"`
	Recipient         string     `json:"recipient"`
	RecipientType     string     `json:"recipient_type"`
	Channel           string     `json:"channel"`
	NotificationType  string     `json:"notification_type"`
	Subject           *string    `json:"subject,omitempty"`
	Body              string     `json:"body"`
	Transactional     bool       `json:"transactional"`
	Status            string     `json:"status"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	Attempts          int        `json:"attempts"`
	MaxAttempts       int        `json:"max_attempts"`
	ClaimToken        *uuid.UUID `json:"-"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	SkipReason        *string    `json:"skip_reason,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Status constants
const (
	StatusPending    = "pending"
	StatusScheduled  = "scheduled"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// Channel constants
const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// Recipient type constants
const (
	RecipientCustomer   = "customer"
	RecipientCreator    = "creator"
	RecipientContractor = "contractor"
	RecipientVendor     = "vendor"
)

// Skip reasons
const (
	SkipReasonOptedOut        = "opted_out"
	SkipReasonChannelDisabled = "channel_disabled"
	SkipReasonCancelled       = "cancelled"
)

// Opt-out methods
const (
	OptOutMethodStopKeyword = "stop_keyword"
	OptOutMethodAdmin       = "admin"
)

// IsTerminal reports whether a status admits no further worker transitions.
// Sent is not terminal: the provider callback can still move it to delivered.
func IsTerminal(status string) bool {
	return status == StatusDelivered || status == StatusFailed || status == StatusSkipped
}

// OptOut records a recipient that permanently withdrew consent for a tenant.
type OptOut struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	Recipient  string    `json:"recipient"`
	Method     string    `json:"method"`
	RawMessage *string   `json:"raw_message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TenantSettings holds the per-tenant master switches, throughput caps,
// and quiet-hours window.
type TenantSettings struct {
	TenantID          uuid.UUID `json:"tenant_id"`
	SMSEnabled        bool      `json:"sms_enabled"`
	EmailEnabled      bool      `json:"email_enabled"`
	MessagesPerSecond int       `json:"messages_per_second"`
	DailyLimit        int       `json:"daily_limit"`
	QuietHoursEnabled bool      `json:"quiet_hours_enabled"`
	QuietHoursStart   string    `json:"quiet_hours_start"`
	QuietHoursEnd     string    `json:"quiet_hours_end"`
	Timezone          string    `json:"timezone"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Template is a content template. TenantID is nil for system defaults
// (is_default); tenant-specific rows override defaults.
type Template struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         *uuid.UUID `json:"tenant_id,omitempty"`
	NotificationType string     `json:"notification_type"`
	Channel          string     `json:"channel"`
	Subject          *string    `json:"subject,omitempty"`
	Body             string     `json:"body"`
	IsDefault        bool       `json:"is_default"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
