package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrTemplateNotFound is returned when neither a tenant override nor a
// system default template exists for a notification type and channel.
var ErrTemplateNotFound = errors.New("template not found")

// SettingsRepository reads tenant settings, channel toggles, and
// templates. Defaults below apply when a tenant has no settings row.
type SettingsRepository struct {
	db     *DB
	logger *zap.Logger

	defaultMessagesPerSecond int
	defaultDailyLimit        int
}

// NewSettingsRepository creates a settings repository. The throughput
// arguments are the platform defaults for tenants without a row.
func NewSettingsRepository(db *DB, logger *zap.Logger, messagesPerSecond, dailyLimit int) *SettingsRepository {
	return &SettingsRepository{
		db:                       db,
		logger:                   logger,
		defaultMessagesPerSecond: messagesPerSecond,
		defaultDailyLimit:        dailyLimit,
	}
}

// GetTenantSettings returns the tenant's settings, falling back to
// platform defaults (both channels on, no quiet hours, UTC) when the
// tenant has never configured anything.
func (r *SettingsRepository) GetTenantSettings(ctx context.Context, tenantID uuid.UUID) (*TenantSettings, error) {
	query := `
		SELECT tenant_id, sms_enabled, email_enabled, messages_per_second,
		       daily_limit, quiet_hours_enabled, quiet_hours_start,
		       quiet_hours_end, timezone, updated_at
		FROM tenant_settings
		WHERE tenant_id = $1
	`

	var s TenantSettings
	err := r.db.Pool().QueryRow(ctx, query, tenantID).Scan(
		&s.TenantID,
		&s.SMSEnabled,
		&s.EmailEnabled,
		&s.MessagesPerSecond,
		&s.DailyLimit,
		&s.QuietHoursEnabled,
		&s.QuietHoursStart,
		&s.QuietHoursEnd,
		&s.Timezone,
		&s.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return &TenantSettings{
			TenantID:          tenantID,
			SMSEnabled:        true,
			EmailEnabled:      true,
			MessagesPerSecond: r.defaultMessagesPerSecond,
			DailyLimit:        r.defaultDailyLimit,
			Timezone:          "UTC",
		}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("query tenant settings: %w", err)
	}

	return &s, nil
}

// IsChannelEnabled reports whether a (tenant, notification type,
// channel) combination may send. The tenant-level master switch gates
// everything; a per-type channel row can then disable specific types.
// A missing per-type row means enabled.
func (r *SettingsRepository) IsChannelEnabled(ctx context.Context, tenantID uuid.UUID, notificationType, channel string) (bool, error) {
	settings, err := r.GetTenantSettings(ctx, tenantID)
	if err != nil {
		return false, err
	}

	switch channel {
	case ChannelSMS:
		if !settings.SMSEnabled {
			return false, nil
		}
	case ChannelEmail:
		if !settings.EmailEnabled {
			return false, nil
		}
	default:
		return false, fmt.Errorf("unknown channel: %s", channel)
	}

	var enabled bool
	err = r.db.Pool().QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT enabled FROM channel_settings
			 WHERE tenant_id = $1 AND notification_type = $2 AND channel = $3),
			TRUE
		)
	`, tenantID, notificationType, channel).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("query channel settings: %w", err)
	}

	return enabled, nil
}

// GetTemplate resolves the active template for a (tenant, notification
// type, channel): the tenant's override when present, otherwise the
// system default.
func (r *SettingsRepository) GetTemplate(ctx context.Context, tenantID uuid.UUID, notificationType, channel string) (*Template, error) {
	query := `
		SELECT id, tenant_id, notification_type, channel, subject, body,
		       is_default, created_at, updated_at
		FROM message_templates
		WHERE notification_type = $2
		  AND channel = $3
		  AND (tenant_id = $1 OR is_default)
		ORDER BY (tenant_id = $1) DESC NULLS LAST
		LIMIT 1
	`

	var t Template
	err := r.db.Pool().QueryRow(ctx, query, tenantID, notificationType, channel).Scan(
		&t.ID,
		&t.TenantID,
		&t.NotificationType,
		&t.Channel,
		&t.Subject,
		&t.Body,
		&t.IsDefault,
		&t.CreatedAt,
		&t.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}

	return &t, nil
}
