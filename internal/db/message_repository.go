package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrClaimLost is returned when a conditional status update matched no
// row, meaning another actor moved the message since this worker
// claimed it.
var ErrClaimLost = errors.New("message claim lost")

// ErrNotCancellable is returned when a cancel targets a message that is
// already processing or in a terminal state.
var ErrNotCancellable = errors.New("message is not pending or scheduled")

// ErrMessageNotFound is returned for lookups of unknown message ids.
var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `
	id, tenant_id, recipient, recipient_type, channel, notification_type,
	subject, body, transactional, status, scheduled_at, attempts,
	max_attempts, claim_token, last_attempt_at, sent_at, delivered_at,
	provider_message_id, skip_reason, error_message, created_at, updated_at`

// MessageRepository handles queue-table operations. All state
// transitions are conditional updates so that concurrent workers and
// admin actions cannot double-apply them.
type MessageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewMessageRepository creates a message repository.
func NewMessageRepository(db *DB, logger *zap.Logger) *MessageRepository {
	return &MessageRepository{
		db:     db,
		logger: logger,
	}
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.Recipient,
		&m.RecipientType,
		&m.Channel,
		&m.NotificationType,
		&m.Subject,
		&m.Body,
		&m.Transactional,
		&m.Status,
		&m.ScheduledAt,
		&m.Attempts,
		&m.MaxAttempts,
		&m.ClaimToken,
		&m.LastAttemptAt,
		&m.SentAt,
		&m.DeliveredAt,
		&m.ProviderMessageID,
		&m.SkipReason,
		&m.ErrorMessage,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Enqueue inserts a new message in pending (or scheduled) state.
func (r *MessageRepository) Enqueue(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (
			id, tenant_id, recipient, recipient_type, channel,
			notification_type, subject, body, transactional, status,
			scheduled_at, attempts, max_attempts
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		msg.ID,
		msg.TenantID,
		msg.Recipient,
		msg.RecipientType,
		msg.Channel,
		msg.NotificationType,
		msg.Subject,
		msg.Body,
		msg.Transactional,
		msg.Status,
		msg.ScheduledAt,
		msg.Attempts,
		msg.MaxAttempts,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to enqueue message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return fmt.Errorf("insert message: %w", err)
	}

	r.logger.Info("message enqueued",
		zap.String("message_id", msg.ID.String()),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.String("channel", msg.Channel),
		zap.Time("scheduled_at", msg.ScheduledAt),
	)

	return nil
}

// Get retrieves a message by ID.
func (r *MessageRepository) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `SELECT` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}

	return msg, nil
}

// ListByTenant retrieves messages for a tenant with pagination, newest first.
func (r *MessageRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Message, error) {
	query := `
		SELECT` + messageColumns + `
		FROM messages
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// Claim atomically moves up to limit due messages to processing, tagged
// with the worker's claim token. SKIP LOCKED keeps concurrent workers
// from claiming the same rows. Two guards keep at most one in-flight
// message per (tenant, recipient) pair so sends stay in scheduled_at
// order for a recipient: nothing for the pair may be processing, and
// no earlier due message for the pair may still be waiting. The second
// guard matters inside a single batch, where the first one only sees
// the statement's pre-update snapshot.
func (r *MessageRepository) Claim(ctx context.Context, token uuid.UUID, limit int) ([]*Message, error) {
	query := `
		WITH due AS (
			SELECT m.id
			FROM messages m
			WHERE m.status IN ('pending', 'scheduled')
			  AND m.scheduled_at <= now()
			  AND NOT EXISTS (
				SELECT 1 FROM messages p
				WHERE p.tenant_id = m.tenant_id
				  AND p.recipient = m.recipient
				  AND p.status = 'processing'
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM messages q
				WHERE q.tenant_id = m.tenant_id
				  AND q.recipient = m.recipient
				  AND q.status IN ('pending', 'scheduled')
				  AND q.scheduled_at <= now()
				  AND (q.scheduled_at, q.created_at, q.id) < (m.scheduled_at, m.created_at, m.id)
			  )
			ORDER BY m.scheduled_at ASC, m.created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE messages msg
		SET status = 'processing',
		    claim_token = $1,
		    updated_at = now()
		FROM due
		WHERE msg.id = due.id
		RETURNING
			msg.id, msg.tenant_id, msg.recipient, msg.recipient_type,
			msg.channel, msg.notification_type, msg.subject, msg.body,
			msg.transactional, msg.status, msg.scheduled_at, msg.attempts,
			msg.max_attempts, msg.claim_token, msg.last_attempt_at,
			msg.sent_at, msg.delivered_at, msg.provider_message_id,
			msg.skip_reason, msg.error_message, msg.created_at, msg.updated_at`

	rows, err := r.db.Pool().Query(ctx, query, token, limit)
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	defer rows.Close()

	var claimed []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		claimed = append(claimed, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	return claimed, nil
}

// MarkSent records a provider-accepted send. Consumes an attempt.
func (r *MessageRepository) MarkSent(ctx context.Context, id, token uuid.UUID, providerMessageID string) error {
	query := `
		UPDATE messages
		SET status = 'sent',
		    attempts = attempts + 1,
		    sent_at = now(),
		    last_attempt_at = now(),
		    provider_message_id = $3,
		    claim_token = NULL,
		    error_message = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND claim_token = $2
	`

	return r.transition(ctx, query, id, token, providerMessageID)
}

// MarkSkipped records a terminal gate skip. Does not consume an attempt.
func (r *MessageRepository) MarkSkipped(ctx context.Context, id, token uuid.UUID, reason string) error {
	query := `
		UPDATE messages
		SET status = 'skipped',
		    skip_reason = $3,
		    claim_token = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND claim_token = $2
	`

	return r.transition(ctx, query, id, token, reason)
}

// MarkFailed records a terminal failure. Consumes an attempt.
func (r *MessageRepository) MarkFailed(ctx context.Context, id, token uuid.UUID, errMsg string) error {
	query := `
		UPDATE messages
		SET status = 'failed',
		    attempts = attempts + 1,
		    last_attempt_at = now(),
		    error_message = $3,
		    claim_token = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND claim_token = $2
	`

	return r.transition(ctx, query, id, token, errMsg)
}

// ScheduleRetry returns a message to pending with a backoff delay after
// a transient provider failure. Consumes an attempt.
func (r *MessageRepository) ScheduleRetry(ctx context.Context, id, token uuid.UUID, errMsg string, nextAt time.Time) error {
	query := `
		UPDATE messages
		SET status = 'pending',
		    attempts = attempts + 1,
		    last_attempt_at = now(),
		    error_message = $3,
		    scheduled_at = $4,
		    claim_token = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND claim_token = $2
	`

	return r.transition(ctx, query, id, token, errMsg, nextAt)
}

// Defer reschedules a claimed message without consuming an attempt,
// for quiet hours and daily-cap deferrals.
func (r *MessageRepository) Defer(ctx context.Context, id, token uuid.UUID, until time.Time) error {
	query := `
		UPDATE messages
		SET status = 'scheduled',
		    scheduled_at = $3,
		    claim_token = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND claim_token = $2
	`

	return r.transition(ctx, query, id, token, until)
}

// Release returns a claimed message to pending with a short delay, used
// when the per-second rate gate is saturated. No attempt is consumed.
func (r *MessageRepository) Release(ctx context.Context, id, token uuid.UUID, nextAt time.Time) error {
	query := `
		UPDATE messages
		SET status = 'pending',
		    scheduled_at = $3,
		    claim_token = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND claim_token = $2
	`

	return r.transition(ctx, query, id, token, nextAt)
}

// RequeueStale returns processing messages whose claim has not moved
// since cutoff to pending, dropping the dead worker's claim token.
// Every live transition touches updated_at, so a row stuck past the
// cutoff belongs to a worker that crashed mid-batch.
func (r *MessageRepository) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE messages
		SET status = 'pending',
		    claim_token = NULL,
		    updated_at = now()
		WHERE status = 'processing' AND updated_at < $1
	`

	result, err := r.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims: %w", err)
	}

	requeued := result.RowsAffected()
	if requeued > 0 {
		r.logger.Warn("requeued stale claims",
			zap.Int64("count", requeued),
			zap.Time("cutoff", cutoff),
		)
	}

	return requeued, nil
}

func (r *MessageRepository) transition(ctx context.Context, query string, id, token uuid.UUID, args ...any) error {
	all := append([]any{id, token}, args...)

	result, err := r.db.Pool().Exec(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("update message state: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrClaimLost
	}

	return nil
}

// MarkDelivered applies a provider delivery receipt, keyed by the
// provider's message id. Idempotent: replayed receipts match the
// delivered row again and are a no-op. Returns false when no sent or
// delivered message carries the id, which covers receipts arriving for
// unknown or skipped messages.
func (r *MessageRepository) MarkDelivered(ctx context.Context, providerMessageID string, deliveredAt time.Time) (*Message, error) {
	query := `
		UPDATE messages
		SET status = 'delivered',
		    delivered_at = COALESCE(delivered_at, $2),
		    updated_at = now()
		WHERE provider_message_id = $1 AND status IN ('sent', 'delivered')
		RETURNING` + messageColumns

	msg, err := scanMessage(r.db.Pool().QueryRow(ctx, query, providerMessageID, deliveredAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}

	r.logger.Info("message delivered",
		zap.String("message_id", msg.ID.String()),
		zap.String("provider_message_id", providerMessageID),
	)

	return msg, nil
}

// Cancel skips a message that has not been claimed yet. A cancel racing
// an in-flight claim loses: once processing, the current attempt
// resolves first.
func (r *MessageRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE messages
		SET status = 'skipped',
		    skip_reason = 'cancelled',
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'scheduled')
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("cancel message: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotCancellable
	}

	r.logger.Info("message cancelled", zap.String("message_id", id.String()))

	return nil
}
