package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OptOutRepository tracks permanently suppressed recipients per tenant.
type OptOutRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewOptOutRepository creates an opt-out repository.
func NewOptOutRepository(db *DB, logger *zap.Logger) *OptOutRepository {
	return &OptOutRepository{
		db:     db,
		logger: logger,
	}
}

// IsOptedOut reports whether the recipient has withdrawn consent for the
// tenant. Checked on every claim, not only at enqueue time, since an
// opt-out can land while a message waits in the queue.
func (r *OptOutRepository) IsOptedOut(ctx context.Context, tenantID uuid.UUID, recipient string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM opt_outs WHERE tenant_id = $1 AND recipient = $2)`,
		tenantID, recipient,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query opt-out: %w", err)
	}
	return exists, nil
}

// RecordOptOut inserts a suppression record. Idempotent: an existing
// (tenant, recipient) row makes the insert a no-op, not an error.
func (r *OptOutRepository) RecordOptOut(ctx context.Context, tenantID uuid.UUID, recipient, method string, rawMessage *string) error {
	result, err := r.db.Pool().Exec(ctx, `
		INSERT INTO opt_outs (tenant_id, recipient, method, raw_message)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, recipient) DO NOTHING
	`, tenantID, recipient, method, rawMessage)
	if err != nil {
		return fmt.Errorf("insert opt-out: %w", err)
	}

	if result.RowsAffected() > 0 {
		r.logger.Info("opt-out recorded",
			zap.String("tenant_id", tenantID.String()),
			zap.String("method", method),
		)
	}

	return nil
}
