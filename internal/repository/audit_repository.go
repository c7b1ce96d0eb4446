package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// AuditRepository records authentication decisions for later review
type AuditRepository interface {
	Record(ctx context.Context, event *AuthEvent) error
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]AuthEvent, error)
}

// AuditRepo implements AuditRepository using PostgreSQL through sqlx
type AuditRepo struct {
	db *sqlx.DB
}

// NewAuditRepo creates a new AuditRepo instance
func NewAuditRepo(db *sqlx.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

var _ AuditRepository = (*AuditRepo)(nil)

// Record inserts one auth event
func (r *AuditRepo) Record(ctx context.Context, event *AuthEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO auth_events (id, endpoint, decision, reason, client_ip, account_id, created_at)
		VALUES (:id, :endpoint, :decision, :reason, :client_ip, :account_id, :created_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, event)
	return err
}

// ListByAccount returns the most recent events for an account, newest first
func (r *AuditRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]AuthEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT id, endpoint, decision, reason, client_ip, account_id, created_at
		FROM auth_events
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	var events []AuthEvent
	if err := r.db.SelectContext(ctx, &events, query, accountID, limit); err != nil {
		return nil, err
	}
	return events, nil
}
