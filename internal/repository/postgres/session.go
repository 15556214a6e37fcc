// ==============================================================================
// PROVIDER SESSION REPOSITORY - internal/repository/postgres/session.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"

	"verifyd/pkg/domain"
	"verifyd/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const sessionColumns = `
	id, verification_id, tenant_id, provider_session_id, current_step,
	total_steps, progress_percentage, steps, status, version,
	created_at, updated_at, completed_at`

type SessionRepository struct {
	db *sqlx.DB
}

func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *domain.ProviderSession) error {
	query := `
		INSERT INTO provider_sessions (` + sessionColumns + `)
		VALUES (
			:id, :verification_id, :tenant_id, :provider_session_id, :current_step,
			:total_steps, :progress_percentage, :steps, :status, :version,
			:created_at, :updated_at, :completed_at
		)
	`
	_, err := r.db.NamedExecContext(ctx, query, s)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errors.ErrSessionExists
	}
	return errors.Wrap(err, "failed to create provider session")
}

func (r *SessionRepository) GetByVerification(ctx context.Context, verificationID uuid.UUID) (*domain.ProviderSession, error) {
	var s domain.ProviderSession
	query := `SELECT ` + sessionColumns + ` FROM provider_sessions WHERE verification_id = $1`

	err := r.db.GetContext(ctx, &s, query, verificationID)
	if err == sql.ErrNoRows {
		return nil, errors.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get provider session")
	}
	return &s, nil
}

// Update writes s if the stored version still equals expectedVersion and
// bumps the version.
func (r *SessionRepository) Update(ctx context.Context, s *domain.ProviderSession, expectedVersion int) error {
	query := `
		UPDATE provider_sessions SET
			current_step = $1, total_steps = $2, progress_percentage = $3,
			steps = $4, status = $5, completed_at = $6, updated_at = $7,
			version = version + 1
		WHERE verification_id = $8 AND version = $9
	`
	res, err := r.db.ExecContext(ctx, query,
		s.CurrentStep, s.TotalSteps, s.ProgressPercentage,
		s.Steps, s.Status, s.CompletedAt, s.UpdatedAt,
		s.VerificationID, expectedVersion,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update provider session")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM provider_sessions WHERE verification_id = $1)`, s.VerificationID); err != nil {
			return errors.Wrap(err, "failed to check provider session")
		}
		if !exists {
			return errors.ErrSessionNotFound
		}
		return errors.ErrConcurrentUpdate
	}
	s.Version = expectedVersion + 1
	return nil
}
