// ==============================================================================
// VERIFICATION REPOSITORY - internal/repository/postgres/verification.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"verifyd/pkg/domain"
	"verifyd/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const verificationColumns = `
	id, tenant_id, account_id, provider_name, provider_verification_id,
	verification_type, processing_mode, status, result, error_details,
	verification_link, callback_url, provider_payload, expires_at,
	created_at, updated_at, completed_at`

type VerificationRepository struct {
	db *sqlx.DB
}

func NewVerificationRepository(db *sqlx.DB) *VerificationRepository {
	return &VerificationRepository{db: db}
}

func statusArray(statuses []domain.VerificationStatus) interface{} {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}

func (r *VerificationRepository) Create(ctx context.Context, v *domain.Verification) error {
	query := `
		INSERT INTO verifications (` + verificationColumns + `)
		VALUES (
			:id, :tenant_id, :account_id, :provider_name, :provider_verification_id,
			:verification_type, :processing_mode, :status, :result, :error_details,
			:verification_link, :callback_url, :provider_payload, :expires_at,
			:created_at, :updated_at, :completed_at
		)
	`
	_, err := r.db.NamedExecContext(ctx, query, v)
	return errors.Wrap(err, "failed to create verification")
}

func (r *VerificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Verification, error) {
	var v domain.Verification
	query := `SELECT ` + verificationColumns + ` FROM verifications WHERE id = $1`

	err := r.db.GetContext(ctx, &v, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.ErrVerificationNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get verification")
	}
	return &v, nil
}

// UpdateProviderState stores provider-assigned fields while the
// verification is still active. Nil fields keep their stored value.
func (r *VerificationRepository) UpdateProviderState(ctx context.Context, id uuid.UUID, state domain.ProviderState, at time.Time) error {
	query := `
		UPDATE verifications SET
			provider_verification_id = COALESCE($2, provider_verification_id),
			verification_link = COALESCE($3, verification_link),
			expires_at = COALESCE($4, expires_at),
			updated_at = $5
		WHERE id = $1 AND status = ANY($6)
	`
	res, err := r.db.ExecContext(ctx, query, id,
		state.ProviderVerificationID, state.VerificationLink, state.ExpiresAt, at,
		statusArray(domain.ActiveStatuses),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update provider state")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// Transition applies change only while the stored status is one of from.
// The status check and the write are one statement.
func (r *VerificationRepository) Transition(ctx context.Context, id uuid.UUID, from []domain.VerificationStatus, change domain.StatusChange) (*domain.Verification, error) {
	var next domain.Verification
	change.Apply(&next)

	query := `
		UPDATE verifications SET
			status = $2,
			result = $3,
			error_details = $4,
			completed_at = $5,
			updated_at = $6
		WHERE id = $1 AND status = ANY($7)
		RETURNING ` + verificationColumns

	var v domain.Verification
	err := r.db.GetContext(ctx, &v, query, id,
		next.Status, next.Result, next.ErrorDetails, next.CompletedAt, next.UpdatedAt,
		statusArray(from),
	)
	if err == sql.ErrNoRows {
		return nil, r.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to transition verification")
	}
	return &v, nil
}

func (r *VerificationRepository) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM verifications WHERE id = $1)`, id); err != nil {
		return errors.Wrap(err, "failed to check verification")
	}
	if !exists {
		return errors.ErrVerificationNotFound
	}
	return errors.ErrInvalidTransition
}

// List returns one page of the tenant's verifications, newest first, and the
// total number of matches.
func (r *VerificationRepository) List(ctx context.Context, tenantID uuid.UUID, filter domain.VerificationFilter, page domain.Pagination) ([]*domain.Verification, int, error) {
	page = page.Normalize()

	conds := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(filter.Status) > 0 {
		add("status = ANY($%d)", statusArray(filter.Status))
	}
	if filter.Type != nil {
		add("verification_type = $%d", *filter.Type)
	}
	if filter.AccountID != nil {
		add("account_id = $%d", *filter.AccountID)
	}
	if filter.CreatedAfter != nil {
		add("created_at >= $%d", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		add("created_at < $%d", *filter.CreatedBefore)
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM verifications WHERE `+where, args...); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count verifications")
	}

	query := fmt.Sprintf(`SELECT %s FROM verifications WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		verificationColumns, where, len(args)+1, len(args)+2)
	items := []*domain.Verification{}
	if err := r.db.SelectContext(ctx, &items, query, append(args, page.PageSize, page.Offset())...); err != nil {
		return nil, 0, errors.Wrap(err, "failed to list verifications")
	}
	return items, total, nil
}

// ListOverdue returns active verifications whose expiry is before now,
// oldest deadline first.
func (r *VerificationRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Verification, error) {
	query := `
		SELECT ` + verificationColumns + `
		FROM verifications
		WHERE status = ANY($1) AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3
	`
	var items []*domain.Verification
	if err := r.db.SelectContext(ctx, &items, query, statusArray(domain.ActiveStatuses), now, limit); err != nil {
		return nil, errors.Wrap(err, "failed to list overdue verifications")
	}
	return items, nil
}
