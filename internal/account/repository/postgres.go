package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"account-stepup-backend/internal/account/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an account repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `id, email, original_email, phone, name, state,
	delete_requested_at, restore_deadline_at, deactivated_at, email_reuse_at, reactivated_at,
	created_at, updated_at`

// GetByID returns the account for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// GetByEmail returns the account with the given email, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	return scanAccount(row)
}

// Create persists the account. The account must have ID set; it is not assigned by this method.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.Email, a.OriginalEmail, a.Phone, a.Name, string(a.State),
		timeToNullTime(a.DeleteRequestedAt), timeToNullTime(a.RestoreDeadlineAt),
		timeToNullTime(a.DeactivatedAt), timeToNullTime(a.EmailReuseAt), timeToNullTime(a.ReactivatedAt),
		a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// UpdateLifecycle writes the lifecycle columns of the account, including both
// email columns (the live address is rewritten on archival and restore, and the
// pre-archival address is recorded alongside).
func (r *PostgresRepository) UpdateLifecycle(ctx context.Context, a *domain.Account) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET email = $2, original_email = $3, state = $4,
			delete_requested_at = $5, restore_deadline_at = $6,
			deactivated_at = $7, email_reuse_at = $8, reactivated_at = $9,
			updated_at = $10
		WHERE id = $1`,
		a.ID, a.Email, a.OriginalEmail, string(a.State),
		timeToNullTime(a.DeleteRequestedAt), timeToNullTime(a.RestoreDeadlineAt),
		timeToNullTime(a.DeactivatedAt), timeToNullTime(a.EmailReuseAt), timeToNullTime(a.ReactivatedAt),
		time.Now().UTC(),
	)
	return err
}

// GetDeactivatedByOriginalEmail returns the most recently deactivated account
// whose pre-archival address matches, or nil if none. Deactivated rows no longer
// hold the address in the email column, so reuse checks go through this lookup.
func (r *PostgresRepository) GetDeactivatedByOriginalEmail(ctx context.Context, email string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE original_email = $1 AND state = 'deactivated'
		ORDER BY deactivated_at DESC
		LIMIT 1`,
		email,
	)
	return scanAccount(row)
}

// UpdateEmail sets the account's email. Returns ErrEmailTaken when another row
// already holds the address (unique_violation).
func (r *PostgresRepository) UpdateEmail(ctx context.Context, id, email string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET email = $2, updated_at = $3 WHERE id = $1`,
		id, email, time.Now().UTC(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

// UpdatePhone sets the account's phone number.
func (r *PostgresRepository) UpdatePhone(ctx context.Context, id, phone string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET phone = $2, updated_at = $3 WHERE id = $1`,
		id, phone, time.Now().UTC(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var state string
	var deleteRequestedAt, restoreDeadlineAt, deactivatedAt, emailReuseAt, reactivatedAt sql.NullTime
	err := row.Scan(
		&a.ID, &a.Email, &a.OriginalEmail, &a.Phone, &a.Name, &state,
		&deleteRequestedAt, &restoreDeadlineAt, &deactivatedAt, &emailReuseAt, &reactivatedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.State = domain.State(state)
	a.DeleteRequestedAt = nullTimeToPtr(deleteRequestedAt)
	a.RestoreDeadlineAt = nullTimeToPtr(restoreDeadlineAt)
	a.DeactivatedAt = nullTimeToPtr(deactivatedAt)
	a.EmailReuseAt = nullTimeToPtr(emailReuseAt)
	a.ReactivatedAt = nullTimeToPtr(reactivatedAt)
	return &a, nil
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}
