package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"account-stepup-backend/internal/webauthn/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a passkey credential repository backed by the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert inserts the credential keyed by credential_id, updating sign count and
// transports when the same account re-registers it. The conflict update is
// guarded by account_id, so a row owned by another account is left untouched
// and reported as ErrForeignCredential.
func (r *PostgresRepository) Upsert(ctx context.Context, c *domain.Credential) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO passkey_credentials (id, account_id, credential_id, public_key, alg, sign_count, transports, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (credential_id) DO UPDATE
		SET sign_count = GREATEST(passkey_credentials.sign_count, EXCLUDED.sign_count),
			transports = EXCLUDED.transports
		WHERE passkey_credentials.account_id = EXCLUDED.account_id`,
		c.ID, c.AccountID, c.CredentialID, c.PublicKey, c.Alg, int64(c.SignCount), c.Transports,
		c.CreatedAt, timeToNullTime(c.LastUsedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrForeignCredential
	}
	return nil
}

// ListByAccount returns the account's credentials, newest first.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, credential_id, public_key, alg, sign_count, transports, created_at, last_used_at
		FROM passkey_credentials
		WHERE account_id = $1
		ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetByCredentialID returns the credential for the authenticator id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, credential_id, public_key, alg, sign_count, transports, created_at, last_used_at
		FROM passkey_credentials
		WHERE credential_id = $1`,
		credentialID,
	)
	c, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// UpdateSignCount sets the stored signature counter and last-used time.
func (r *PostgresRepository) UpdateSignCount(ctx context.Context, id string, signCount uint32, lastUsedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE passkey_credentials SET sign_count = $2, last_used_at = $3 WHERE id = $1`,
		id, int64(signCount), lastUsedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*domain.Credential, error) {
	var c domain.Credential
	var signCount int64
	var lastUsedAt sql.NullTime
	err := row.Scan(&c.ID, &c.AccountID, &c.CredentialID, &c.PublicKey, &c.Alg, &signCount, &c.Transports, &c.CreatedAt, &lastUsedAt)
	if err != nil {
		return nil, err
	}
	c.SignCount = uint32(signCount)
	if lastUsedAt.Valid {
		c.LastUsedAt = &lastUsedAt.Time
	}
	return &c, nil
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
