package twofactor

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// PostgresRepository reads two-factor state and recovery codes from Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a two-factor repository backed by the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetState returns the account's two-factor settings row, or nil if none exists.
func (r *PostgresRepository) GetState(ctx context.Context, accountID string) (*State, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT enabled, secret FROM two_factor_settings WHERE account_id = $1`,
		accountID,
	)
	var st State
	var secret sql.NullString
	if err := row.Scan(&st.Enabled, &secret); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	st.Secret = secret.String
	return &st, nil
}

// ConsumeRecoveryCode compares code against the account's unused recovery-code
// hashes and marks the first match used. The update is guarded by used = false so
// a code cannot succeed twice.
func (r *PostgresRepository) ConsumeRecoveryCode(ctx context.Context, accountID, code string) (bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, code_hash FROM recovery_codes WHERE account_id = $1 AND used = FALSE`,
		accountID,
	)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	matchedID := ""
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return false, err
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil {
			matchedID = id
			break
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	if matchedID == "" {
		return false, nil
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE recovery_codes SET used = TRUE, used_at = $2 WHERE id = $1 AND used = FALSE`,
		matchedID, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// HashRecoveryCode returns the bcrypt hash for a recovery code. Used by seeding
// and enrollment tooling.
func HashRecoveryCode(code string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
