package repository

import (
	"context"
	"database/sql"
	"errors"

	"account-stepup-backend/internal/challenge/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a challenge repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the challenge.
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Challenge) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stepup_challenges (id, email, channel, code_hash, salt, expires_at, attempts_left, consumed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.Email, string(c.Channel), c.CodeHash, c.Salt, c.ExpiresAt, c.AttemptsLeft, c.Consumed, c.CreatedAt,
	)
	return err
}

// GetLatest returns the newest challenge for (email, channel) regardless of
// consumption, or nil if none. It returns an error only for database failures.
func (r *PostgresRepository) GetLatest(ctx context.Context, email string, channel domain.Channel) (*domain.Challenge, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, channel, code_hash, salt, expires_at, attempts_left, consumed, created_at
		FROM stepup_challenges
		WHERE email = $1 AND channel = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		email, string(channel),
	)
	return scanChallenge(row)
}

// GetLatestActive returns the newest non-consumed challenge for (email, channel), or nil if none.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetLatestActive(ctx context.Context, email string, channel domain.Channel) (*domain.Challenge, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, channel, code_hash, salt, expires_at, attempts_left, consumed, created_at
		FROM stepup_challenges
		WHERE email = $1 AND channel = $2 AND consumed = FALSE
		ORDER BY created_at DESC
		LIMIT 1`,
		email, string(channel),
	)
	return scanChallenge(row)
}

func scanChallenge(row *sql.Row) (*domain.Challenge, error) {
	var c domain.Challenge
	var ch string
	err := row.Scan(&c.ID, &c.Email, &ch, &c.CodeHash, &c.Salt, &c.ExpiresAt, &c.AttemptsLeft, &c.Consumed, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Channel = domain.Channel(ch)
	return &c, nil
}

// ConsumeAllFor marks every non-consumed challenge for (email, channel) consumed.
func (r *PostgresRepository) ConsumeAllFor(ctx context.Context, email string, channel domain.Channel) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE stepup_challenges SET consumed = TRUE
		WHERE email = $1 AND channel = $2 AND consumed = FALSE`,
		email, string(channel),
	)
	return err
}

// Consume marks the challenge consumed, guarded by consumed = false so racing
// verifications cannot both succeed. Returns whether this call won the update.
func (r *PostgresRepository) Consume(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE stepup_challenges SET consumed = TRUE
		WHERE id = $1 AND consumed = FALSE`,
		id,
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

// DecrementAttempts decrements attempts_left and force-consumes the challenge when
// it hits zero, in a single conditional update. Returns the remaining attempts.
func (r *PostgresRepository) DecrementAttempts(ctx context.Context, id string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE stepup_challenges
		SET attempts_left = attempts_left - 1,
			consumed = (attempts_left - 1 <= 0)
		WHERE id = $1 AND consumed = FALSE AND attempts_left > 0
		RETURNING attempts_left`,
		id,
	)
	var left int
	if err := row.Scan(&left); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return left, nil
}
