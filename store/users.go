package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"microblog/domain"
)

func (s *DB) UserByID(ctx context.Context, id string) (domain.User, error) {
	return s.user(ctx, "SELECT id, email FROM users WHERE id = $1", id)
}

func (s *DB) UserByEmail(ctx context.Context, email string) (domain.User, error) {
	return s.user(ctx, "SELECT id, email FROM users WHERE email = $1", email)
}

func (s *DB) user(ctx context.Context, q string, arg string) (domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx, q, arg).Scan(&u.ID, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// EnsureUser returns the user owning email, creating it on first sign-in.
func (s *DB) EnsureUser(ctx context.Context, email string) (domain.User, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, created_at) VALUES ($1, $2, $3) ON CONFLICT (email) DO NOTHING",
		uuid.NewString(), email, time.Now().UTC().UnixNano())
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	return s.UserByEmail(ctx, email)
}

// SaveMagicCode stores the code for m.Email, replacing any earlier one.
func (s *DB) SaveMagicCode(ctx context.Context, m domain.MagicCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO magic_codes (email, code_hash, expires_at, created_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (email) DO UPDATE SET code_hash = excluded.code_hash, attempts = 0, expires_at = excluded.expires_at, created_at = excluded.created_at`,
		m.Email, string(m.CodeHash), m.ExpiresAt.UTC().UnixNano(), m.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save magic code: %w", err)
	}
	return nil
}

func (s *DB) MagicCode(ctx context.Context, email string) (domain.MagicCode, error) {
	var (
		m         domain.MagicCode
		hash      string
		expiresAt int64
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT email, code_hash, attempts, expires_at, created_at FROM magic_codes WHERE email = $1", email).
		Scan(&m.Email, &hash, &m.Attempts, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MagicCode{}, fmt.Errorf("magic code for %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return domain.MagicCode{}, fmt.Errorf("query magic code: %w", err)
	}
	m.CodeHash = []byte(hash)
	m.ExpiresAt = time.Unix(0, expiresAt).UTC()
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	return m, nil
}

// FailMagicCode records a wrong guess against the code for email and
// returns the number of failed attempts so far.
func (s *DB) FailMagicCode(ctx context.Context, email string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		"UPDATE magic_codes SET attempts = attempts + 1 WHERE email = $1 RETURNING attempts", email).
		Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("magic code for %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("count failed attempt: %w", err)
	}
	return attempts, nil
}

func (s *DB) DeleteMagicCode(ctx context.Context, email string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM magic_codes WHERE email = $1", email); err != nil {
		return fmt.Errorf("delete magic code: %w", err)
	}
	return nil
}
