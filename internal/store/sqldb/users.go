package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"medvault.org/internal/auth"
)

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		insert into users (id, username, password_hash, role, group_id, status, created_at, updated_at)
		values (?, ?, ?, ?, ?, ?, ?, ?)`),
		u.ID, u.Username, u.PasswordHash, string(u.Role), u.GroupID, u.Status, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.ErrAlreadyExists
		}
		return wrapTimeout(err)
	}
	return nil
}

func (s *Store) FindUser(ctx context.Context, id string) (*auth.User, error) {
	return s.findUserBy(ctx, `id = ?`, id)
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	return s.findUserBy(ctx, `username = ?`, username)
}

func (s *Store) findUserBy(ctx context.Context, where string, arg any) (*auth.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var (
		u    auth.User
		role string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		select id, username, password_hash, role, group_id, status, created_at, updated_at
		from users where `+where), arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.GroupID, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, wrapTimeout(err)
	}
	u.Role = auth.Role(role)
	return &u, nil
}

func (s *Store) UpdateUserRole(ctx context.Context, id string, role auth.Role) error {
	return s.updateUser(ctx, `role = ?`, string(role), id)
}

func (s *Store) UpdateUserStatus(ctx context.Context, id, status string) error {
	return s.updateUser(ctx, `status = ?`, status, id)
}

func (s *Store) updateUser(ctx context.Context, set string, value any, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.rebind(`update users set `+set+`, updated_at = ? where id = ?`),
		value, time.Now().UTC(), id)
	if err != nil {
		return wrapTimeout(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// isUniqueViolation matches both the Postgres error code and SQLite's
// constraint message without importing driver error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(strings.ToLower(msg), "unique constraint")
}
