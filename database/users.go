package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agora/models"
	"agora/utils"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username is already taken")
)

// CreateUser registers an account and returns its uid.
func (ds *DatabaseService) CreateUser(ctx context.Context, username, password, fullname string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return 0, ErrInvalidCredentials
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}
	res, err := ds.DB.ExecContext(ctx, "INSERT INTO users (username, userslug, fullname, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		username, utils.Slugify(username), fullname, string(hashed), utils.GetSQLTime())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, ErrUsernameTaken
		}
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return res.LastInsertId()
}

// Authenticate checks a username and password pair and returns the uid.
func (ds *DatabaseService) Authenticate(ctx context.Context, username, password string) (int64, error) {
	var uid int64
	var hash string
	var banned bool
	err := ds.DB.QueryRowContext(ctx, "SELECT id, password_hash, banned FROM users WHERE username = ?", strings.TrimSpace(username)).Scan(&uid, &hash, &banned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}
	if banned {
		return 0, ErrInvalidCredentials
	}
	return uid, nil
}

// SetUserSetting stores a single preference for uid.
func (ds *DatabaseService) SetUserSetting(ctx context.Context, uid int64, key, value string) error {
	_, err := ds.DB.ExecContext(ctx, `INSERT INTO user_settings (uid, key, value) VALUES (?, ?, ?)
		ON CONFLICT(uid, key) DO UPDATE SET value = excluded.value`, uid, key, value)
	return err
}

// CreateSession issues a new opaque token for uid. Only its hash is stored.
func (ds *DatabaseService) CreateSession(ctx context.Context, uid int64, ttl time.Duration) (*models.Session, error) {
	now := utils.GetSQLTime()
	s := &models.Session{
		Token:     uuid.New().String(),
		UID:       uid,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err := ds.DB.ExecContext(ctx, "INSERT INTO sessions (token_hash, uid, created_at, expires_at) VALUES (?, ?, ?, ?)",
		utils.HashToken(s.Token), uid, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// GetSessionUID resolves a token to its uid and records the user as online.
// Unknown or expired tokens resolve to 0.
func (ds *DatabaseService) GetSessionUID(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	var uid int64
	err := ds.DB.QueryRowContext(ctx, "SELECT uid FROM sessions WHERE token_hash = ? AND expires_at > ?",
		utils.HashToken(token), utils.GetSQLTime()).Scan(&uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if _, err := ds.DB.ExecContext(ctx, "UPDATE users SET last_online = ? WHERE id = ?", utils.NowMillis(), uid); err != nil {
		ds.logger.Warn("Failed to update last_online", "uid", uid, "error", err)
	}
	return uid, nil
}

func (ds *DatabaseService) DeleteSession(ctx context.Context, token string) error {
	_, err := ds.DB.ExecContext(ctx, "DELETE FROM sessions WHERE token_hash = ?", utils.HashToken(token))
	return err
}

// PruneSessions removes expired sessions and returns how many were deleted.
func (ds *DatabaseService) PruneSessions(ctx context.Context) (int64, error) {
	res, err := ds.DB.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", utils.GetSQLTime())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
