package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// uniqueConstraint returns the violated constraint name, or "" when err is not
// a unique violation.
func uniqueConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		if pqErr.Constraint == "" {
			return "unknown"
		}
		return pqErr.Constraint
	}
	return ""
}

const userColumns = `id, display_name, phone_number, short_id, profile_photo_ref, is_online, last_seen_at, created_at`

type PostgresUsers struct {
	db *sql.DB
}

func NewPostgresUsers(db *sql.DB) *PostgresUsers {
	return &PostgresUsers{db: db}
}

func (r *PostgresUsers) Create(ctx context.Context, u models.User, fingerprint string) error {
	var fp sql.NullString
	if fingerprint != "" {
		fp = sql.NullString{String: fingerprint, Valid: true}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.LastSeenAt.IsZero() {
		u.LastSeenAt = u.CreatedAt
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, phone_number, short_id, device_fingerprint, profile_photo_ref, is_online, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.DisplayName, u.PhoneNumber, u.ShortID, fp, u.ProfilePhotoRef, u.IsOnline, u.LastSeenAt, u.CreatedAt)
	switch uniqueConstraint(err) {
	case "":
	case "users_short_id_key":
		return ErrShortIDTaken
	case "users_device_fingerprint_key":
		return ErrDeviceRegistered
	default:
		return ErrPhoneTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *PostgresUsers) GetByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *PostgresUsers) GetByShortID(ctx context.Context, shortID string) (models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE short_id = $1`, shortID)
}

func (r *PostgresUsers) GetByPhone(ctx context.Context, phone string) (models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE phone_number = $1`, phone)
}

func (r *PostgresUsers) getOne(ctx context.Context, query string, arg any) (models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, apperr.NotFound("user %v", arg)
		}
		return models.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (r *PostgresUsers) SetFingerprint(ctx context.Context, id uuid.UUID, fingerprint string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET device_fingerprint = $2 WHERE id = $1`, id, fingerprint)
	if uniqueConstraint(err) != "" {
		return ErrDeviceRegistered
	}
	if err != nil {
		return fmt.Errorf("update fingerprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("user %s", id)
	}
	return nil
}

func (r *PostgresUsers) Search(ctx context.Context, query string, excludeID uuid.UUID, limit int) ([]models.User, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []models.User{}, nil
	}
	pattern := "%" + escapeLike(q) + "%"
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id <> $1 AND (LOWER(display_name) LIKE $2 ESCAPE '\' OR short_id = $3)
		ORDER BY display_name, short_id
		LIMIT $4
	`, excludeID, pattern, q, limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	out := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *PostgresUsers) UpdateProfile(ctx context.Context, id uuid.UUID, upd models.ProfileUpdate) (models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `
		UPDATE users
		SET display_name = COALESCE($2, display_name),
			profile_photo_ref = COALESCE($3, profile_photo_ref)
		WHERE id = $1
		RETURNING `+userColumns,
		id, nullString(upd.DisplayName), nullString(upd.ProfilePhotoRef)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, apperr.NotFound("user %s", id)
		}
		return models.User{}, fmt.Errorf("update profile: %w", err)
	}
	return u, nil
}

func (r *PostgresUsers) UpdatePresence(ctx context.Context, id uuid.UUID, online bool, lastSeenAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET is_online = $2, last_seen_at = $3
		WHERE id = $1 AND last_seen_at < $3
	`, id, online, lastSeenAt)
	if err != nil {
		return false, fmt.Errorf("update presence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return false, apperr.NotFound("user %s", id)
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.DisplayName, &u.PhoneNumber, &u.ShortID, &u.ProfilePhotoRef, &u.IsOnline, &u.LastSeenAt, &u.CreatedAt)
	return u, err
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
