package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
)

const callColumns = `id, caller_id, receiver_id, caller_short_id, receiver_short_id, kind, state,
	started_at, answered_at, active_at, ended_at, duration_seconds, end_reason`

type PostgresCalls struct {
	db *sql.DB
}

func NewPostgresCalls(db *sql.DB) *PostgresCalls {
	return &PostgresCalls{db: db}
}

func (r *PostgresCalls) Create(ctx context.Context, c models.CallSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_sessions (`+callColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, c.ID, c.CallerID, c.ReceiverID, c.CallerShortID, c.ReceiverShortID, c.Kind, c.State,
		c.StartedAt, c.AnsweredAt, c.ActiveAt, c.EndedAt, c.DurationSeconds, c.EndReason)
	switch uniqueConstraint(err) {
	case "":
	case "call_sessions_live_pair":
		return apperr.Conflict("a call between these users is already in progress")
	default:
		return apperr.Conflict("call %s exists", c.ID)
	}
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (r *PostgresCalls) Update(ctx context.Context, c models.CallSession) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE call_sessions
		SET state = $2, answered_at = $3, active_at = $4, ended_at = $5, duration_seconds = $6, end_reason = $7
		WHERE id = $1
	`, c.ID, c.State, c.AnsweredAt, c.ActiveAt, c.EndedAt, c.DurationSeconds, c.EndReason)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("call %s", c.ID)
	}
	return nil
}

func (r *PostgresCalls) Get(ctx context.Context, id uuid.UUID) (models.CallSession, error) {
	c, err := scanCall(r.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CallSession{}, apperr.NotFound("call %s", id)
		}
		return models.CallSession{}, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

func (r *PostgresCalls) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.CallSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+callColumns+`
		FROM call_sessions
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	out := []models.CallSession{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCall(row rowScanner) (models.CallSession, error) {
	var (
		c                           models.CallSession
		answeredAt, activeAt, ended sql.NullTime
	)
	err := row.Scan(&c.ID, &c.CallerID, &c.ReceiverID, &c.CallerShortID, &c.ReceiverShortID, &c.Kind, &c.State,
		&c.StartedAt, &answeredAt, &activeAt, &ended, &c.DurationSeconds, &c.EndReason)
	if err != nil {
		return models.CallSession{}, err
	}
	if answeredAt.Valid {
		c.AnsweredAt = &answeredAt.Time
	}
	if activeAt.Valid {
		c.ActiveAt = &activeAt.Time
	}
	if ended.Valid {
		c.EndedAt = &ended.Time
	}
	return c, nil
}
