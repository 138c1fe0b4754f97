package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const conversationColumns = `id, kind, name, participant_ids, created_at, updated_at`

type PostgresConversations struct {
	db *sql.DB
}

func NewPostgresConversations(db *sql.DB) *PostgresConversations {
	return &PostgresConversations{db: db}
}

// FindOrCreateDirect inserts with ON CONFLICT DO NOTHING on the pair key and
// then reads the row back, so concurrent callers converge on one conversation.
func (r *PostgresConversations) FindOrCreateDirect(ctx context.Context, a, b uuid.UUID) (models.Conversation, error) {
	participants, err := normalizeParticipants([]uuid.UUID{a, b})
	if err != nil {
		return models.Conversation{}, err
	}
	key := DirectKey(a, b)
	now := time.Now().UTC()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, participant_ids, direct_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (direct_key) DO NOTHING
	`, uuid.New(), models.ConversationDirect, pq.Array(uuidStrings(participants)), key, now)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("insert direct conversation: %w", err)
	}

	c, err := scanConversation(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE direct_key = $1`, key))
	if err != nil {
		return models.Conversation{}, fmt.Errorf("select direct conversation: %w", err)
	}
	return c, nil
}

func (r *PostgresConversations) CreateGroup(ctx context.Context, name string, participants []uuid.UUID) (models.Conversation, error) {
	members, err := normalizeParticipants(participants)
	if err != nil {
		return models.Conversation{}, err
	}
	now := time.Now().UTC()
	c := models.Conversation{
		ID:             uuid.New(),
		Kind:           models.ConversationGroup,
		Name:           name,
		ParticipantIDs: members,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, name, participant_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, c.ID, c.Kind, c.Name, pq.Array(uuidStrings(members)), now)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("insert group conversation: %w", err)
	}
	return c, nil
}

func (r *PostgresConversations) Get(ctx context.Context, id uuid.UUID) (models.Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Conversation{}, apperr.NotFound("conversation %s", id)
		}
		return models.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (r *PostgresConversations) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE $1 = ANY(participant_ids)
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []models.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresConversations) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("conversation %s", id)
	}
	return nil
}

func scanConversation(row rowScanner) (models.Conversation, error) {
	var (
		c   models.Conversation
		ids []string
	)
	if err := row.Scan(&c.ID, &c.Kind, &c.Name, pq.Array(&ids), &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.Conversation{}, err
	}
	c.ParticipantIDs = make([]uuid.UUID, 0, len(ids))
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			return models.Conversation{}, fmt.Errorf("parse participant id: %w", err)
		}
		c.ParticipantIDs = append(c.ParticipantIDs, id)
	}
	return c, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
