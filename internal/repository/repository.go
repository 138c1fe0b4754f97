// Package repository holds the persistence interfaces used by the relay
// components and their Postgres, MongoDB, Redis and in-memory implementations.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
)

// Conflict causes reported by UserStore.Create. They wrap apperr.ErrConflict.
var (
	ErrShortIDTaken     = fmt.Errorf("short id taken: %w", apperr.ErrConflict)
	ErrPhoneTaken       = fmt.Errorf("phone number already registered: %w", apperr.ErrConflict)
	ErrDeviceRegistered = fmt.Errorf("device already has an account: %w", apperr.ErrConflict)
)

type UserStore interface {
	// Create inserts a new user bound to a device fingerprint hash.
	Create(ctx context.Context, u models.User, fingerprint string) error
	GetByID(ctx context.Context, id uuid.UUID) (models.User, error)
	GetByShortID(ctx context.Context, shortID string) (models.User, error)
	GetByPhone(ctx context.Context, phone string) (models.User, error)
	SetFingerprint(ctx context.Context, id uuid.UUID, fingerprint string) error
	// Search matches display name (case-insensitive substring) or exact short id.
	Search(ctx context.Context, query string, excludeID uuid.UUID, limit int) ([]models.User, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, upd models.ProfileUpdate) (models.User, error)
	// UpdatePresence applies the change only when lastSeenAt is after the stored
	// value. It reports whether the row changed.
	UpdatePresence(ctx context.Context, id uuid.UUID, online bool, lastSeenAt time.Time) (bool, error)
}

type ConversationStore interface {
	// FindOrCreateDirect is idempotent per unordered pair.
	FindOrCreateDirect(ctx context.Context, a, b uuid.UUID) (models.Conversation, error)
	CreateGroup(ctx context.Context, name string, participants []uuid.UUID) (models.Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (models.Conversation, error)
	// ListForUser returns conversations most recently updated first.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
}

type MessageStore interface {
	// Insert fails with apperr.ErrConflict when (conversation, seq) exists.
	Insert(ctx context.Context, m models.Message) error
	Get(ctx context.Context, id uuid.UUID) (models.Message, error)
	// Range returns messages with seq > afterSeq in ascending order, deleted
	// ones included.
	Range(ctx context.Context, conversationID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error)
	// Before returns up to limit non-deleted messages with seq < beforeSeq
	// (0 means latest), oldest first, and whether older ones exist.
	Before(ctx context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]models.Message, bool, error)
	LastSeq(ctx context.Context, conversationID uuid.UUID) (int64, error)
	// CountUnread counts non-deleted messages not sent by userID created at
	// or after since.
	CountUnread(ctx context.Context, conversationID, userID uuid.UUID, since time.Time) (int, error)
	SoftDelete(ctx context.Context, id uuid.UUID) (models.Message, error)
}

type CallStore interface {
	Create(ctx context.Context, c models.CallSession) error
	Update(ctx context.Context, c models.CallSession) error
	Get(ctx context.Context, id uuid.UUID) (models.CallSession, error)
	// ListForUser returns the user's call log, newest first.
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.CallSession, error)
}

// Sequencer hands out the per-conversation message sequence.
type Sequencer interface {
	Next(ctx context.Context, conversationID uuid.UUID) (int64, error)
}

// Heartbeats records the last heartbeat per user.
type Heartbeats interface {
	Beat(ctx context.Context, userID uuid.UUID, at time.Time) error
	// Expired returns users whose last heartbeat is at or before cutoff.
	Expired(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	// Remove reports whether the user had a recorded heartbeat.
	Remove(ctx context.Context, userID uuid.UUID) (bool, error)
}

// RecentMessages caches the newest page of a conversation.
type RecentMessages interface {
	Push(ctx context.Context, m models.Message)
	// Get returns the cached page oldest first; ok is false on a miss.
	Get(ctx context.Context, conversationID uuid.UUID) ([]models.Message, bool)
	Warm(ctx context.Context, conversationID uuid.UUID, msgs []models.Message)
	Invalidate(ctx context.Context, conversationID uuid.UUID)
}

// DirectKey is the canonical identity of a 1:1 conversation.
func DirectKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if y < x {
		x, y = y, x
	}
	return x + ":" + y
}

func normalizeParticipants(ids []uuid.UUID) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			return nil, apperr.Invalid("participant id is empty")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) < 2 {
		return nil, apperr.Invalid("a conversation needs at least two participants")
	}
	return out, nil
}
