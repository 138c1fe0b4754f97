package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
)

// MemoryUsers is an in-memory UserStore.
type MemoryUsers struct {
	mu           sync.RWMutex
	byID         map[uuid.UUID]models.User
	fingerprints map[uuid.UUID]string
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		byID:         make(map[uuid.UUID]models.User),
		fingerprints: make(map[uuid.UUID]string),
	}
}

func (s *MemoryUsers) Create(_ context.Context, u models.User, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.byID {
		if fingerprint != "" && s.fingerprints[id] == fingerprint {
			return ErrDeviceRegistered
		}
		if existing.PhoneNumber == u.PhoneNumber {
			return ErrPhoneTaken
		}
		if existing.ShortID == u.ShortID {
			return ErrShortIDTaken
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.LastSeenAt.IsZero() {
		u.LastSeenAt = u.CreatedAt
	}
	s.byID[u.ID] = u
	s.fingerprints[u.ID] = fingerprint
	return nil
}

func (s *MemoryUsers) GetByID(_ context.Context, id uuid.UUID) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return models.User{}, apperr.NotFound("user %s", id)
	}
	return u, nil
}

func (s *MemoryUsers) GetByShortID(_ context.Context, shortID string) (models.User, error) {
	return s.find(func(u models.User) bool { return u.ShortID == shortID }, "short id "+shortID)
}

func (s *MemoryUsers) GetByPhone(_ context.Context, phone string) (models.User, error) {
	return s.find(func(u models.User) bool { return u.PhoneNumber == phone }, "phone")
}

func (s *MemoryUsers) find(match func(models.User) bool, what string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.byID {
		if match(u) {
			return u, nil
		}
	}
	return models.User{}, apperr.NotFound("user with %s", what)
}

func (s *MemoryUsers) SetFingerprint(_ context.Context, id uuid.UUID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return apperr.NotFound("user %s", id)
	}
	for other, fp := range s.fingerprints {
		if other != id && fp == fingerprint {
			return ErrDeviceRegistered
		}
	}
	s.fingerprints[id] = fingerprint
	return nil
}

func (s *MemoryUsers) Search(_ context.Context, query string, excludeID uuid.UUID, limit int) ([]models.User, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []models.User{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.User{}
	for _, u := range s.byID {
		if u.ID == excludeID {
			continue
		}
		if u.ShortID == q || strings.Contains(strings.ToLower(u.DisplayName), q) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ShortID < out[j].ShortID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryUsers) UpdateProfile(_ context.Context, id uuid.UUID, upd models.ProfileUpdate) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return models.User{}, apperr.NotFound("user %s", id)
	}
	if upd.DisplayName != nil {
		u.DisplayName = *upd.DisplayName
	}
	if upd.ProfilePhotoRef != nil {
		u.ProfilePhotoRef = *upd.ProfilePhotoRef
	}
	s.byID[id] = u
	return u, nil
}

func (s *MemoryUsers) UpdatePresence(_ context.Context, id uuid.UUID, online bool, lastSeenAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return false, apperr.NotFound("user %s", id)
	}
	if !lastSeenAt.After(u.LastSeenAt) {
		return false, nil
	}
	u.IsOnline = online
	u.LastSeenAt = lastSeenAt
	s.byID[id] = u
	return true, nil
}

// MemoryConversations is an in-memory ConversationStore.
type MemoryConversations struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]models.Conversation
	direct map[string]uuid.UUID
}

func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{
		byID:   make(map[uuid.UUID]models.Conversation),
		direct: make(map[string]uuid.UUID),
	}
}

func (s *MemoryConversations) FindOrCreateDirect(_ context.Context, a, b uuid.UUID) (models.Conversation, error) {
	participants, err := normalizeParticipants([]uuid.UUID{a, b})
	if err != nil {
		return models.Conversation{}, err
	}
	key := DirectKey(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.direct[key]; ok {
		return copyConversation(s.byID[id]), nil
	}
	now := time.Now().UTC()
	c := models.Conversation{
		ID:             uuid.New(),
		Kind:           models.ConversationDirect,
		ParticipantIDs: participants,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.byID[c.ID] = c
	s.direct[key] = c.ID
	return copyConversation(c), nil
}

func (s *MemoryConversations) CreateGroup(_ context.Context, name string, participants []uuid.UUID) (models.Conversation, error) {
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
	s.mu.Lock()
	s.byID[c.ID] = c
	s.mu.Unlock()
	return copyConversation(c), nil
}

func (s *MemoryConversations) Get(_ context.Context, id uuid.UUID) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return models.Conversation{}, apperr.NotFound("conversation %s", id)
	}
	return copyConversation(c), nil
}

func (s *MemoryConversations) ListForUser(_ context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Conversation{}
	for _, c := range s.byID {
		if c.HasParticipant(userID) {
			out = append(out, copyConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryConversations) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return apperr.NotFound("conversation %s", id)
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
		s.byID[id] = c
	}
	return nil
}

func copyConversation(c models.Conversation) models.Conversation {
	c.ParticipantIDs = append([]uuid.UUID(nil), c.ParticipantIDs...)
	return c
}

// MemoryMessages is an in-memory MessageStore.
type MemoryMessages struct {
	mu     sync.RWMutex
	byConv map[uuid.UUID][]models.Message // ascending seq
	byID   map[uuid.UUID]uuid.UUID        // message -> conversation
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{
		byConv: make(map[uuid.UUID][]models.Message),
		byID:   make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *MemoryMessages) Insert(_ context.Context, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return apperr.Conflict("message %s exists", m.ID)
	}
	msgs := s.byConv[m.ConversationID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq >= m.Seq })
	if i < len(msgs) && msgs[i].Seq == m.Seq {
		return apperr.Conflict("seq %d already used in conversation %s", m.Seq, m.ConversationID)
	}
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	s.byConv[m.ConversationID] = msgs
	s.byID[m.ID] = m.ConversationID
	return nil
}

func (s *MemoryMessages) Get(_ context.Context, id uuid.UUID) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.byID[id]
	if !ok {
		return models.Message{}, apperr.NotFound("message %s", id)
	}
	for _, m := range s.byConv[conv] {
		if m.ID == id {
			return m, nil
		}
	}
	return models.Message{}, apperr.NotFound("message %s", id)
}

func (s *MemoryMessages) Range(_ context.Context, conversationID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byConv[conversationID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq > afterSeq })
	out := []models.Message{}
	for ; i < len(msgs) && (limit <= 0 || len(out) < limit); i++ {
		out = append(out, msgs[i])
	}
	return out, nil
}

func (s *MemoryMessages) Before(_ context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]models.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byConv[conversationID]
	var page []models.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Deleted || (beforeSeq > 0 && m.Seq >= beforeSeq) {
			continue
		}
		if len(page) == limit {
			reverse(page)
			return page, true, nil
		}
		page = append(page, m)
	}
	reverse(page)
	if page == nil {
		page = []models.Message{}
	}
	return page, false, nil
}

func (s *MemoryMessages) LastSeq(_ context.Context, conversationID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byConv[conversationID]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].Seq, nil
}

func (s *MemoryMessages) CountUnread(_ context.Context, conversationID, userID uuid.UUID, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.byConv[conversationID] {
		if !m.Deleted && m.SenderID != userID && !m.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryMessages) SoftDelete(_ context.Context, id uuid.UUID) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return models.Message{}, apperr.NotFound("message %s", id)
	}
	msgs := s.byConv[conv]
	for i := range msgs {
		if msgs[i].ID == id {
			msgs[i].Deleted = true
			return msgs[i], nil
		}
	}
	return models.Message{}, apperr.NotFound("message %s", id)
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// MemoryCalls is an in-memory CallStore.
type MemoryCalls struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]models.CallSession
}

func NewMemoryCalls() *MemoryCalls {
	return &MemoryCalls{calls: make(map[uuid.UUID]models.CallSession)}
}

func (s *MemoryCalls) Create(_ context.Context, c models.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; ok {
		return apperr.Conflict("call %s exists", c.ID)
	}
	for _, other := range s.calls {
		if !other.State.Terminal() && other.Involves(c.CallerID) && other.Involves(c.ReceiverID) {
			return apperr.Conflict("a call between these users is already in progress")
		}
	}
	s.calls[c.ID] = c
	return nil
}

func (s *MemoryCalls) Update(_ context.Context, c models.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; !ok {
		return apperr.NotFound("call %s", c.ID)
	}
	s.calls[c.ID] = c
	return nil
}

func (s *MemoryCalls) Get(_ context.Context, id uuid.UUID) (models.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	if !ok {
		return models.CallSession{}, apperr.NotFound("call %s", id)
	}
	return c, nil
}

func (s *MemoryCalls) ListForUser(_ context.Context, userID uuid.UUID, limit int) ([]models.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.CallSession{}
	for _, c := range s.calls {
		if c.Involves(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemorySequencer is a process-local Sequencer.
type MemorySequencer struct {
	mu   sync.Mutex
	next map[uuid.UUID]int64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{next: make(map[uuid.UUID]int64)}
}

func (s *MemorySequencer) Next(_ context.Context, conversationID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[conversationID]++
	return s.next[conversationID], nil
}

// MemoryHeartbeats is a process-local Heartbeats.
type MemoryHeartbeats struct {
	mu    sync.Mutex
	beats map[uuid.UUID]time.Time
}

func NewMemoryHeartbeats() *MemoryHeartbeats {
	return &MemoryHeartbeats{beats: make(map[uuid.UUID]time.Time)}
}

func (h *MemoryHeartbeats) Beat(_ context.Context, userID uuid.UUID, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beats[userID] = at
	return nil
}

func (h *MemoryHeartbeats) Expired(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []uuid.UUID
	for id, at := range h.beats {
		if !at.After(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (h *MemoryHeartbeats) Remove(_ context.Context, userID uuid.UUID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.beats[userID]
	delete(h.beats, userID)
	return ok, nil
}
