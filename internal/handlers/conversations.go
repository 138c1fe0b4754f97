package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/messaging"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/repository"
	"github.com/google/uuid"
)

// Conversations serves the conversation list, conversation creation and the
// HTTP side of message history.
type Conversations struct {
	channel *messaging.Channel
	users   repository.UserStore
}

func NewConversations(ch *messaging.Channel, users repository.UserStore) *Conversations {
	return &Conversations{channel: ch, users: users}
}

// DirectRequest opens a 1:1 conversation with a user, by short id or id.
type DirectRequest struct {
	ShortID string    `json:"short_id,omitempty"`
	UserID  uuid.UUID `json:"user_id,omitempty"`
}

// CreateGroupRequest represents the request to create a group
type CreateGroupRequest struct {
	Name      string      `json:"name"`
	MemberIDs []uuid.UUID `json:"member_ids"`
}

type ConversationResponse struct {
	Success      bool                `json:"success"`
	Conversation models.Conversation `json:"conversation"`
}

type ConversationsResponse struct {
	Success       bool                         `json:"success"`
	Conversations []models.ConversationSummary `json:"conversations"`
	Total         int                          `json:"total"`
}

// LoadHistoryResponse is one page of a conversation, oldest first.
type LoadHistoryResponse struct {
	Success  bool             `json:"success"`
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

type SendMessageRequest struct {
	Body string             `json:"body"`
	Kind models.MessageKind `json:"kind,omitempty"`
}

type MessageResponse struct {
	Success bool           `json:"success"`
	Message models.Message `json:"message"`
}

// List handles GET /api/conversations, most recent first.
func (h *Conversations) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.channel.Conversations(r.Context(), currentUser(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, ConversationsResponse{Success: true, Conversations: list, Total: len(list)})
}

// Direct handles POST /api/conversations/direct. Opening the same pair twice
// returns the same conversation.
func (h *Conversations) Direct(w http.ResponseWriter, r *http.Request) {
	var req DirectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	peer := req.UserID
	if s := strings.TrimSpace(req.ShortID); s != "" {
		u, err := h.users.GetByShortID(r.Context(), s)
		if err != nil {
			writeError(w, err)
			return
		}
		peer = u.ID
	}
	if peer == uuid.Nil {
		writeError(w, apperr.Invalid("short_id or user_id is required"))
		return
	}
	conv, err := h.channel.DirectConversation(r.Context(), currentUser(r), peer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConversationResponse{Success: true, Conversation: conv})
}

// CreateGroup handles POST /api/conversations/group
func (h *Conversations) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, apperr.Invalid("Group name is required"))
		return
	}
	conv, err := h.channel.CreateGroup(r.Context(), currentUser(r), strings.TrimSpace(req.Name), req.MemberIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ConversationResponse{Success: true, Conversation: conv})
}

// History handles GET /api/conversations/{id}/messages
// Query params:
//
//	before (optional seq for paging back)
//	limit  (optional, default 50, max 100)
func (h *Conversations) History(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var before int64
	if s := r.URL.Query().Get("before"); s != "" {
		if before, err = strconv.ParseInt(s, 10, 64); err != nil || before < 0 {
			writeError(w, apperr.Invalid("before must be a message seq"))
			return
		}
	}
	if _, err := h.channel.Authorize(r.Context(), convID, currentUser(r)); err != nil {
		writeError(w, err)
		return
	}
	msgs, more, err := h.channel.History(r.Context(), convID, before, queryInt(r, "limit", messaging.DefaultHistorySize))
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, LoadHistoryResponse{Success: true, Messages: msgs, HasMore: more})
}

// Send handles POST /api/conversations/{id}/messages for clients without a
// realtime connection.
func (h *Conversations) Send(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req SendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Kind == "" {
		req.Kind = models.MessageText
	}
	msg, err := h.channel.Send(r.Context(), convID, currentUser(r), req.Body, req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, MessageResponse{Success: true, Message: msg})
}

// Delete handles DELETE /api/conversations/{id}/messages/{messageID}
func (h *Conversations) Delete(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	msgID, err := pathUUID(r, "messageID")
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := h.channel.Delete(r.Context(), convID, msgID, currentUser(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: msg})
}
