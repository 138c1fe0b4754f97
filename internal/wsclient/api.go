package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/auth"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
)

// API is the HTTP side of the relay: sign-in, contacts and conversations.
type API struct {
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
}

func NewAPI(baseURL string) *API {
	return &API{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

func (a *API) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

// WebsocketURL derives the realtime endpoint from the API base URL.
func (a *API) WebsocketURL() string {
	u, err := url.Parse(a.base)
	if err != nil {
		return a.base + "/ws"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t := a.Token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return apperr.TransportFailure("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorBody
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
			return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		return apperr.FromCode(e.Code, e.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// RequestCode asks for a sign-in code. The relay only returns the code in
// dev mode; otherwise it is empty.
func (a *API) RequestCode(ctx context.Context, phone string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	err := a.do(ctx, http.MethodPost, "/api/auth/code", map[string]string{"phone_number": phone}, &out)
	return out.Code, err
}

type authBody struct {
	User  models.User `json:"user"`
	Token string      `json:"token"`
}

// Register creates the account and keeps its session token.
func (a *API) Register(ctx context.Context, req auth.RegisterRequest) (models.User, error) {
	var out authBody
	if err := a.do(ctx, http.MethodPost, "/api/auth/register", req, &out); err != nil {
		return models.User{}, err
	}
	a.SetToken(out.Token)
	return out.User, nil
}

func (a *API) Login(ctx context.Context, req auth.LoginRequest) (models.User, error) {
	var out authBody
	if err := a.do(ctx, http.MethodPost, "/api/auth/login", req, &out); err != nil {
		return models.User{}, err
	}
	a.SetToken(out.Token)
	return out.User, nil
}

func (a *API) Logout(ctx context.Context) error {
	if err := a.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil); err != nil {
		return err
	}
	a.SetToken("")
	return nil
}

// Ticket fetches a short-lived websocket ticket. It fits Options.Ticket.
func (a *API) Ticket(ctx context.Context) (string, error) {
	var out struct {
		Ticket string `json:"ticket"`
	}
	err := a.do(ctx, http.MethodPost, "/api/auth/ticket", nil, &out)
	return out.Ticket, err
}

func (a *API) Me(ctx context.Context) (models.User, error) {
	var out struct {
		User models.User `json:"user"`
	}
	err := a.do(ctx, http.MethodGet, "/api/users/me", nil, &out)
	return out.User, err
}

func (a *API) LookupShortID(ctx context.Context, shortID string) (models.User, error) {
	var out struct {
		User models.User `json:"user"`
	}
	err := a.do(ctx, http.MethodGet, "/api/users/lookup?short_id="+url.QueryEscape(shortID), nil, &out)
	return out.User, err
}

func (a *API) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var out struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	err := a.do(ctx, http.MethodGet, "/api/conversations", nil, &out)
	return out.Conversations, err
}

// Direct opens, or finds, the 1:1 conversation with the user behind shortID.
func (a *API) Direct(ctx context.Context, shortID string) (models.Conversation, error) {
	var out struct {
		Conversation models.Conversation `json:"conversation"`
	}
	err := a.do(ctx, http.MethodPost, "/api/conversations/direct", map[string]string{"short_id": shortID}, &out)
	return out.Conversation, err
}

func (a *API) CreateGroup(ctx context.Context, name string, memberIDs []uuid.UUID) (models.Conversation, error) {
	var out struct {
		Conversation models.Conversation `json:"conversation"`
	}
	body := map[string]any{"name": name, "member_ids": memberIDs}
	err := a.do(ctx, http.MethodPost, "/api/conversations/group", body, &out)
	return out.Conversation, err
}

func (a *API) DeleteMessage(ctx context.Context, conversationID, messageID uuid.UUID) (models.Message, error) {
	var out struct {
		Message models.Message `json:"message"`
	}
	path := fmt.Sprintf("/api/conversations/%s/messages/%s", conversationID, messageID)
	err := a.do(ctx, http.MethodDelete, path, nil, &out)
	return out.Message, err
}

func (a *API) Calls(ctx context.Context, limit int) ([]models.CallSession, error) {
	var out struct {
		Calls []models.CallSession `json:"calls"`
	}
	err := a.do(ctx, http.MethodGet, fmt.Sprintf("/api/calls?limit=%d", limit), nil, &out)
	return out.Calls, err
}
