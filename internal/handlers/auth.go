package handlers

import (
	"net/http"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/auth"
	"github.com/AnshRaj112/peerlink-backend/internal/middleware"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"go.uber.org/zap"
)

type Auth struct {
	svc     *auth.Service
	devMode bool
	log     *zap.Logger
}

func NewAuth(svc *auth.Service, devMode bool, log *zap.Logger) *Auth {
	return &Auth{svc: svc, devMode: devMode, log: log.Named("auth")}
}

// RequestCodeRequest asks for a one-time sign-in code.
type RequestCodeRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type RequestCodeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Code is only echoed back in dev mode, where no SMS is sent.
	Code string `json:"code,omitempty"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	User    models.User `json:"user"`
	Token   string      `json:"token"`
}

type TicketResponse struct {
	Success   bool      `json:"success"`
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RequestCode handles POST /api/auth/code
func (h *Auth) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req RequestCodeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	code, err := h.svc.RequestCode(r.Context(), req.PhoneNumber)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := RequestCodeResponse{Success: true, Message: "Verification code sent"}
	if h.devMode {
		resp.Code = code
	}
	writeJSON(w, http.StatusOK, resp)
}

// Register handles POST /api/auth/register
func (h *Auth) Register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, token, err := h.svc.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, AuthResponse{Success: true, Message: "Account created", User: u, Token: token})
}

// Login handles POST /api/auth/login
func (h *Auth) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, token, err := h.svc.Login(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{Success: true, Message: "Login successful", User: u, Token: token})
}

// Logout handles POST /api/auth/logout
func (h *Auth) Logout(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		writeError(w, apperr.Unauthorized("missing session token"))
		return
	}
	if err := h.svc.Logout(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out"})
}

// Ticket handles POST /api/auth/ticket. The ticket authenticates one
// websocket upgrade within a minute.
func (h *Auth) Ticket(w http.ResponseWriter, r *http.Request) {
	ticket, exp, err := h.svc.IssueTicket(currentUser(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TicketResponse{Success: true, Ticket: ticket, ExpiresAt: exp})
}
