package handlers

import (
	"net/http"
	"strings"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/repository"
	"github.com/AnshRaj112/peerlink-backend/pkg/utils"
)

const searchLimit = 10

type Users struct {
	users repository.UserStore
}

func NewUsers(users repository.UserStore) *Users {
	return &Users{users: users}
}

type UserResponse struct {
	Success bool        `json:"success"`
	User    models.User `json:"user"`
}

type UsersResponse struct {
	Success bool          `json:"success"`
	Users   []models.User `json:"users"`
	Total   int           `json:"total"`
}

// Me handles GET /api/users/me
func (h *Users) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.GetByID(r.Context(), currentUser(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UserResponse{Success: true, User: u})
}

// UpdateMe handles PATCH /api/users/me
func (h *Users) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var upd models.ProfileUpdate
	if err := decodeBody(w, r, &upd); err != nil {
		writeError(w, err)
		return
	}
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		if err := utils.ValidateDisplayName(name); err != nil {
			writeError(w, apperr.Invalid("%s", err.Error()))
			return
		}
		upd.DisplayName = &name
	}
	u, err := h.users.UpdateProfile(r.Context(), currentUser(r), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UserResponse{Success: true, User: u})
}

// Search handles GET /api/users/search?q=
// Matches display name or short id, never the caller.
func (h *Users) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusOK, UsersResponse{Success: true, Users: []models.User{}})
		return
	}
	found, err := h.users.Search(r.Context(), q, currentUser(r), searchLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]models.User, 0, len(found))
	for _, u := range found {
		out = append(out, u.Public())
	}
	writeJSON(w, http.StatusOK, UsersResponse{Success: true, Users: out, Total: len(out)})
}

// ByShortID handles GET /api/users/lookup?short_id=
func (h *Users) ByShortID(w http.ResponseWriter, r *http.Request) {
	shortID := strings.TrimSpace(r.URL.Query().Get("short_id"))
	if !utils.IsShortID(shortID) {
		writeError(w, apperr.Invalid("short_id must be 6 digits"))
		return
	}
	u, err := h.users.GetByShortID(r.Context(), shortID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UserResponse{Success: true, User: u.Public()})
}
