package handlers

import (
	"net/http"

	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/signaling"
)

// Calls exposes the call log. Call control itself runs over the websocket.
type Calls struct {
	calls *signaling.Coordinator
}

func NewCalls(co *signaling.Coordinator) *Calls {
	return &Calls{calls: co}
}

type CallResponse struct {
	Success bool               `json:"success"`
	Call    models.CallSession `json:"call"`
}

type CallsResponse struct {
	Success bool                 `json:"success"`
	Calls   []models.CallSession `json:"calls"`
	Total   int                  `json:"total"`
}

// List handles GET /api/calls?limit=
func (h *Calls) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.calls.History(r.Context(), currentUser(r), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.CallSession{}
	}
	writeJSON(w, http.StatusOK, CallsResponse{Success: true, Calls: list, Total: len(list)})
}

// Get handles GET /api/calls/{id}
func (h *Calls) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.calls.Get(r.Context(), id, currentUser(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CallResponse{Success: true, Call: c})
}
