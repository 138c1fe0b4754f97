package presence

import (
	"sync"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
)

// Guard drops presence events that are not newer than the last accepted one
// for the same user. Safe for concurrent use.
type Guard struct {
	mu   sync.Mutex
	last map[uuid.UUID]time.Time
}

func NewGuard() *Guard {
	return &Guard{last: make(map[uuid.UUID]time.Time)}
}

func (g *Guard) Accept(ev models.PresenceEvent) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.last[ev.UserID]; ok && !ev.LastSeenAt.After(prev) {
		return false
	}
	g.last[ev.UserID] = ev.LastSeenAt
	return true
}
