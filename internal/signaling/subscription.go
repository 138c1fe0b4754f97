package signaling

import (
	"encoding/json"
	"sync"

	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/realtime"
	"go.uber.org/zap"
)

// Subscription is one user's signaling feed.
type Subscription struct {
	src  realtime.Subscription
	out  chan models.SignalEvent
	done chan struct{}
	once sync.Once
}

func (s *Subscription) C() <-chan models.SignalEvent { return s.out }

func (s *Subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.src.Close()
}

func (s *Subscription) run(log *zap.Logger) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-s.src.C():
			if !ok {
				return
			}
			// Lost signals are not replayed; call timeouts cover them.
			if d.Resync {
				continue
			}
			var ev models.SignalEvent
			if err := json.Unmarshal(d.Payload, &ev); err != nil {
				log.Warn("bad signal payload", zap.Error(err))
				continue
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
