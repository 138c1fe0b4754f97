// Package relaytest runs a complete relay in process for tests: in-memory
// stores and broker, miniredis for sessions and codes, and the real router.
package relaytest

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/auth"
	"github.com/AnshRaj112/peerlink-backend/internal/handlers"
	"github.com/AnshRaj112/peerlink-backend/internal/messaging"
	"github.com/AnshRaj112/peerlink-backend/internal/middleware"
	"github.com/AnshRaj112/peerlink-backend/internal/presence"
	"github.com/AnshRaj112/peerlink-backend/internal/realtime"
	"github.com/AnshRaj112/peerlink-backend/internal/repository"
	"github.com/AnshRaj112/peerlink-backend/internal/routes"
	"github.com/AnshRaj112/peerlink-backend/internal/signaling"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Relay struct {
	Server  *httptest.Server
	Redis   *miniredis.Miniredis
	Users   *repository.MemoryUsers
	Channel *messaging.Channel
	Tracker *presence.Tracker
	Calls   *signaling.Coordinator
	Auth    *auth.Service
}

type Options struct {
	AnswerTimeout time.Duration
	FailureGrace  time.Duration
}

// New starts a relay in dev mode, so the code endpoint echoes codes back.
// It is shut down when the test ends.
func New(t testing.TB, opts Options) *Relay {
	t.Helper()
	log := zap.NewNop()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	users := repository.NewMemoryUsers()
	broker := realtime.NewMemoryBroker()
	tracker := presence.NewTracker(users, repository.NewMemoryHeartbeats(), broker, log, presence.Options{})
	ch := messaging.NewChannel(messaging.Deps{
		Users:         users,
		Conversations: repository.NewMemoryConversations(),
		Messages:      repository.NewMemoryMessages(),
		Sequencer:     repository.NewMemorySequencer(),
		Broker:        broker,
	}, log, messaging.Options{GapTimeout: 100 * time.Millisecond})
	co := signaling.NewCoordinator(users, repository.NewMemoryCalls(), tracker, broker, nil, log, signaling.Options{
		AnswerTimeout: opts.AnswerTimeout,
		FailureGrace:  opts.FailureGrace,
	})
	svc := auth.NewService(users, auth.NewCodeStore(rdb), auth.NewSessionStore(rdb), auth.NewTicketIssuer("relaytest"), tracker, "relaytest", log)

	r := chi.NewRouter()
	routes.SetupRoutes(r, routes.Handlers{
		Auth:          handlers.NewAuth(svc, true, log),
		Users:         handlers.NewUsers(users),
		Conversations: handlers.NewConversations(ch, users),
		Calls:         handlers.NewCalls(co),
		Realtime:      handlers.NewRealtime(svc, ch, tracker, co, nil, log),
		Authenticator: svc,
		History:       middleware.NewHistoryLimiters(),
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &Relay{Server: srv, Redis: mr, Users: users, Channel: ch, Tracker: tracker, Calls: co, Auth: svc}
}

func (r *Relay) URL() string { return r.Server.URL }

func (r *Relay) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(r.Server.URL, "http") + "/ws"
}
