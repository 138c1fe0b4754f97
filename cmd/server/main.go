package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/auth"
	"github.com/AnshRaj112/peerlink-backend/internal/config"
	"github.com/AnshRaj112/peerlink-backend/internal/database"
	"github.com/AnshRaj112/peerlink-backend/internal/events"
	"github.com/AnshRaj112/peerlink-backend/internal/handlers"
	"github.com/AnshRaj112/peerlink-backend/internal/logger"
	"github.com/AnshRaj112/peerlink-backend/internal/messaging"
	"github.com/AnshRaj112/peerlink-backend/internal/metrics"
	"github.com/AnshRaj112/peerlink-backend/internal/middleware"
	"github.com/AnshRaj112/peerlink-backend/internal/presence"
	"github.com/AnshRaj112/peerlink-backend/internal/realtime"
	"github.com/AnshRaj112/peerlink-backend/internal/repository"
	"github.com/AnshRaj112/peerlink-backend/internal/routes"
	"github.com/AnshRaj112/peerlink-backend/internal/signaling"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(!cfg.IsProduction(), cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	// Sessions, codes and heartbeats live in Redis regardless of transport.
	rdb, err := database.ConnectRedis(cfg.RedisURI, log)
	if err != nil {
		return err
	}
	defer rdb.Close()

	pg, err := database.ConnectPostgres(cfg.PostgresURI, log)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := database.Migrate(pg); err != nil {
		return err
	}

	mongoClient, mdb, err := database.ConnectMongo(cfg.MongoURI, cfg.MongoDatabase, log)
	if err != nil {
		return err
	}
	defer database.DisconnectMongo(mongoClient)

	messages := repository.NewMongoMessages(mdb)
	idxCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := messages.EnsureIndexes(idxCtx); err != nil {
		log.Warn("failed to ensure message indexes", zap.Error(err))
	}
	cancel()

	users := repository.NewPostgresUsers(pg)
	conversations := repository.NewPostgresConversations(pg)
	calls := repository.NewPostgresCalls(pg)

	var (
		broker realtime.Broker
		seq    repository.Sequencer
		beats  repository.Heartbeats
		cache  repository.RecentMessages
	)
	switch cfg.Transport {
	case "redis":
		rb := realtime.NewRedisBroker(rdb, log)
		defer rb.Close()
		broker = rb
		seq = repository.NewRedisSequencer(rdb, messages)
		beats = repository.NewRedisHeartbeats(rdb)
		cache = repository.NewRecentCache(rdb, log)
	default:
		broker = realtime.NewMemoryBroker()
		seq = repository.NewMemorySequencer()
		beats = repository.NewMemoryHeartbeats()
	}
	log.Info("realtime transport", zap.String("transport", cfg.Transport))

	var ev events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		ev = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		log.Info("publishing domain events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	defer ev.Close()

	tracker := presence.NewTracker(users, beats, broker, log, presence.Options{
		HeartbeatTimeout: cfg.PresenceHeartbeatTimeout,
		SweepInterval:    cfg.PresenceSweepInterval,
	})
	go tracker.RunReaper(ctx)

	channel := messaging.NewChannel(messaging.Deps{
		Users:         users,
		Conversations: conversations,
		Messages:      messages,
		Sequencer:     seq,
		Cache:         cache,
		Broker:        broker,
		Events:        ev,
	}, log, messaging.Options{GapTimeout: cfg.GapTimeout, InsertTimeout: cfg.MessageInsertTimeout})

	coordinator := signaling.NewCoordinator(users, calls, tracker, broker, ev, log, signaling.Options{
		AnswerTimeout: cfg.CallAnswerTimeout,
		FailureGrace:  cfg.CallFailureGrace,
	})

	authSvc := auth.NewService(users,
		auth.NewCodeStore(rdb),
		auth.NewSessionStore(rdb),
		auth.NewTicketIssuer(cfg.JWTSecret),
		tracker, cfg.FingerprintKey, log)

	global := middleware.NewLimiters(rate.Limit(20), 40)
	login := middleware.NewLimiters(rate.Every(6*time.Second), 5)
	history := middleware.NewHistoryLimiters()
	for _, l := range []*middleware.Limiters{global, login, history.Auth, history.Anon} {
		go l.Run(ctx)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if cfg.IsProduction() {
		r.Use(middleware.SecurityHeaders)
		if u, err := url.Parse(cfg.Host); err == nil {
			r.Use(middleware.HostCheck(u.Hostname()))
		}
		log.Info("production security enabled")
	}
	r.Use(middleware.GlobalRateLimit(global))
	r.Use(middleware.LoginRateLimit(login))

	routes.SetupRoutes(r, routes.Handlers{
		Auth:          handlers.NewAuth(authSvc, cfg.DevMode, log),
		Users:         handlers.NewUsers(users),
		Conversations: handlers.NewConversations(channel, users),
		Calls:         handlers.NewCalls(coordinator),
		Realtime:      handlers.NewRealtime(authSvc, channel, tracker, coordinator, cfg.AllowedOrigins, log),
		Authenticator: authSvc,
		CodeLimit:     middleware.CodeRateLimit(rdb, log),
		History:       history,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("peerlink relay listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Environment))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
