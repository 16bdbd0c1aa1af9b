package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"amora-realtime/config"
	"amora-realtime/internal/call"
	"amora-realtime/internal/chat"
	"amora-realtime/internal/handler"
	"amora-realtime/internal/mediatoken"
	"amora-realtime/internal/metrics"
	feed "amora-realtime/internal/notification"
	"amora-realtime/internal/outbox"
	"amora-realtime/internal/presence"
	"amora-realtime/internal/realtime"
	"amora-realtime/internal/redis"
	"amora-realtime/internal/repository"
	"amora-realtime/internal/repository/memory"
	"amora-realtime/internal/server"
	"amora-realtime/internal/session"
	"amora-realtime/internal/websocket"
	"amora-realtime/pkg/database"
	"amora-realtime/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// stores is the durable side of the wiring, either postgres or in-memory.
type stores struct {
	messages      repository.MessageRepository
	invitations   repository.InvitationRepository
	callLogs      repository.CallLogRepository
	notifications repository.NotificationRepository
	profiles      repository.ProfileRepository
	outbox        repository.OutboxRepository
	tx            repository.TxRunner
	health        func(ctx context.Context) error
}

func main() {
	cfg := config.LoadConfig()

	l := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(l)
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Errorf("server exited: %s", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, l *logger.Logger) error {
	clk := clock.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	st, closeStores, err := openStores(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer closeStores()

	var (
		transport realtime.Transport
		backend   presence.Backend
		profiles  feed.ProfileDirectory = st.profiles
		limiter   *redis.RateLimiter
		rdb       *goredis.Client
	)
	switch cfg.Transport {
	case "memory":
		transport = realtime.NewMemoryTransport()
		backend = presence.NewMemoryBackend(clk)
	default:
		rdb = redis.NewClient(redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := redis.Ping(ctx, rdb); err != nil {
			return err
		}
		transport = redis.NewBroadcast(rdb)
		backend = redis.NewPresenceStore(rdb, clk, l.Named("presence_store"))
		profiles = redis.NewProfileCache(rdb, st.profiles, cfg.Notification.ProfileCacheTTL, l.Named("profile_cache"))
		limiter = redis.NewRateLimiter(rdb, redis.RateLimitConfig{
			MessageLimit:  cfg.RateLimit.MessagesPerMinute,
			MessageWindow: time.Minute,
			CallLimit:     cfg.RateLimit.CallsPerMinute,
			CallWindow:    time.Minute,
		})
	}

	record := call.NewInvitationRecord(st.invitations, clk, cfg.Call.InvitationTTL, cfg.Call.ActiveTTL)
	issuer := mediatoken.NewIssuer(cfg.MediaToken.Secret, cfg.MediaToken.Issuer, cfg.MediaToken.TTL, clk)
	peers := call.NewExternalTransport()

	registry := session.NewRegistry(session.Deps{
		Transport:     transport,
		Messages:      st.messages,
		Notifications: st.notifications,
		Profiles:      profiles,
		Presence:      backend,
		Invitations:   record,
		CallLogs:      st.callLogs,
		Media:         call.StaticMedia{AllowVideo: cfg.Call.AllowVideoDevices},
		Tokens:        issuer,
		PeerTransport: peers,
		Clock:         clk,
		Logger:        l.Logger,
		Metrics:       m,
	}, session.Options{
		Realtime: realtime.Options{
			InitialBackoff:  cfg.Realtime.InitialBackoff,
			MaxBackoff:      cfg.Realtime.MaxBackoff,
			MaxAttempts:     cfg.Realtime.MaxAttempts,
			PublishAttempts: cfg.Realtime.PublishAttempts,
		},
		Chat: chat.Options{
			PollInterval: cfg.Chat.PollInterval,
		},
		Presence: presence.Options{
			HeartbeatInterval: cfg.Presence.HeartbeatInterval,
			MemberTTL:         cfg.Presence.MemberTTL,
		},
		Feed: feed.Options{
			PageSize:     cfg.Notification.PageSize,
			PollInterval: cfg.Notification.PollInterval,
		},
		Call: call.Options{
			NoAnswerTimeout: cfg.Call.NoAnswerTimeout,
			ConnectTimeout:  cfg.Call.ConnectTimeout,
			PollInterval:    cfg.Call.PollInterval,
		},
	})

	service := feed.NewService(st.notifications, st.outbox, st.tx, clk, l.Named("notification_service"))

	workers := outbox.NewRunner(
		outbox.NewProcessor(st.outbox, transport, cfg.Outbox.BatchSize, cfg.Outbox.Interval, cfg.Outbox.MaxRetries,
			outbox.WithClock(clk), outbox.WithLogger(l.Logger), outbox.WithMetrics(m)),
		call.NewSweeper(record, clk, cfg.Call.SweepInterval, l.Named("invitation_sweeper")),
	)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workers.Start(workerCtx)

	hub := websocket.NewHub(l.Logger)
	go hub.Run(workerCtx)

	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		Messages:      handler.NewMessageHandler(registry),
		Presence:      handler.NewPresenceHandler(registry),
		Calls:         handler.NewCallHandler(registry, peers),
		Notifications: handler.NewNotificationHandler(registry, service),
		Media:         handler.NewMediaHandler(registry, issuer),
		Stream:        websocket.NewHandler(registry, hub),
		Metrics:       metrics.Handler(reg),
		Health: func(ctx context.Context) error {
			if err := st.health(ctx); err != nil {
				return err
			}
			if rdb != nil {
				return redis.Ping(ctx, rdb)
			}
			return nil
		},
	}, limiter)

	err = srv.Start(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.Close(closeCtx)
	hub.Wait()
	stopWorkers()
	workers.Wait()
	return err
}

func openStores(ctx context.Context, cfg *config.Config, l *logger.Logger) (stores, func(), error) {
	if cfg.Store == "memory" {
		l.Infof("using in-memory stores")
		return stores{
			messages:      memory.NewMessageRepository(),
			invitations:   memory.NewInvitationRepository(),
			callLogs:      memory.NewCallLogRepository(),
			notifications: memory.NewNotificationRepository(),
			profiles:      memory.NewProfileRepository(),
			outbox:        memory.NewOutboxRepository(),
			tx:            memory.TxRunner,
			health:        func(context.Context) error { return nil },
		}, func() {}, nil
	}

	db, err := database.Connect(ctx, cfg, l.Logger)
	if err != nil {
		return stores{}, nil, err
	}
	if err := repository.InitSchema(ctx, db); err != nil {
		_ = db.Close()
		return stores{}, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			l.Logger.Warn("closing database", zap.Error(err))
		}
	}
	return stores{
		messages:      repository.NewMessageRepository(db),
		invitations:   repository.NewInvitationRepository(db),
		callLogs:      repository.NewCallLogRepository(db),
		notifications: repository.NewNotificationRepository(db),
		profiles:      repository.NewProfileRepository(db),
		outbox:        repository.NewOutboxRepository(db),
		tx:            repository.SQLTxRunner(db),
		health:        func(ctx context.Context) error { return database.HealthCheck(ctx, db) },
	}, closeDB, nil
}
