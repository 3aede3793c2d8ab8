package main // Entry point package

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/realtime-chat/internal/auth"
	"github.com/iliyamo/realtime-chat/internal/config"
	"github.com/iliyamo/realtime-chat/internal/database"
	"github.com/iliyamo/realtime-chat/internal/eventbus"
	"github.com/iliyamo/realtime-chat/internal/handler"
	"github.com/iliyamo/realtime-chat/internal/ids"
	"github.com/iliyamo/realtime-chat/internal/logger"
	"github.com/iliyamo/realtime-chat/internal/middleware"
	"github.com/iliyamo/realtime-chat/internal/msgrouter"
	"github.com/iliyamo/realtime-chat/internal/presence"
	"github.com/iliyamo/realtime-chat/internal/ratelimit"
	"github.com/iliyamo/realtime-chat/internal/repository"
	"github.com/iliyamo/realtime-chat/internal/repository/memstore"
	"github.com/iliyamo/realtime-chat/internal/router"
	"github.com/iliyamo/realtime-chat/internal/session"
)

func main() {
	_ = godotenv.Load() // .env is optional; real env vars win

	cfg := config.Load()
	chatCfg := config.LoadChatConfig()
	rlCfg := config.LoadRateLimitConfig()
	busCfg := config.LoadEventBusConfig(cfg.WorkerID)

	log := logger.New(cfg.Env).With(zap.String("worker_id", cfg.WorkerID))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, chatCfg, log)
	if err != nil {
		log.Fatal("open message store", zap.Error(err))
	}
	defer closeStore()

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Warn("redis unavailable; presence and rate limits are local to this worker")
	} else {
		defer rdb.Close()
	}

	driver, err := eventbus.NewDriver(busCfg, rdb, log)
	if err != nil {
		log.Fatal("event bus driver", zap.Error(err))
	}
	bus := eventbus.New(driver, eventbus.Options{Logger: log})
	bus.Open(ctx)
	defer bus.Close()

	var presenceStore presence.Store = presence.NewMemoryStore()
	if rdb != nil {
		presenceStore = presence.NewRedisStore(rdb, 2*chatCfg.LivenessHorizon)
	}
	registry := presence.NewRegistry(presenceStore, bus, store, presence.Options{
		Horizon:       chatCfg.LivenessHorizon,
		SweepInterval: chatCfg.SweepInterval,
		Logger:        log,
	})

	var sendLimiter, typingLimiter, httpLimiter ratelimit.Limiter = ratelimit.Disabled{}, ratelimit.Disabled{}, ratelimit.Disabled{}
	if rlCfg.Enabled {
		sendLimiter = ratelimit.New(rlCfg.Send, rdb, rlCfg.Prefix+":send", log)
		typingLimiter = ratelimit.New(rlCfg.Typing, rdb, rlCfg.Prefix+":typing", log)
		httpLimiter = ratelimit.New(rlCfg.HTTP, rdb, rlCfg.Prefix+":http", log)
	}

	msgRouter := msgrouter.New(store, bus, ids.NewGenerator(cfg.WorkerNode), chatCfg, typingLimiter, log)
	drainer := msgrouter.NewDrainer(msgRouter, chatCfg.OutboxInterval, chatCfg.OutboxBatch)
	authn := auth.NewAuthenticator(cfg.JWTSecret, store)
	sessions := session.NewManager(chatCfg, session.Deps{
		Auth:           authn,
		Presence:       registry,
		Router:         msgRouter,
		Conversations:  store,
		Bus:            bus,
		SendLimiter:    sendLimiter,
		WorkerID:       cfg.WorkerID,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())

	jwt := middleware.JWTAuth(authn)
	started := time.Now()
	router.RegisterRoutes(e, &handler.HealthHandler{
		Bus:      bus,
		Presence: registry,
		Outbox:   drainer,
		Sessions: sessions,
		Started:  started,
	}, handler.WebSocket(sessions))
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, store, store, authn, bus, log), jwt, middleware.NewTokenBucket(rlCfg, httpLimiter, log))
	router.RegisterChat(e,
		handler.NewConversationHandler(msgRouter, store, log),
		handler.NewAttachmentHandler(store, cfg.UploadDir, chatCfg.AttachmentMaxBytes, log),
		jwt)
	router.RegisterAdmin(e, handler.NewAdminHandler(store, store, bus, log), jwt)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error { return drainer.Run(gctx) })
	g.Go(func() error { return sessions.Run(gctx) })
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env),
			zap.String("store", cfg.StoreDriver), zap.String("event_bus", busCfg.Driver))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		// Sessions first: hijacked connections are not closed by echo.
		if err := sessions.Shutdown(sctx); err != nil {
			log.Warn("sessions did not close in time", zap.Error(err))
		}
		return e.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
		return
	}
	log.Info("server stopped")
}

// openStore selects the message store.  "memory" keeps everything in the
// process and is meant for a single development worker.
func openStore(ctx context.Context, cfg config.Config, chatCfg config.ChatConfig, log *zap.Logger) (repository.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory message store")
		return memstore.New(), func() {}, nil
	}
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, nil, err
	}
	mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := database.Migrate(mctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	store := repository.NewMySQL(db, repository.Options{
		Timeout:     chatCfg.StoreTimeout,
		MaxAttempts: chatCfg.StoreMaxAttempts,
		Logger:      log,
	})
	return store, func() { _ = db.Close() }, nil
}
