package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"jobtrail/internal/classifier"
	"jobtrail/internal/config"
	"jobtrail/internal/handler"
	"jobtrail/internal/httpserver"
	"jobtrail/internal/mailsource"
	"jobtrail/internal/repository/postgres"
	"jobtrail/internal/service/reconcile"
	pkgconfig "jobtrail/pkg/config"
	"jobtrail/pkg/db"
	"jobtrail/pkg/logger"
	"jobtrail/pkg/mq"
	"jobtrail/pkg/outbox"
	"jobtrail/pkg/redis"
	"jobtrail/pkg/util"
)

func main() {
	env := pkgconfig.GetConfigEnv()

	log := logger.NewLogger(env)
	defer log.Sync()

	cfg, err := config.Load(env, pkgconfig.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Init DB
	dbConn, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	store := postgres.NewStore(dbConn)
	if err := store.Migrate(ctx); err != nil {
		log.Fatal("Schema migration failed", zap.Error(err))
	}

	// Run guard (Redis 可选)
	rdb := redis.NewRedisClient(cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
	}
	guard := util.NewRunGuard(rdb, time.Duration(cfg.Sync.GuardTTLSec)*time.Second, log)

	// Outbox dispatcher (MQ 可选，未配置时事件保留在 outbox 中)
	if cfg.MQ.URL != "" {
		publisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()

		dispatcher := outbox.NewDispatcher(store.Outbox(), publisher, log)
		go dispatcher.Start(ctx)
	} else {
		log.Warn("MQ not configured, application events stay in outbox")
	}

	// Sync pipeline
	cls := classifier.FromConfig(cfg.LLM, log)
	source := mailsource.FromConfig(cfg.Gmail, cfg.IMAP, log)
	svc := reconcile.NewService(source, cls, store, log, reconcile.Options{MaxResults: cfg.Sync.MaxResults})

	syncHandler := handler.NewSyncHandler(svc, guard, cfg.Sync.DefaultHours, cfg.Sync.Timeout(), cls.ModelConfigured(), log)
	router := httpserver.NewRouter(syncHandler, cfg.JWT.Secret, store)
	srv := router.Server(cfg.Server.Port)

	go func() {
		log.Info("HTTP server starting",
			zap.String("port", cfg.Server.Port),
			zap.String("mail_source", source.Name()),
			zap.Bool("model_configured", cls.ModelConfigured()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gracefully...")
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Shutdown complete")
}
