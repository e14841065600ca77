package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"teamchat/internal/auth"
	"teamchat/internal/config"
	"teamchat/internal/db"
	chatgrpc "teamchat/internal/grpc"
	"teamchat/internal/handlers"
	"teamchat/internal/logging"
	"teamchat/internal/middleware"
	"teamchat/internal/observability"
	"teamchat/internal/rabbitmq"
	"teamchat/internal/registry"
	"teamchat/internal/repositories"
	"teamchat/internal/router"
	"teamchat/internal/store"
	"teamchat/internal/telemetry"
	"teamchat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Service:     cfg.ServiceName,
		Environment: cfg.Environment,
		SampleRatio: cfg.TraceSampling,
	}, logger)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}

	channels, messages, closeStore, err := openRepositories(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	members := registry.New()
	broadcaster := router.New(members, logger.Named("router"), router.Options{TypingTTL: cfg.TypingTTL})
	go broadcaster.Run(ctx)

	chat := store.New(channels, messages, broadcaster, logger.Named("store"), store.Options{MaxBodyRunes: cfg.MaxBodyRunes})
	if err := chat.SeedIDs(ctx); err != nil {
		logger.Fatal("failed to read newest message id", zap.Error(err))
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger.Named("amqp"))
	defer func() { _ = publisher.Close() }()
	observability.SetPublisher(publisher)
	if reason := rabbitmq.PublisherNoopReason(publisher); reason != "" {
		logger.Warn("audit and session events are not published", zap.String("reason", reason))
	}
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRouting, cfg.ServiceName, cfg.Environment, logger.Named("audit"))

	authenticator := auth.New(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET unset, trusting X-User-ID headers")
	}

	wsHandler := ws.NewHandler(chat, broadcaster, members, authenticator, logger.Named("ws"), ws.Options{
		SendQueueSize: cfg.SendQueueSize,
		StoreTimeout:  cfg.StoreTimeout,
		RateLimit:     rate.Limit(cfg.RateLimit),
		RateBurst:     cfg.RateBurst,
	})

	engine := gin.New()
	engine.Use(
		otelgin.Middleware(cfg.ServiceName),
		observability.HTTPMetricsMiddleware(),
		middleware.RequestID(),
		logging.RequestLogger(logger.Named("http")),
		gin.Recovery(),
	)

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"sessions":  broadcaster.SessionCount(),
			"event_bus": rabbitmq.PublisherMode(publisher),
		})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", wsHandler.Handle)

	handlers.RegisterRoutes(engine, middleware.AuthMiddleware(authenticator),
		handlers.NewChannelHandler(chat, audit),
		handlers.NewMessageHandler(chat, audit),
	)
	handlers.RegisterDebugRoutes(engine, audit, broadcaster, cfg.DebugRoutes)

	grpcServer, err := chatgrpc.NewServer(":"+cfg.GRPCPort, logger.Named("grpc"))
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.Error(err))
	}
	go func() {
		if err := grpcServer.Serve(ctx); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: engine}
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	grpcServer.Drain()
	broadcaster.CloseAll("shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
}

func openRepositories(cfg config.Config, logger *zap.Logger) (repositories.ChannelRepository, repositories.MessageRepository, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		database, err := db.Connect(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() { _ = database.Close() }
		return repositories.NewChannelRepo(database), repositories.NewMessageRepo(database), closeFn, nil
	default:
		var (
			kv  *badger.DB
			err error
		)
		if kv, err = db.OpenBadger(cfg.BadgerPath); err != nil {
			return nil, nil, nil, err
		}
		if cfg.BadgerPath == "" {
			logger.Warn("BADGER_PATH unset, messages are kept in memory")
		}
		closeFn := func() { _ = kv.Close() }
		return repositories.NewBadgerChannelRepo(kv), repositories.NewBadgerMessageRepo(kv), closeFn, nil
	}
}
