package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unpod-ai/voicecore/internal/agentconfig"
	"github.com/unpod-ai/voicecore/internal/auth"
	"github.com/unpod-ai/voicecore/internal/broadcaster"
	"github.com/unpod-ai/voicecore/internal/callog"
	"github.com/unpod-ai/voicecore/internal/circuitbreaker"
	"github.com/unpod-ai/voicecore/internal/config"
	"github.com/unpod-ai/voicecore/internal/consumer"
	"github.com/unpod-ai/voicecore/internal/db"
	"github.com/unpod-ai/voicecore/internal/health"
	"github.com/unpod-ai/voicecore/internal/httpapi"
	"github.com/unpod-ai/voicecore/internal/identity"
	"github.com/unpod-ai/voicecore/internal/knowledge"
	"github.com/unpod-ai/voicecore/internal/messaging"
	"github.com/unpod-ai/voicecore/internal/postcall"
	"github.com/unpod-ai/voicecore/internal/providers"
	"github.com/unpod-ai/voicecore/internal/tasks"
	"github.com/unpod-ai/voicecore/internal/threads"
	"github.com/unpod-ai/voicecore/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level := zap.NewAtomicLevelAt(parseLevel(cfg.Logging.Level))
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backing stores.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Invalid redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	rw := circuitbreaker.NewRedisWrapper(redisClient, logger)

	pool := db.NewPool(db.Config{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
		MinConns: cfg.Postgres.MinConns,
		MaxConns: cfg.Postgres.MaxConns,
	}, logger)
	defer pool.Close()

	mongoClient, err := callog.Connect(ctx, cfg.Mongo.DSN)
	if err != nil {
		logger.Fatal("Mongo connection failed", zap.Error(err))
	}
	defer mongoClient.Disconnect(context.Background())
	callLogs := callog.NewStore(mongoClient.Database(cfg.Mongo.Database), logger)

	taskStore := tasks.NewStore(pool, logger)

	// Identity and access.
	idCache := identity.NewCache(rw, identity.NewSQLUserStore(pool), logger)
	validator := auth.NewValidator(cfg.Auth.SigningSecret, cfg.Auth.AnonymousDomain, idCache, logger)
	threadSvc := threads.NewService(pool, logger)

	// Messaging fan-out.
	bcast := broadcaster.New(redisClient, logger)
	mux := http.NewServeMux()
	messaging.NewServer(validator, threadSvc, bcast, logger).Register(mux)

	// Voice pipeline collaborators.
	registry := providers.Default(cfg, logger)
	resolver := agentconfig.NewResolver(
		agentconfig.NewSQLStore(pool),
		agentconfig.NewRedisBindings(rw),
		logger,
	)

	voiceOpts := voice.Options{
		Resolver: resolver,
		Registry: registry,
		Logger:   logger,
		Timeouts: voice.Timeouts{
			STTSilence: cfg.Voice.STTSilenceTimeout,
			LLM:        cfg.Voice.LLMTimeout,
			TTSChunk:   cfg.Voice.TTSChunkTimeout,
		},
	}
	if cfg.Knowledge.SearchServiceURL != "" {
		var embed knowledge.EmbeddingClient
		if cfg.Providers.OpenAIAPIKey != "" {
			embed = knowledge.NewEmbedder(cfg.Providers.OpenAIAPIKey, rw, logger)
		}
		voiceOpts.Knowledge = knowledge.NewRetriever(
			knowledge.NewSearchClient(cfg.Knowledge.SearchServiceURL, logger),
			embed,
			knowledge.RetrieverConfig{
				MinScore:        cfg.Knowledge.MinScore,
				MinRemoteScore:  cfg.Knowledge.MinRemoteScore,
				FilterThreshold: cfg.Knowledge.FilterThreshold,
				PrewarmLimit:    cfg.Knowledge.PrewarmLimit,
			},
			logger,
		)
	} else {
		logger.Warn("Knowledge retrieval disabled: no search service url")
	}
	sessions := voice.NewManager(bcast, voiceOpts, cfg.Voice.MaxCallDuration, logger)

	// Post-call flow. The analyzer is optional: without a resolvable
	// analysis model calls still complete, just without summaries.
	var analyzer postcall.CallAnalyzer
	if llm, err := registry.LLM(cfg.PostCall.AnalysisModel); err != nil {
		logger.Warn("Post-call analysis disabled", zap.String("model", cfg.PostCall.AnalysisModel), zap.Error(err))
	} else {
		_, model := providers.Split(cfg.PostCall.AnalysisModel)
		analyzer = postcall.NewAnalyzer(llm, providers.Config{
			Model:        model,
			TotalTimeout: cfg.Voice.LLMTimeout,
		}, logger)
	}
	webhookClient := circuitbreaker.NewHTTPWrapper(
		&http.Client{Timeout: 15 * time.Second}, "postcall-webhook", logger)
	flow := postcall.NewFlow(rw, taskStore, callLogs, analyzer, webhookClient, postcall.Config{
		WebhookURL:     cfg.PostCall.WebhookURL,
		WebhookRetries: cfg.PostCall.WebhookRetries,
		MaxFollowups:   cfg.PostCall.MaxFollowups,
		LockTTL:        cfg.PostCall.LockTTL,
		FollowupDelay:  cfg.PostCall.FollowupDelay,
		CostMarkup:     cfg.Voice.CostMarkup,
	}, logger)

	// Task dispatch.
	enqueuer := consumer.NewEnqueuer(logger)
	enqueuer.AddTier(tasks.TierNormal, consumer.NewTierWriter(cfg.Kafka.Broker, cfg.Kafka.NormalTopic))
	enqueuer.AddTier(tasks.TierBulk, consumer.NewTierWriter(cfg.Kafka.Broker, cfg.Kafka.BulkTopic))
	defer enqueuer.Close()

	counters := consumer.NewCounters(rw, cfg.Workers.Providers)
	latency := consumer.NewLatencyRecorder(rw, cfg.Workers.LatencySampleSize)

	handler := func(ctx context.Context, task tasks.Task) error {
		result, err := sessions.RunOutbound(ctx, task)
		if err != nil {
			return err
		}
		return flow.Run(ctx, task.ID, result)
	}
	workerPool := consumer.NewPool(consumer.Config{
		MaxWorkers:   cfg.Workers.MaxTotal,
		NormalShare:  cfg.Workers.NormalShare,
		BulkShare:    cfg.Workers.BulkShare,
		RequeueDelay: cfg.Workers.RequeueDelay,
	}, counters, latency, taskStore, enqueuer, handler, logger)
	workerPool.AddTier(tasks.TierNormal, consumer.NewTierReader(cfg.Kafka.Broker, cfg.Kafka.NormalTopic, cfg.Kafka.GroupID))
	workerPool.AddTier(tasks.TierBulk, consumer.NewTierReader(cfg.Kafka.Broker, cfg.Kafka.BulkTopic, cfg.Kafka.GroupID))

	poolCtx, poolCancel := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		workerPool.Run(poolCtx)
		close(poolDone)
	}()

	reconciler := consumer.NewReconciler(taskStore, enqueuer,
		cfg.Workers.StuckTaskWindow, cfg.Workers.ReconcilerPeriod, logger)
	if err := reconciler.Start(); err != nil {
		logger.Fatal("Reconciler start failed", zap.Error(err))
	}
	defer reconciler.Stop()

	// Control plane and probes.
	httpapi.NewHandler(validator, taskStore, enqueuer, callLogs, logger).RegisterRoutes(mux)

	healthMgr := health.NewManager(logger)
	healthMgr.Register(&health.RedisChecker{Redis: rw})
	healthMgr.Register(&health.PostgresChecker{Pool: pool})
	healthMgr.Register(&health.MongoChecker{Client: mongoClient})
	healthMgr.Register(&health.KafkaChecker{Broker: cfg.Kafka.Broker})
	healthMgr.RegisterRoutes(mux)
	healthMgr.Start()
	defer healthMgr.Stop()

	// Settings hot reload: only the log level applies to a running
	// process; endpoint changes need a restart.
	if watcher, err := config.NewWatcher(logger); err != nil {
		logger.Warn("Settings watcher unavailable", zap.Error(err))
	} else if watcher != nil {
		watcher.OnReload(func(next *config.Config) {
			level.SetLevel(parseLevel(next.Logging.Level))
		})
		watcher.Start()
		defer watcher.Close()
	}

	// No Read/WriteTimeout: the mux carries long-lived websockets.
	apiServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         cfg.HTTP.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", cfg.HTTP.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop intake first, then drain workers; their sessions end when the
	// pool context is cancelled. Inbound websocket calls are ended last.
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	_ = metricsServer.Shutdown(shutdownCtx)

	poolCancel()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("Worker drain timed out")
	}
	sessions.Shutdown("service shutting down")
	logger.Info("Shutdown complete")
}

func parseLevel(s string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
