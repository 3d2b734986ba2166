package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"callbridge/internal/auth"
	"callbridge/internal/calls"
	"callbridge/internal/config"
	"callbridge/internal/enrich"
	"callbridge/internal/httpapi"
	"callbridge/internal/resultcache"
	"callbridge/internal/store"
	"callbridge/internal/voice"
	"callbridge/internal/workflow"
	"callbridge/pkg/logger"
	"callbridge/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown.
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	pool, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis is optional: without it the batch executor runs on the
	// in-process window bound alone.
	var limiter calls.Limiter
	if cfg.Redis.Enabled() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		limiter = utils.NewCallSlotLimiter(rdb, "callbridge:call_slots", cfg.Batch.MaxConcurrent, 10*time.Minute)
	}

	voiceClient, err := voice.NewClient(voice.Config{
		BaseURL:       cfg.Voice.BaseURL,
		APIKey:        cfg.Voice.APIKey,
		PhoneNumberID: cfg.Voice.PhoneNumberID,
		AssistantID:   cfg.Voice.AssistantID,
		WebhookURL:    cfg.Voice.WebhookURL,
	})
	if err != nil {
		log.Error("voice client init failed", "err", err)
		os.Exit(1)
	}
	direct := voice.NewDirectExecutor(voiceClient, cfg.Voice.PollInterval, cfg.Voice.PollAttempts, log)

	var delegated calls.Executor
	var probe calls.HealthProbe
	if cfg.Workflow.Enabled {
		wfClient, err := workflow.NewClient(workflow.Config{
			BaseURL:     cfg.Workflow.BaseURL,
			APIToken:    cfg.Workflow.APIToken,
			Namespace:   cfg.Workflow.Namespace,
			CallFlowID:  cfg.Workflow.CallFlowID,
			BatchFlowID: cfg.Workflow.BatchFlowID,
			OutputField: cfg.Workflow.OutputField,
		})
		if err != nil {
			log.Error("workflow client init failed", "err", err)
			os.Exit(1)
		}
		delegated = workflow.NewDelegatedExecutor(wfClient, cfg.Workflow.PollInterval, cfg.Workflow.PollAttempts, log)
		probe = wfClient.Healthy
	}

	resultStore := store.New(pool, log)

	router := calls.NewRouter(direct, delegated, cfg.Workflow.Enabled, probe, cfg.Workflow.HealthTimeout, log)
	batch := calls.NewBatchExecutor(limiter, log)
	callService := calls.NewService(router, batch, resultStore, calls.BatchOptions{
		MaxConcurrent: cfg.Batch.MaxConcurrent,
		WindowDelay:   cfg.Batch.WindowDelay,
	}, log)

	cache := resultcache.New(cfg.Cache.TTL, cfg.Cache.SweepInterval, log)
	defer cache.Shutdown()

	fetcher := enrich.NewFetcher(voiceClient, cfg.Enrich.MinTranscript, log)
	poller := enrich.NewPoller(cache, fetcher, resultStore, cfg.Enrich.RetryInterval, cfg.Enrich.MaxAttempts, log)

	// Enrichment loops outlive both the originating request and the
	// listener; they get their own lifetime, cancelled only after the
	// drain window below.
	enrichCtx, enrichCancel := context.WithCancel(context.Background())
	defer enrichCancel()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Calls:           callService,
		Cache:           cache,
		Poller:          poller,
		Auth:            authManager,
		WebhookSecret:   cfg.Voice.WebhookSecret,
		BootstrapSecret: cfg.Auth.BootstrapSecret,
		EnrichCtx:       enrichCtx,
	}, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Batch runs settle synchronously; the write timeout must outlast
		// a full window sequence.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Let in-flight enrichment loops finish persisting before the pool
	// closes under them.
	done := make(chan struct{})
	go func() {
		poller.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("enrichment loops did not drain before deadline")
		enrichCancel()
	}
}
