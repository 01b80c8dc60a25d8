package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"companion-llm/internal/character"
	"companion-llm/internal/config"
	"companion-llm/internal/db"
	apihttp "companion-llm/internal/http"
	"companion-llm/internal/llm"
	"companion-llm/internal/repository"
	"companion-llm/internal/service"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	pool, err := db.NewPairPool(cfg.DataDir)
	if err != nil {
		logger.Fatal("open data dir", zap.Error(err))
	}
	defer pool.Close()
	store := repository.NewStore(pool)

	memoryRepo := repository.NewSqliteMemoryRepository(store)
	entityRepo := repository.NewSqliteEntityRepository(store)
	contextRepo := repository.NewSqliteContextWindowRepository(store)
	relRepo := repository.NewSqliteRelationshipRepository(store)
	rewardRepo := repository.NewSqliteRewardRepository(store)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, mood cache runs without replica", zap.Error(err))
			redisClient = nil
		}
		cancel()
	}

	llmClient := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout, nil)

	entitySvc := service.NewEntityService(entityRepo, contextRepo, logger)
	memorySvc := service.NewMemoryService(memoryRepo, entitySvc, service.MemoryConfig{
		BufferWindow:     cfg.BufferWindow,
		SummaryThreshold: cfg.SummaryThreshold,
		ArchiveAge:       cfg.ArchiveAge,
		CompressAge:      cfg.CompressAge,
		RetentionAge:     cfg.RetentionAge,
		MaintenanceEvery: cfg.MaintenanceEvery,
		CacheSize:        cfg.ContextCacheSize,
		CacheTTL:         cfg.ContextCacheTTL,
	}, logger)
	relSvc := service.NewRelationshipService(relRepo, rewardRepo, service.RelationshipConfig{
		MinExchangeInterval: cfg.MinExchangeInterval,
		DailyMomentCap:      cfg.DailyMomentCap,
		RewardCap:           cfg.RewardCap,
	}, logger)
	moodSvc := service.NewMoodService(relRepo, redisClient, logger)
	memorySvc.SetMoodReader(moodSvc)

	loader := character.NewFileLoader("characters")
	orchestrator := service.NewChatOrchestrator(memorySvc, entitySvc, relSvc, moodSvc, loader, llmClient, service.OrchestratorConfig{
		TurnTimeout:    cfg.TurnTimeout,
		LLMTimeout:     cfg.LLMTimeout,
		PersistGrace:   cfg.PersistGrace,
		MaxPromptChars: cfg.MaxPromptChars,
	}, logger)

	// Mantenimiento periodico ademas del oportunista por ingestas.
	scheduler := quartz.NewStdScheduler()
	maintenanceJob := service.NewMaintenanceJob(memorySvc, logger)
	if err := service.ScheduleMaintenance(ctx, scheduler, maintenanceJob, cfg.MaintenanceCron); err != nil {
		logger.Warn("maintenance scheduler disabled", zap.Error(err))
	}

	chatHandler := apihttp.NewChatHandler(logger, orchestrator)
	memoryHandler := apihttp.NewMemoryHandler(logger, memorySvc, relSvc)
	relHandler := apihttp.NewRelationshipHandler(logger, relSvc)
	router := apihttp.NewRouter(logger, chatHandler, memoryHandler, relHandler)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
