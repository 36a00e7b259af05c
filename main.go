package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"time"

	"redditchat/internal/api"
	"redditchat/internal/billing"
	"redditchat/internal/community"
	"redditchat/internal/config"
	"redditchat/internal/conversation"
	"redditchat/internal/quota"
	"redditchat/internal/redis"
	"redditchat/internal/service/ai"
	"redditchat/internal/service/chat"
	"redditchat/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		logger.Warn("load .env", "err", err)
	}

	cfg, err := config.Load(os.Getenv("REDDITCHAT_CONFIG"))
	if err != nil {
		fatal(logger, "load config", err)
	}
	dayLoc, err := cfg.DayLocation()
	if err != nil {
		fatal(logger, "resolve day policy", err)
	}

	dbType := cfg.BasicConfig.Database
	logger.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		fatal(logger, "open database", err)
	}
	// Create necessary tables: quota_records, orders
	if err := storage.Migrate(db, dbType); err != nil {
		fatal(logger, "migrate database", err)
	}

	var rdb *redis.Client
	if cfg.Conversation.Backend == config.ConversationBackendRedis {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			fatal(logger, "create redis client", err)
		}
	}
	defer func() {
		if err := closeAll(db, rdb); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}()

	var quotaStore quota.Store = quota.NewSQLStore(db, dbType)
	if cfg.Quota.Backend == config.QuotaBackendFile {
		quotaStore = quota.NewFileStore(cfg.Quota.FilePath)
	}
	quotaService := quota.NewService(quotaStore, cfg.Quota.DailyLimit, quota.DayIn(dayLoc))

	conversationTTL := time.Duration(cfg.Conversation.TTLMinutes) * time.Minute
	var (
		conversations conversation.Store
		memoryStore   *conversation.MemoryStore
	)
	if rdb != nil {
		conversations = conversation.NewRedisStore(rdb, conversationTTL)
	} else {
		memoryStore = conversation.NewMemoryStore(conversationTTL, cfg.Conversation.MaxEntries)
		conversations = memoryStore
	}

	fetcher := community.NewFetcher(community.Options{
		BaseURL:           cfg.Reddit.BaseURL,
		UserAgent:         cfg.Reddit.UserAgent,
		Timeout:           time.Duration(cfg.Reddit.TimeoutSeconds) * time.Second,
		IncludeReplies:    cfg.Reddit.IncludeReplies,
		RequestsPerMinute: cfg.Reddit.RequestsPerMinute,
		Logger:            logger,
	})

	providerName, providerCfg := cfg.ActiveProvider()
	provider, err := ai.NewProvider(context.Background(), providerName, providerCfg)
	if err != nil {
		// chat turns answer 500 until credentials are configured
		logger.Warn("language model provider unavailable", "provider", providerName, "err", err)
	}

	chatService := chat.NewService(provider, quotaService, conversations, fetcher, logger)
	billingService := billing.NewService(db, quotaService, time.Duration(cfg.BasicConfig.OrderTTL)*time.Minute, logger)

	scheduler := cron.New(cron.WithLocation(time.UTC))
	if memoryStore != nil {
		if _, err := scheduler.AddFunc(cfg.BasicConfig.SweepSchedule, func() {
			if n := memoryStore.Sweep(time.Now()); n > 0 {
				logger.Info("expired conversations swept", "count", n)
			}
		}); err != nil {
			fatal(logger, "schedule conversation sweep", err)
		}
	}
	if _, err := scheduler.AddFunc(cfg.BasicConfig.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := billingService.ExpirePending(ctx); err != nil {
			logger.Error("expire pending orders", "err", err)
		}
	}); err != nil {
		fatal(logger, "schedule order expiry", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	handlers := api.NewHandler(chatService, quotaService, billingService,
		time.Duration(cfg.Chat.TypingDelayMs)*time.Millisecond, logger)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	logger.Info("server starting", "addr", addr, "provider", providerName, "quota_backend", cfg.Quota.Backend, "conversation_backend", cfg.Conversation.Backend)
	if err := router.Run(addr); err != nil {
		logger.Error("server stopped", "err", err)
	}
}

func closeAll(db *sql.DB, rdb *redis.Client) error {
	var result *multierror.Error
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
