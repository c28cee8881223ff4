package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"p12bot/internal/api"
	"p12bot/internal/config"
	"p12bot/internal/dialog"
	"p12bot/internal/history"
	"p12bot/internal/redis"
	"p12bot/internal/storage"
	"p12bot/internal/telegram"
	"p12bot/internal/tempstore"
	"p12bot/internal/worker"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Printf("database driver: %s", cfg.Database.Driver)
	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// The cache only backs webhook dedup, so the bot runs without it.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewClient(cfg.Redis)
		if err != nil {
			log.Printf("redis unavailable, webhook dedup disabled: %v", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	bot, err := telegram.New(cfg.BotToken)
	if err != nil {
		log.Fatalf("connect telegram: %v", err)
	}
	log.Printf("authorized as @%s", bot.Username())

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	sessions := dialog.NewSessions(cfg.SessionTTL)
	sessions.StartJanitor(rootCtx, 0)

	temp := tempstore.New(cfg.TempDir)
	jobs := history.NewService(db)
	controller := dialog.NewController(bot, temp, sessions, jobs, cfg.MaxFileBytes())
	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        2,
		MaxWorkers:        8,
		QueueSize:         256,
		WorkerIdleTimeout: time.Minute,
	}, controller)

	handlers := api.NewHandler(dispatcher, cfg.BotToken, cfg.WebhookSecret, rdb)
	router := gin.Default()
	handlers.RegisterRoutes(router)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}
	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	if url := cfg.WebhookURL(); url != "" {
		if err := bot.SetWebhook(url, cfg.WebhookSecret); err != nil {
			log.Fatalf("register webhook: %v", err)
		}
		log.Printf("webhook registered at %s%s", cfg.ExternalURL, "/webhook/***")
	} else {
		log.Printf("EXTERNAL_BASE_URL not set, webhook must be registered manually")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down")

	if cfg.WebhookURL() != "" {
		if err := bot.DeleteWebhook(); err != nil {
			log.Printf("delete webhook: %v", err)
		}
	}
	rootCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
