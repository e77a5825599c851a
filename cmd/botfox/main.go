package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/BotFox/app/repository"
	apiv1 "github.com/ManuelReschke/BotFox/internal/api/v1"
	"github.com/ManuelReschke/BotFox/internal/pkg/admission"
	"github.com/ManuelReschke/BotFox/internal/pkg/bots"
	"github.com/ManuelReschke/BotFox/internal/pkg/cache"
	"github.com/ManuelReschke/BotFox/internal/pkg/config"
	"github.com/ManuelReschke/BotFox/internal/pkg/credits"
	"github.com/ManuelReschke/BotFox/internal/pkg/database"
	"github.com/ManuelReschke/BotFox/internal/pkg/delivery"
	"github.com/ManuelReschke/BotFox/internal/pkg/env"
	"github.com/ManuelReschke/BotFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/BotFox/internal/pkg/messenger"
	"github.com/ManuelReschke/BotFox/internal/pkg/router"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, manager, cfg := NewApplication(ctx)

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		if err := app.Shutdown(); err != nil {
			log.Printf("HTTP shutdown failed: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", cfg.AppHost, cfg.AppPort))
	manager.Stop()
	cache.Close()
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication(ctx context.Context) (*fiber.App, *jobqueue.Manager, *config.Config) {
	env.SetupEnvFile()
	config.ApplyLogLevel()
	cfg := config.Load()

	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	rdb := cache.GetClient()
	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()

	// credit ledger
	ledger := credits.New(cfg, db, rdb)
	var reconciler jobqueue.PendingReconciler
	if rl, ok := ledger.(*credits.RedisLedger); ok {
		reconciler = rl.Reconciler()
	}

	// queue and delivery
	broker := jobqueue.NewBroker(cfg, rdb)
	registry := messenger.NewRegistry(cfg.SenderCacheSize)
	resolver := bots.NewResolver(repos.Bot, repos.Subscription, registry, messenger.ClientOptions{
		BaseURL: cfg.TelegramAPIURL,
		Timeout: cfg.TelegramTimeout,
	}).WithInvalidator(ledger)
	worker := delivery.NewWorker(delivery.Config{
		Notifications:           repos.Notification,
		Bots:                    resolver,
		Senders:                 registry,
		Publisher:               broker,
		Ledger:                  ledger,
		RetryQueue:              cfg.RetryQueue,
		RefundOnTerminalFailure: cfg.RefundOnTerminalFailure,
	})
	if err := broker.Subscribe(cfg.DispatchQueue, cfg.DispatchWorkers, worker.Handle); err != nil {
		log.Fatalf("Subscribe %s: %v", cfg.DispatchQueue, err)
	}
	if err := broker.Subscribe(cfg.RetryQueue, cfg.RetryWorkers, worker.Handle); err != nil {
		log.Fatalf("Subscribe %s: %v", cfg.RetryQueue, err)
	}

	manager := jobqueue.NewManager(broker, jobqueue.ManagerOptions{
		Reconciler:        reconciler,
		ReconcileInterval: cfg.ReconcileInterval,
	})
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to start job queue: %v", err)
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:           "BotFox",
		BodyLimit:         1 << 20,
		EnablePrintRoutes: env.IsDev(),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", monitor.New())

	// ROUTER
	svc := admission.NewService(repos.Notification, repos.Bot, ledger, broker, cfg.DispatchQueue)
	server := apiv1.NewAPIServer(svc, repos, ledger, broker)
	router.InstallRouter(app, router.NewApiRouter(cfg, server, rdb))

	return app, manager, cfg
}
