package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/payments"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewStore(store.Options{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	var redisClient *redisclient.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			if cfg.Checkout.StockBackend == "redis" {
				logger.Fatal("Failed to connect to Redis", zap.Error(err))
			}
			logger.Warn("Redis unavailable, reaper runs without a lock", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
			logger.Info("Redis connected")
		}
	}

	var stock service.StockStore = db
	if cfg.Checkout.StockBackend == "redis" {
		stock = redisClient
		if err := service.SyncStockToRedis(ctx, db, redisClient); err != nil {
			logger.Error("Failed to sync stock to Redis", zap.Error(err))
		}
	}

	queue := broker.NewKafkaQueue(cfg.Kafka.Brokers, cfg.Kafka.TopicFulfillment, cfg.Kafka.TopicDeadLetter, cfg.Kafka.ConsumerGroup)
	defer queue.Close()
	logger.Info("Kafka queue initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

	gateway := payments.NewStripeGateway(payments.StripeConfig{
		SecretKey:        cfg.Stripe.SecretKey,
		WebhookSecret:    cfg.Stripe.WebhookSecret,
		WebhookTolerance: cfg.Stripe.WebhookTolerance,
		SuccessURL:       cfg.Stripe.SuccessURL,
		CancelURL:        cfg.Stripe.CancelURL,
		HTTPTimeout:      cfg.Checkout.ProviderTimeout,
	})
	var provider service.PaymentProvider = gateway
	if cfg.UseMockProvider() {
		logger.Warn("STRIPE_SECRET_KEY not set, using mock payment provider")
		provider = payments.NewMockProvider(fmt.Sprintf("http://localhost:%s/mock-checkout", cfg.Server.Port))
	}

	ledger := service.NewStockLedger(stock)
	cartService := service.NewCartService(db, db, ledger)
	checkoutService := service.NewCheckoutService(db, db, db, db, db, ledger, provider, service.CheckoutConfig{
		ReservationTTL:  cfg.Checkout.ReservationTTL,
		ProviderTimeout: cfg.Checkout.ProviderTimeout,
		Currency:        cfg.Checkout.Currency,
	})
	ingestor := service.NewWebhookIngestor(db, gateway, queue, payments.ProviderName)
	fulfillment := service.NewFulfillmentService(db, db, checkoutService, gateway)

	fulfillmentWorker := worker.NewFulfillmentWorker(queue, fulfillment, worker.Config{
		Concurrency:    cfg.Worker.Concurrency,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		BackoffInitial: cfg.Worker.BackoffInitial,
		BackoffMax:     cfg.Worker.BackoffMax,
		ProcessTimeout: cfg.Worker.ProcessTimeout,
	})

	var locker worker.Locker
	if redisClient != nil {
		locker = redisClient
	}
	reaper := worker.NewReservationReaper(db, db, checkoutService, queue, locker, worker.ReaperConfig{
		Interval:   cfg.Reaper.Interval,
		BatchSize:  cfg.Reaper.BatchSize,
		StaleAfter: cfg.Reaper.StaleAfter,
	})

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(cartService, checkoutService, ingestor, db)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return fulfillmentWorker.Start(gctx)
	})
	g.Go(func() error {
		return reaper.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
		util.SyncLogger()
		os.Exit(1)
	}

	logger.Info("Server exited")
}
