package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	kafka "github.com/segmentio/kafka-go"

	"stockflow/config"
	"stockflow/internal/api"
	"stockflow/internal/bus"
	"stockflow/internal/notify"
	"stockflow/logger"
	"stockflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": "notifier",
		"version": cfg.Stockflow.Version,
	}).Info("starting notifier")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	var store notify.ConditionStore
	var recorder notify.AttemptRecorder
	var history notify.AttemptHistory
	var pgStore *notify.PostgresConditionStore
	if cfg.Storage.Postgres.Enabled {
		pgStore, err = notify.NewPostgresConditionStore(ctx, cfg.Storage.Postgres)
		if err != nil {
			log.WithError(err).Error("failed to open condition store")
			os.Exit(1)
		}
		store = pgStore
		recorder = pgStore
		history = pgStore
	} else {
		log.WithComponent("main").Info("postgres disabled, keeping conditions in memory")
		store = notify.NewMemoryConditionStore()
		attemptLog := notify.NewMemoryAttemptLog()
		recorder = attemptLog
		history = attemptLog
	}

	producer, err := bus.NewProducer(cfg.Kafka)
	if err != nil {
		log.WithError(err).Error("failed to create bus producer")
		os.Exit(1)
	}

	evaluator := notify.NewEvaluator(cfg.Evaluation, store, producer)
	deliverer := notify.NewDeliverer(cfg.Delivery, recorder)

	quoteConsumer, err := bus.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Quotes, cfg.Kafka.Groups.Evaluator, evaluationHandler(evaluator))
	if err != nil {
		log.WithError(err).Error("failed to create quote consumer")
		os.Exit(1)
	}
	alertConsumer, err := bus.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Notifications, cfg.Kafka.Groups.Delivery, deliveryHandler(deliverer))
	if err != nil {
		log.WithError(err).Error("failed to create alert consumer")
		os.Exit(1)
	}

	server := api.NewServer("notifier", cfg.Server.NotifierAddress)
	notify.RegisterRoutes(server.Engine(), store, history, evaluator, deliverer)

	if err := evaluator.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start evaluator")
		os.Exit(1)
	}
	if err := deliverer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start deliverer")
		os.Exit(1)
	}
	if err := quoteConsumer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start quote consumer")
		os.Exit(1)
	}
	if err := alertConsumer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start alert consumer")
		os.Exit(1)
	}
	if err := server.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start http server")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping consumers")
	quoteConsumer.Stop()
	alertConsumer.Stop()

	log.Info("stopping evaluator")
	evaluator.Stop()

	log.Info("stopping deliverer")
	deliverer.Stop()

	log.Info("stopping http server")
	server.Stop()

	log.Info("closing bus producer")
	if err := producer.Close(); err != nil {
		log.WithError(err).Warn("failed to close producer")
	}
	if pgStore != nil {
		log.Info("closing condition store")
		pgStore.Close()
	}

	log.Info("notifier shutdown complete")
}

func evaluationHandler(evaluator *notify.Evaluator) bus.Handler {
	log := logger.GetLogger().WithComponent("evaluation_handler")

	return func(ctx context.Context, msg kafka.Message) error {
		var q models.Quote
		if err := json.Unmarshal(msg.Value, &q); err != nil {
			return err
		}
		if err := evaluator.Submit(&q); err != nil {
			log.WithFields(logger.Fields{"stock_code": q.StockCode}).Warn("evaluation queue full, dropping tick")
		}
		return nil
	}
}

func deliveryHandler(deliverer *notify.Deliverer) bus.Handler {
	log := logger.GetLogger().WithComponent("delivery_handler")

	return func(ctx context.Context, msg kafka.Message) error {
		var ev models.NotificationEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return err
		}
		if err := deliverer.Submit(&ev); err != nil {
			log.WithFields(logger.Fields{"notification_id": ev.ID}).Warn("delivery queue full, dropping alert")
		}
		return nil
	}
}
