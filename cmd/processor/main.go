package main

import (
	"context"
	"encoding/json"
	"errors"
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
	"stockflow/internal/storage"
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
		"service": "processor",
		"version": cfg.Stockflow.Version,
	}).Info("starting processor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	var store storage.Store
	var pgStore *storage.PostgresStore
	if cfg.Storage.Postgres.Enabled {
		pgStore, err = storage.NewPostgresStore(ctx, cfg.Storage.Postgres)
		if err != nil {
			log.WithError(err).Error("failed to open postgres store")
			os.Exit(1)
		}
		store = pgStore
	} else {
		log.WithComponent("main").Info("postgres disabled, keeping data in memory")
		store = storage.NewMemoryStore()
	}

	quoteConsumer, err := bus.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Quotes, cfg.Kafka.Groups.Processor, quoteHandler(store))
	if err != nil {
		log.WithError(err).Error("failed to create quote consumer")
		os.Exit(1)
	}
	orderbookConsumer, err := bus.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Orderbooks, cfg.Kafka.Groups.Processor, orderbookHandler(store))
	if err != nil {
		log.WithError(err).Error("failed to create orderbook consumer")
		os.Exit(1)
	}

	server := api.NewServer("processor", cfg.Server.ProcessorAddress)

	if err := quoteConsumer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start quote consumer")
		os.Exit(1)
	}
	if err := orderbookConsumer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start orderbook consumer")
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
	orderbookConsumer.Stop()

	log.Info("stopping http server")
	server.Stop()

	if pgStore != nil {
		log.Info("closing postgres store")
		pgStore.Close()
	}

	log.Info("processor shutdown complete")
}

func quoteHandler(store storage.QuoteStore) bus.Handler {
	log := logger.GetLogger().WithComponent("quote_handler")

	return func(ctx context.Context, msg kafka.Message) error {
		var q models.Quote
		if err := json.Unmarshal(msg.Value, &q); err != nil {
			return err
		}
		if err := store.AppendQuote(ctx, &q); err != nil {
			if errors.Is(err, storage.ErrDuplicateSequence) {
				log.WithFields(logger.Fields{
					"stock_code": q.StockCode,
					"sequence":   q.Sequence,
				}).Debug("duplicate quote skipped")
				return nil
			}
			return err
		}
		return nil
	}
}

func orderbookHandler(store storage.OrderbookStore) bus.Handler {
	log := logger.GetLogger().WithComponent("orderbook_handler")

	return func(ctx context.Context, msg kafka.Message) error {
		var ob models.Orderbook
		if err := json.Unmarshal(msg.Value, &ob); err != nil {
			return err
		}
		if err := store.AppendOrderbook(ctx, &ob); err != nil {
			if errors.Is(err, storage.ErrDuplicateSequence) {
				log.WithFields(logger.Fields{
					"stock_code": ob.StockCode,
					"sequence":   ob.Sequence,
				}).Debug("duplicate orderbook skipped")
				return nil
			}
			return err
		}
		return nil
	}
}
