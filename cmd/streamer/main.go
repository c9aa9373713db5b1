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
	"stockflow/internal/stream"
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
		"service": "streamer",
		"version": cfg.Stockflow.Version,
	}).Info("starting streamer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	manager := stream.NewManager(cfg.Stream)

	// Snapshots for new subscribers come from the local copy of the latest
	// data, fed by the same consumers that drive the broadcast. Entries age
	// out after the configured TTL so halted instruments are not replayed.
	snapshots := storage.NewRecentStore(cfg.Cache)

	quoteConsumer, err := bus.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Quotes, cfg.Kafka.Groups.Streamer, quoteHandler(manager, snapshots))
	if err != nil {
		log.WithError(err).Error("failed to create quote consumer")
		os.Exit(1)
	}
	orderbookConsumer, err := bus.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Orderbooks, cfg.Kafka.Groups.Streamer, orderbookHandler(manager, snapshots))
	if err != nil {
		log.WithError(err).Error("failed to create orderbook consumer")
		os.Exit(1)
	}

	server := api.NewServer("streamer", cfg.Server.StreamerAddress)
	stream.RegisterRoutes(server.Engine(), manager, snapshots)

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start stream manager")
		os.Exit(1)
	}
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

	log.Info("stopping stream manager")
	manager.Stop()

	snapshots.Close()

	log.Info("streamer shutdown complete")
}

type broadcaster interface {
	Broadcast(ev models.StreamEvent)
}

func quoteHandler(manager broadcaster, snapshots storage.QuoteStore) bus.Handler {
	log := logger.GetLogger().WithComponent("quote_handler")

	return func(ctx context.Context, msg kafka.Message) error {
		var q models.Quote
		if err := json.Unmarshal(msg.Value, &q); err != nil {
			return err
		}
		if err := snapshots.AppendQuote(ctx, &q); err != nil {
			if errors.Is(err, storage.ErrDuplicateSequence) {
				log.WithFields(logger.Fields{
					"stock_code": q.StockCode,
					"sequence":   q.Sequence,
				}).Debug("duplicate quote skipped")
				return nil
			}
			return err
		}

		manager.Broadcast(models.StreamEvent{
			Type:      models.EventTypeQuote,
			StockCode: q.StockCode,
			Data:      &q,
			Timestamp: time.Now(),
			Sequence:  q.Sequence,
		})
		return nil
	}
}

func orderbookHandler(manager broadcaster, snapshots storage.OrderbookStore) bus.Handler {
	log := logger.GetLogger().WithComponent("orderbook_handler")

	return func(ctx context.Context, msg kafka.Message) error {
		var ob models.Orderbook
		if err := json.Unmarshal(msg.Value, &ob); err != nil {
			return err
		}
		if err := snapshots.AppendOrderbook(ctx, &ob); err != nil {
			if errors.Is(err, storage.ErrDuplicateSequence) {
				log.WithFields(logger.Fields{
					"stock_code": ob.StockCode,
					"sequence":   ob.Sequence,
				}).Debug("duplicate orderbook skipped")
				return nil
			}
			return err
		}

		manager.Broadcast(models.StreamEvent{
			Type:      models.EventTypeOrderbook,
			StockCode: ob.StockCode,
			Data:      &ob,
			Timestamp: time.Now(),
			Sequence:  ob.Sequence,
		})
		return nil
	}
}
