package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"stockflow/config"
	"stockflow/internal/api"
	"stockflow/internal/bus"
	"stockflow/internal/kis"
	"stockflow/logger"
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
		"service": "collector",
		"version": cfg.Stockflow.Version,
	}).Info("starting collector")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	producer, err := bus.NewProducer(cfg.Kafka)
	if err != nil {
		log.WithError(err).Error("failed to create bus producer")
		os.Exit(1)
	}

	credentials := kis.NewCredentialManager(cfg.Kis)
	client := kis.NewClient(cfg, credentials, producer)

	server := api.NewServer("collector", cfg.Server.CollectorAddress)
	server.Engine().GET("/api/collector/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connected":     client.IsConnected(),
			"state":         client.State().String(),
			"instruments":   cfg.Kis.Instruments,
			"subscriptions": len(cfg.Kis.Instruments) * 2,
		})
	})

	if err := client.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start kis client")
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

	log.Info("stopping kis client")
	client.Stop()

	log.Info("stopping http server")
	server.Stop()

	log.Info("closing bus producer")
	if err := producer.Close(); err != nil {
		log.WithError(err).Warn("failed to close producer")
	}

	log.Info("collector shutdown complete")
}
