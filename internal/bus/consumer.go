package bus

import (
	"context"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	appconfig "stockflow/config"
	"stockflow/logger"
)

// Handler processes one message. Returning an error does not stop the
// consumer and does not hold back the commit: the message is logged and
// skipped so one bad record cannot wedge a partition.
type Handler func(ctx context.Context, msg kafka.Message) error

// Consumer reads one topic within a consumer group and commits offsets only
// after the handler ran.
type Consumer struct {
	reader  *kafka.Reader
	handler Handler
	topic   string
	group   string

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewConsumer creates a group consumer for the given topic.
func NewConsumer(cfg appconfig.KafkaConfig, topic, groupID string, handler Handler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: cfg.Consumer.MinBytes,
		MaxBytes: cfg.Consumer.MaxBytes,
		MaxWait:  cfg.Consumer.MaxWait,
	})

	return &Consumer{
		reader:  reader,
		handler: handler,
		topic:   topic,
		group:   groupID,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}, nil
}

// Start launches the fetch loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	c.log.WithComponent("bus_consumer").WithFields(logger.Fields{
		"topic": c.topic,
		"group": c.group,
	}).Info("starting consumer")

	c.wg.Add(1)
	go c.run()

	return nil
}

func (c *Consumer) run() {
	defer c.wg.Done()

	log := c.log.WithComponent("bus_consumer").WithFields(logger.Fields{
		"topic": c.topic,
		"group": c.group,
	})

	for {
		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("fetch failed")
			continue
		}

		if err := c.handler(c.ctx, msg); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Error("handler failed, skipping message")
		}

		// Commit regardless of handler outcome. A poisoned message must
		// not be redelivered forever.
		if err := c.reader.CommitMessages(c.ctx, msg); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("commit failed")
		}
	}
}

// Stop closes the reader and waits for the fetch loop to exit.
func (c *Consumer) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("bus_consumer").WithFields(logger.Fields{"topic": c.topic}).Info("stopping consumer")
	c.reader.Close()
	c.wg.Wait()
	c.log.WithComponent("bus_consumer").WithFields(logger.Fields{"topic": c.topic}).Info("consumer stopped")
}
