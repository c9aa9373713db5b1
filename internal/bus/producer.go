package bus

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	appconfig "stockflow/config"
	"stockflow/logger"
	"stockflow/models"
)

// Producer writes market data and notification events to the stream bus.
// Quotes and orderbooks are keyed by stock code so every instrument keeps a
// single ordered partition, notifications are keyed by user and instrument.
type Producer struct {
	quotes        *kafka.Writer
	orderbooks    *kafka.Writer
	notifications *kafka.Writer
	log           *logger.Log
}

// NewProducer creates writers for the configured topics.
func NewProducer(cfg appconfig.KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	balancer := &InstrumentBalancer{Pinned: cfg.PinnedPartitions}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    topic,
			Balancer: balancer,
		}
	}

	p := &Producer{
		quotes:        newWriter(cfg.Topics.Quotes),
		orderbooks:    newWriter(cfg.Topics.Orderbooks),
		notifications: newWriter(cfg.Topics.Notifications),
		log:           logger.GetLogger(),
	}
	p.log.WithComponent("bus_producer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"pinned":  len(cfg.PinnedPartitions),
	}).Debug("bus producer initialized")
	return p, nil
}

// PublishQuote writes a quote keyed by its stock code.
func (p *Producer) PublishQuote(ctx context.Context, q *models.Quote) error {
	return p.publish(ctx, p.quotes, q.StockCode, q)
}

// PublishOrderbook writes an orderbook snapshot keyed by its stock code.
func (p *Producer) PublishOrderbook(ctx context.Context, ob *models.Orderbook) error {
	return p.publish(ctx, p.orderbooks, ob.StockCode, ob)
}

// PublishNotification writes a fired alert keyed by user and instrument.
// Urgent alerts bypass the balancer and land on partition 0 so the delivery
// consumer drains them first.
func (p *Producer) PublishNotification(ctx context.Context, ev *models.NotificationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.UserID + ":" + ev.StockCode),
		Value: data,
	}
	if ev.Priority == models.PriorityUrgent {
		msg.Headers = append(msg.Headers, kafka.Header{Key: priorityHeader, Value: []byte(ev.Priority)})
	}
	if err := p.notifications.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

func (p *Producer) publish(ctx context.Context, w *kafka.Writer, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close flushes and closes all writers.
func (p *Producer) Close() error {
	var firstErr error
	for _, w := range []*kafka.Writer{p.quotes, p.orderbooks, p.notifications} {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
