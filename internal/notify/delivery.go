package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	appconfig "stockflow/config"
	"stockflow/logger"
	"stockflow/models"
)

// Sender delivers a notification over one channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, ev *models.NotificationEvent) error
}

// AttemptRecorder stores delivery attempt outcomes. Optional.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error
}

// AttemptHistory exposes recorded delivery attempts for the admin surface.
type AttemptHistory interface {
	ListAttemptsByUser(ctx context.Context, userID string) ([]*models.DeliveryAttempt, error)
}

// DeliveryStats is a point-in-time snapshot of delivery outcomes.
type DeliveryStats struct {
	Sent       int64 `json:"sent"`
	Retried    int64 `json:"retried"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	QueueDepth int   `json:"queue_depth"`
	Workers    int   `json:"workers"`
}

// Deliverer routes notifications to the sender for their channel and
// retries failures with exponential backoff. The final status is SENT after
// any successful attempt, FAILED once attempts are exhausted. Retry loops
// run on a bounded worker pool so a slow channel never stalls the alerts
// consumer.
type Deliverer struct {
	senders  map[string]Sender
	recorder AttemptRecorder
	retry    appconfig.RetryConfig
	timeout  time.Duration
	queue    chan *models.NotificationEvent
	workers  int

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	sent    atomic.Int64
	retried atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewDeliverer builds a deliverer from the configured channels.
func NewDeliverer(cfg appconfig.DeliveryConfig, recorder AttemptRecorder) *Deliverer {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 8
	}
	d := &Deliverer{
		senders:  make(map[string]Sender),
		recorder: recorder,
		retry:    cfg.Retry,
		timeout:  cfg.Timeout,
		queue:    make(chan *models.NotificationEvent, workers*16),
		workers:  workers,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
	if d.timeout <= 0 {
		d.timeout = 10 * time.Second
	}
	if d.retry.MaxAttempts <= 0 {
		d.retry.MaxAttempts = 3
	}
	if d.retry.BaseDelay <= 0 {
		d.retry.BaseDelay = 2 * time.Second
	}
	if d.retry.BackoffMultiplier <= 0 {
		d.retry.BackoffMultiplier = 2
	}

	if cfg.Channels.Push.Enabled {
		d.Register(&PushSender{})
	}
	if cfg.Channels.Email.Enabled {
		d.Register(&EmailSender{cfg: cfg.Channels.Email})
	}
	if cfg.Channels.SMS.Enabled {
		d.Register(&SMSSender{cfg: cfg.Channels.SMS, client: &http.Client{}})
	}
	if cfg.Channels.Webhook.Enabled {
		d.Register(&WebhookSender{cfg: cfg.Channels.Webhook, client: &http.Client{}})
	}
	return d
}

// Register adds or replaces the sender for a channel.
func (d *Deliverer) Register(s Sender) {
	d.senders[s.Channel()] = s
}

// Start launches the delivery worker pool.
func (d *Deliverer) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("deliverer already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	d.log.WithComponent("deliverer").WithFields(logger.Fields{"workers": d.workers}).Info("deliverer started")
	return nil
}

// Stop waits for the workers to drain. Cancel the Start context first.
func (d *Deliverer) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()
	d.log.WithComponent("deliverer").Info("deliverer stopped")
}

// Submit queues a notification for delivery without blocking. Events are
// dropped with an error when the queue is full.
func (d *Deliverer) Submit(ev *models.NotificationEvent) error {
	select {
	case d.queue <- ev:
		return nil
	default:
		d.dropped.Add(1)
		return fmt.Errorf("delivery queue full")
	}
}

func (d *Deliverer) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.queue:
			d.Deliver(d.ctx, ev)
		}
	}
}

// Deliver runs the retry loop for one notification and returns the final
// status written to ev.Status.
func (d *Deliverer) Deliver(ctx context.Context, ev *models.NotificationEvent) error {
	log := d.log.WithComponent("deliverer").WithFields(logger.Fields{
		"notification_id": ev.ID,
		"channel":         ev.Channel,
		"priority":        ev.Priority,
	})

	sender, ok := d.senders[ev.Channel]
	if !ok {
		ev.Status = models.StatusFailed
		d.failed.Add(1)
		d.record(ctx, ev, 1, models.StatusFailed, fmt.Sprintf("no sender for channel %s", ev.Channel))
		return fmt.Errorf("no sender registered for channel %s", ev.Channel)
	}

	var lastErr error
	delay := d.retry.BaseDelay
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sender.Send(attemptCtx, ev)
		cancel()

		if err == nil {
			ev.Status = models.StatusSent
			d.sent.Add(1)
			d.record(ctx, ev, attempt, models.StatusSent, "")
			log.WithFields(logger.Fields{"attempt": attempt}).Info("notification delivered")
			return nil
		}
		lastErr = err

		if attempt < d.retry.MaxAttempts {
			ev.Status = models.StatusRetry
			d.retried.Add(1)
			d.record(ctx, ev, attempt, models.StatusRetry, err.Error())
			log.WithError(err).WithFields(logger.Fields{
				"attempt":  attempt,
				"retry_in": delay.String(),
			}).Warn("delivery attempt failed")

			select {
			case <-ctx.Done():
				ev.Status = models.StatusFailed
				d.failed.Add(1)
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= time.Duration(d.retry.BackoffMultiplier)
			if d.retry.MaxDelay > 0 && delay > d.retry.MaxDelay {
				delay = d.retry.MaxDelay
			}
		} else {
			d.record(ctx, ev, attempt, models.StatusFailed, err.Error())
		}
	}

	ev.Status = models.StatusFailed
	d.failed.Add(1)
	log.WithError(lastErr).WithFields(logger.Fields{"attempts": d.retry.MaxAttempts}).Error("notification delivery failed")
	return fmt.Errorf("delivery failed after %d attempts: %w", d.retry.MaxAttempts, lastErr)
}

// Stats returns delivery counters since process start.
func (d *Deliverer) Stats() DeliveryStats {
	return DeliveryStats{
		Sent:       d.sent.Load(),
		Retried:    d.retried.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
		QueueDepth: len(d.queue),
		Workers:    d.workers,
	}
}

func (d *Deliverer) record(ctx context.Context, ev *models.NotificationEvent, attempt int, status, errText string) {
	if d.recorder == nil {
		return
	}
	a := &models.DeliveryAttempt{
		NotificationID: ev.ID,
		UserID:         ev.UserID,
		StockCode:      ev.StockCode,
		Attempt:        attempt,
		Channel:        ev.Channel,
		Status:         status,
		Message:        ev.Message,
		Error:          errText,
		AttemptedAt:    time.Now(),
	}
	if err := d.recorder.RecordAttempt(ctx, a); err != nil {
		d.log.WithComponent("deliverer").WithError(err).Warn("failed to record delivery attempt")
	}
}

// PushSender hands alerts to the mobile push gateway. The gateway side is
// out of process, here the alert is accepted once it is logged to the push
// journal.
type PushSender struct{}

func (s *PushSender) Channel() string { return models.ChannelPush }

func (s *PushSender) Send(ctx context.Context, ev *models.NotificationEvent) error {
	logger.GetLogger().WithComponent("push_sender").WithFields(logger.Fields{
		"notification_id": ev.ID,
		"user_id":         ev.UserID,
		"message":         ev.Message,
	}).Info("push notification queued")
	return nil
}

// EmailSender delivers over SMTP.
type EmailSender struct {
	cfg appconfig.EmailChannelConfig
}

func (s *EmailSender) Channel() string { return models.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, ev *models.NotificationEvent) error {
	addr := s.cfg.SMTPHost + ":" + strconv.Itoa(s.cfg.SMTPPort)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.SMTPHost)
	}
	body := fmt.Sprintf("Subject: [%s] %s alert\r\n\r\n%s\r\n", ev.Priority, ev.StockCode, ev.Message)
	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{ev.Destination}, []byte(body)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

// SMSSender posts to the SMS gateway endpoint.
type SMSSender struct {
	cfg    appconfig.SMSChannelConfig
	client *http.Client
}

func (s *SMSSender) Channel() string { return models.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, ev *models.NotificationEvent) error {
	payload, err := json.Marshal(map[string]string{
		"from":    s.cfg.From,
		"to":      ev.Destination,
		"message": ev.Message,
	})
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client, s.cfg.Endpoint, payload, map[string]string{"Authorization": "Bearer " + s.cfg.APIKey})
}

// WebhookSender posts the full event to the configured URL. A per-event
// destination overrides the configured one.
type WebhookSender struct {
	cfg    appconfig.WebhookChannelConfig
	client *http.Client
}

func (s *WebhookSender) Channel() string { return models.ChannelWebhook }

func (s *WebhookSender) Send(ctx context.Context, ev *models.NotificationEvent) error {
	url := s.cfg.URL
	if ev.Destination != "" {
		url = ev.Destination
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client, url, payload, nil)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delivery endpoint returned %d", resp.StatusCode)
	}
	return nil
}
