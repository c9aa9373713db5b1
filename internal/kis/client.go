package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "stockflow/config"
	"stockflow/logger"
	"stockflow/models"
)

// State is the connection lifecycle phase of the client.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateConnecting
	StateSubscribing
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	}
	return "unknown"
}

// Publisher receives decoded market data from the client.
type Publisher interface {
	PublishQuote(ctx context.Context, q *models.Quote) error
	PublishOrderbook(ctx context.Context, ob *models.Orderbook) error
}

// Client maintains the realtime websocket session: it authenticates,
// connects, subscribes the configured instruments and streams decoded data
// into the publisher. On any failure it reconnects after the configured
// delay.
type Client struct {
	config      *appconfig.Config
	credentials *CredentialManager
	decoder     *Decoder
	publisher   Publisher
	limiter     *rate.Limiter
	log         *logger.Log

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	state   State
}

// NewClient creates a realtime client for the configured instruments.
func NewClient(cfg *appconfig.Config, creds *CredentialManager, publisher Publisher) *Client {
	burst := cfg.Kis.SubscribeBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		config:      cfg,
		credentials: creds,
		decoder:     NewDecoder(),
		publisher:   publisher,
		limiter:     rate.NewLimiter(rate.Limit(cfg.Kis.SubscribeRate), burst),
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
		state:       StateDisconnected,
	}
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is streaming market data.
func (c *Client) IsConnected() bool {
	return c.State() == StateStreaming
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start runs the session loop until the context is cancelled.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("kis client already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("kis_client").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"instruments": c.config.Kis.Instruments}).Info("starting kis client")

	c.wg.Add(1)
	go c.run()

	log.Info("kis client started successfully")
	return nil
}

// Stop waits for the session loop to exit. The context passed to Start must
// be cancelled first.
func (c *Client) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("kis_client").Info("stopping kis client")
	c.wg.Wait()
	c.setState(StateDisconnected)
	c.log.WithComponent("kis_client").Info("kis client stopped")
}

func (c *Client) run() {
	defer c.wg.Done()

	log := c.log.WithComponent("kis_client").WithFields(logger.Fields{"worker": "session"})
	delay := c.config.Kis.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	for {
		if err := c.session(); err != nil {
			log.WithError(err).WithFields(logger.Fields{"reconnect_in": delay.String()}).Warn("session ended")
		}
		c.setState(StateDisconnected)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) session() error {
	log := c.log.WithComponent("kis_client")

	c.setState(StateAuthenticating)
	approvalKey, err := c.credentials.ApprovalKey(c.ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain approval key: %w", err)
	}

	c.setState(StateConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(c.ctx, c.config.Kis.Websocket.URL, http.Header{})
	if err != nil {
		return fmt.Errorf("failed to connect websocket: %w", err)
	}
	defer conn.Close()

	// Unblock reads when the context is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	c.setState(StateSubscribing)
	if err := c.subscribeAll(conn, approvalKey); err != nil {
		return err
	}

	c.setState(StateStreaming)
	log.WithFields(logger.Fields{"instruments": len(c.config.Kis.Instruments)}).Info("streaming realtime data")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("websocket read failed: %w", err)
		}

		if err := c.handleFrame(conn, raw); err != nil {
			if IsRateLimited(err) {
				c.credentials.ReportRateLimit()
				return err
			}
			// Malformed frames are dropped, the stream keeps going
			log.WithError(err).WithFields(logger.Fields{"frame_size": len(raw)}).Warn("dropping frame")
		}
	}
}

type subscribeFrame struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		CustType    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content_type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

func (c *Client) subscribeAll(conn *websocket.Conn, approvalKey string) error {
	log := c.log.WithComponent("kis_client").WithFields(logger.Fields{"operation": "subscribe"})

	for _, code := range c.config.Kis.Instruments {
		for _, trID := range []string{TrQuote, TrOrderbook} {
			// The gateway throttles registrations, pace them
			if err := c.limiter.Wait(c.ctx); err != nil {
				return err
			}
			if err := c.sendSubscribe(conn, approvalKey, trID, code); err != nil {
				return fmt.Errorf("failed to subscribe %s/%s: %w", trID, code, err)
			}
		}
		log.WithFields(logger.Fields{"stock_code": code}).Info("subscribed instrument")
	}
	return nil
}

func (c *Client) sendSubscribe(conn *websocket.Conn, approvalKey, trID, trKey string) error {
	var frame subscribeFrame
	frame.Header.ApprovalKey = approvalKey
	frame.Header.CustType = "P"
	frame.Header.TrType = "1"
	frame.Header.ContentType = "utf-8"
	frame.Body.Input.TrID = trID
	frame.Body.Input.TrKey = trKey

	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) handleFrame(conn *websocket.Conn, raw []byte) error {
	msgs, err := c.decoder.Decode(raw)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		switch msg.Kind {
		case KindPingPong:
			// Echo the keepalive back unchanged
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return fmt.Errorf("failed to answer keepalive: %w", err)
			}
		case KindQuote:
			logger.IncrementQuoteRead(len(raw))
			if err := c.publisher.PublishQuote(c.ctx, msg.Quote); err != nil {
				c.log.WithComponent("kis_client").WithError(err).WithFields(logger.Fields{
					"stock_code": msg.Quote.StockCode,
				}).Error("failed to publish quote")
			}
		case KindOrderbook:
			logger.IncrementOrderbookRead(len(raw))
			if err := c.publisher.PublishOrderbook(c.ctx, msg.Orderbook); err != nil {
				c.log.WithComponent("kis_client").WithError(err).WithFields(logger.Fields{
					"stock_code": msg.Orderbook.StockCode,
				}).Error("failed to publish orderbook")
			}
		case KindControl:
			// Subscription acks carry no data
		}
	}
	return nil
}
