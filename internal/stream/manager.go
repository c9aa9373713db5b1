package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "stockflow/config"
	"stockflow/logger"
	"stockflow/models"
)

// ErrCapacityExceeded is returned when the connection ceiling is reached.
var ErrCapacityExceeded = errors.New("connection capacity exceeded")

// Manager owns all subscriber connections and the inverse index from
// instrument to subscribers. All three maps change together under a single
// lock so they can never disagree.
type Manager struct {
	mu                      sync.RWMutex
	connections             map[string]*Connection
	subscriptionsByConn     map[string]map[string]struct{}
	subscribersByInstrument map[string]map[string]*Connection

	maxConnections    int
	bufferSize        int
	heartbeatInterval time.Duration

	ctx     context.Context
	wg      *sync.WaitGroup
	lifeMu  sync.Mutex
	running bool
	log     *logger.Log
}

// Stats is a point-in-time view of the fan-out state.
type Stats struct {
	Connections    int            `json:"connections"`
	MaxConnections int            `json:"max_connections"`
	Subscriptions  int            `json:"subscriptions"`
	ByInstrument   map[string]int `json:"by_instrument"`
}

// NewManager creates a connection manager from the stream config.
func NewManager(cfg appconfig.StreamConfig) *Manager {
	return &Manager{
		connections:             make(map[string]*Connection),
		subscriptionsByConn:     make(map[string]map[string]struct{}),
		subscribersByInstrument: make(map[string]map[string]*Connection),
		maxConnections:          cfg.MaxConnections,
		bufferSize:              cfg.BufferSize,
		heartbeatInterval:       cfg.HeartbeatInterval,
		wg:                      &sync.WaitGroup{},
		log:                     logger.GetLogger(),
	}
}

// Start launches the heartbeat loop.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	if m.running {
		m.lifeMu.Unlock()
		return fmt.Errorf("stream manager already running")
	}
	m.running = true
	m.ctx = ctx
	m.lifeMu.Unlock()

	m.wg.Add(1)
	go m.heartbeatLoop()

	m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"max_connections": m.maxConnections,
		"heartbeat":       m.heartbeatInterval.String(),
	}).Info("stream manager started")
	return nil
}

// Stop closes every connection and waits for the heartbeat loop.
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	m.running = false
	m.lifeMu.Unlock()

	shutdown := models.StreamEvent{
		Type:      models.EventTypeError,
		Data:      "server shutting down",
		Timestamp: time.Now(),
	}

	m.mu.Lock()
	for id, conn := range m.connections {
		conn.send(shutdown)
		conn.close()
		delete(m.connections, id)
		delete(m.subscriptionsByConn, id)
	}
	m.subscribersByInstrument = make(map[string]map[string]*Connection)
	metricConnections.Set(0)
	m.mu.Unlock()

	m.wg.Wait()
	m.log.WithComponent("stream_manager").Info("stream manager stopped")
}

// Register creates a connection subscribed to the given instruments. Every
// subscription is acknowledged with a subscribe_ack event already queued on
// the returned connection.
func (m *Manager) Register(clientID string, stockCodes []string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.connections) >= m.maxConnections {
		metricConnectionsRejected.Inc()
		return nil, ErrCapacityExceeded
	}

	conn := newConnection(uuid.NewString(), clientID, m.bufferSize)
	m.connections[conn.ID] = conn
	m.subscriptionsByConn[conn.ID] = make(map[string]struct{})

	for _, code := range stockCodes {
		m.subscribeLocked(conn, code)
	}

	metricConnections.Set(float64(len(m.connections)))
	m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"connection_id": conn.ID,
		"client_id":     clientID,
		"stock_codes":   stockCodes,
	}).Info("connection registered")
	return conn, nil
}

func (m *Manager) subscribeLocked(conn *Connection, code string) {
	m.subscriptionsByConn[conn.ID][code] = struct{}{}
	subs, ok := m.subscribersByInstrument[code]
	if !ok {
		subs = make(map[string]*Connection)
		m.subscribersByInstrument[code] = subs
	}
	subs[conn.ID] = conn

	conn.send(models.StreamEvent{
		Type:      models.EventTypeSubscribeAck,
		StockCode: code,
		Timestamp: time.Now(),
	})
}

// Subscribe adds an instrument to an existing connection.
func (m *Manager) Subscribe(connID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[connID]
	if !ok {
		return fmt.Errorf("unknown connection %s", connID)
	}
	m.subscribeLocked(conn, code)
	return nil
}

// Unsubscribe removes an instrument from an existing connection.
func (m *Manager) Unsubscribe(connID, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subscriptionsByConn[connID], code)
	if subs, ok := m.subscribersByInstrument[code]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(m.subscribersByInstrument, code)
		}
	}
}

// Remove drops a connection and all its index entries, then closes it.
func (m *Manager) Remove(connID string) {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	if ok {
		for code := range m.subscriptionsByConn[connID] {
			if subs, exists := m.subscribersByInstrument[code]; exists {
				delete(subs, connID)
				if len(subs) == 0 {
					delete(m.subscribersByInstrument, code)
				}
			}
		}
		delete(m.connections, connID)
		delete(m.subscriptionsByConn, connID)
		metricConnections.Set(float64(len(m.connections)))
	}
	m.mu.Unlock()

	if ok {
		conn.close()
		m.log.WithComponent("stream_manager").WithFields(logger.Fields{
			"connection_id": connID,
		}).Info("connection removed")
	}
}

// Broadcast fans an event out to every subscriber of its instrument.
// Subscribers that cannot take the event have stopped draining their buffer,
// collect them first and remove them after the lock is released.
func (m *Manager) Broadcast(ev models.StreamEvent) {
	m.mu.RLock()
	subs := m.subscribersByInstrument[ev.StockCode]
	targets := make([]*Connection, 0, len(subs))
	for _, conn := range subs {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	var dead []string
	for _, conn := range targets {
		if conn.send(ev) {
			metricEventsSent.WithLabelValues(ev.Type).Inc()
		} else {
			metricEventsDropped.Inc()
			dead = append(dead, conn.ID)
		}
	}
	for _, id := range dead {
		m.log.WithComponent("stream_manager").WithFields(logger.Fields{
			"connection_id": id,
		}).Warn("removing unresponsive connection")
		m.Remove(id)
	}
	logger.IncrementBroadcast()
}

// SubscriberCount returns how many connections follow an instrument.
func (m *Manager) SubscriberCount(code string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribersByInstrument[code])
}

// GetStats returns a snapshot of the fan-out state.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byInstrument := make(map[string]int, len(m.subscribersByInstrument))
	total := 0
	for code, subs := range m.subscribersByInstrument {
		byInstrument[code] = len(subs)
		total += len(subs)
	}
	return Stats{
		Connections:    len(m.connections),
		MaxConnections: m.maxConnections,
		Subscriptions:  total,
		ByInstrument:   byInstrument,
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	interval := m.heartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sendHeartbeats()
		}
	}
}

// sendHeartbeats pushes a keepalive to every connection. Connections that
// cannot even take a heartbeat are gone, collect them first and remove them
// after the lock is released.
func (m *Manager) sendHeartbeats() {
	ev := models.StreamEvent{Type: models.EventTypeHeartbeat, Timestamp: time.Now()}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var dead []string
	for _, conn := range conns {
		if !conn.send(ev) {
			dead = append(dead, conn.ID)
		}
	}
	for _, id := range dead {
		m.log.WithComponent("stream_manager").WithFields(logger.Fields{
			"connection_id": id,
		}).Warn("removing unresponsive connection")
		m.Remove(id)
	}
}
