package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"stockflow/internal/storage"
	"stockflow/logger"
	"stockflow/models"
)

// RegisterRoutes mounts the stream endpoints. snapshots may be nil, in which
// case new connections start from live data only.
func RegisterRoutes(r gin.IRouter, m *Manager, snapshots storage.Store) {
	r.GET("/api/stream/connect", connectHandler(m, snapshots))
	r.GET("/api/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, m.GetStats())
	})
}

func connectHandler(m *Manager, snapshots storage.Store) gin.HandlerFunc {
	log := logger.GetLogger().WithComponent("stream_server")

	return func(c *gin.Context) {
		codes := splitCodes(c.Query("stocks"))
		if len(codes) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "stocks query parameter is required"})
			return
		}
		clientID := c.Query("client_id")
		if clientID == "" {
			clientID = uuid.NewString()
		}

		conn, err := m.Register(clientID, codes)
		if err != nil {
			if errors.Is(err, ErrCapacityExceeded) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream at capacity"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer m.Remove(conn.ID)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		if snapshots != nil {
			queueSnapshots(c, conn, snapshots, codes)
		}

		c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-conn.Events():
				if !ok {
					return false
				}
				data, err := json.Marshal(ev)
				if err != nil {
					log.WithError(err).Warn("failed to marshal stream event")
					return true
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}

// queueSnapshots puts the latest stored state on the connection so new
// subscribers do not wait for the next tick.
func queueSnapshots(c *gin.Context, conn *Connection, snapshots storage.Store, codes []string) {
	ctx := c.Request.Context()
	for _, code := range codes {
		if q, err := snapshots.LatestQuote(ctx, code); err == nil {
			conn.send(models.StreamEvent{
				Type:      models.EventTypeQuote,
				StockCode: code,
				Data:      q,
				Timestamp: time.Now(),
				Sequence:  q.Sequence,
			})
		}
		if ob, err := snapshots.LatestOrderbook(ctx, code); err == nil {
			conn.send(models.StreamEvent{
				Type:      models.EventTypeOrderbook,
				StockCode: code,
				Data:      ob,
				Timestamp: time.Now(),
				Sequence:  ob.Sequence,
			})
		}
	}
}

func splitCodes(raw string) []string {
	var codes []string
	for _, part := range strings.Split(raw, ",") {
		if code := strings.TrimSpace(part); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}
