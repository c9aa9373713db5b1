package notify

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"stockflow/models"
)

type createConditionRequest struct {
	UserID      string  `json:"user_id" binding:"required"`
	StockCode   string  `json:"stock_code" binding:"required"`
	Type        string  `json:"type" binding:"required"`
	Threshold   float64 `json:"threshold"`
	Channel     string  `json:"channel" binding:"required"`
	Destination string  `json:"destination"`
}

type updateConditionRequest struct {
	StockCode   string  `json:"stock_code" binding:"required"`
	Type        string  `json:"type" binding:"required"`
	Threshold   float64 `json:"threshold"`
	Channel     string  `json:"channel" binding:"required"`
	Destination string  `json:"destination"`
}

// RegisterRoutes mounts the condition CRUD, history and stats endpoints.
// history, ev and dl may be nil, their endpoints then report empty data.
func RegisterRoutes(r gin.IRouter, store ConditionStore, history AttemptHistory, ev *Evaluator, dl *Deliverer) {
	r.POST("/api/conditions", createCondition(store))
	r.GET("/api/conditions", listConditions(store))
	r.GET("/api/conditions/:id", getCondition(store))
	r.PUT("/api/conditions/:id", updateCondition(store))
	r.POST("/api/conditions/:id/toggle", toggleCondition(store))
	r.DELETE("/api/conditions/:id", deleteCondition(store))
	r.GET("/api/notifications", listNotifications(history))
	r.GET("/api/stats/evaluation", evaluationStats(ev))
	r.GET("/api/stats/delivery", deliveryStats(dl))
}

func createCondition(store ConditionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createConditionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !models.ValidConditionType(req.Type) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported condition type"})
			return
		}
		if !models.ValidChannel(req.Channel) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported delivery channel"})
			return
		}

		cond := &models.Condition{
			ID:          uuid.NewString(),
			UserID:      req.UserID,
			StockCode:   req.StockCode,
			Type:        req.Type,
			Threshold:   req.Threshold,
			Channel:     req.Channel,
			Destination: req.Destination,
			IsActive:    true,
			CreatedAt:   time.Now(),
		}
		if err := store.Create(c.Request.Context(), cond); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, cond)
	}
}

func listConditions(store ConditionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
			return
		}
		conditions, err := store.ListByUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conditions == nil {
			conditions = []*models.Condition{}
		}
		c.JSON(http.StatusOK, conditions)
	}
}

func getCondition(store ConditionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		cond, err := store.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, ErrConditionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "condition not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cond)
	}
}

func updateCondition(store ConditionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateConditionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !models.ValidConditionType(req.Type) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported condition type"})
			return
		}
		if !models.ValidChannel(req.Channel) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported delivery channel"})
			return
		}

		cond := &models.Condition{
			ID:          c.Param("id"),
			StockCode:   req.StockCode,
			Type:        req.Type,
			Threshold:   req.Threshold,
			Channel:     req.Channel,
			Destination: req.Destination,
		}
		if err := store.Update(c.Request.Context(), cond); err != nil {
			if errors.Is(err, ErrConditionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "condition not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		updated, err := store.Get(c.Request.Context(), cond.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

func toggleCondition(store ConditionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		cond, err := store.Get(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, ErrConditionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "condition not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := store.SetActive(c.Request.Context(), id, !cond.IsActive); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		toggled, err := store.Get(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toggled)
	}
}

func listNotifications(history AttemptHistory) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
			return
		}
		attempts := []*models.DeliveryAttempt{}
		if history != nil {
			list, err := history.ListAttemptsByUser(c.Request.Context(), userID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			stockCode := c.Query("stock_code")
			for _, a := range list {
				if stockCode != "" && a.StockCode != stockCode {
					continue
				}
				attempts = append(attempts, a)
			}
		}
		c.JSON(http.StatusOK, attempts)
	}
}

func evaluationStats(ev *Evaluator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ev == nil {
			c.JSON(http.StatusOK, EvaluationStats{})
			return
		}
		c.JSON(http.StatusOK, ev.Stats())
	}
}

func deliveryStats(dl *Deliverer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if dl == nil {
			c.JSON(http.StatusOK, DeliveryStats{})
			return
		}
		c.JSON(http.StatusOK, dl.Stats())
	}
}

func deleteCondition(store ConditionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Delete(c.Request.Context(), c.Param("id")); err != nil {
			if errors.Is(err, ErrConditionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "condition not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
