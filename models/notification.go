package models

import (
	"fmt"
	"time"
)

// Condition types.
const (
	ConditionPriceAbove      = "PRICE_ABOVE"
	ConditionPriceBelow      = "PRICE_BELOW"
	ConditionVolumeAbove     = "VOLUME_ABOVE"
	ConditionChangeRateAbove = "CHANGE_RATE_ABOVE"
	ConditionChangeRateBelow = "CHANGE_RATE_BELOW"
)

// Notification priorities.
const (
	PriorityNormal = "NORMAL"
	PriorityHigh   = "HIGH"
	PriorityUrgent = "URGENT"
)

// Delivery channels.
const (
	ChannelPush    = "PUSH"
	ChannelEmail   = "EMAIL"
	ChannelSMS     = "SMS"
	ChannelWebhook = "WEBHOOK"
)

// Delivery statuses.
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
	StatusRetry   = "RETRY"
)

// Condition is a user-registered alert rule. A condition fires at most once:
// the evaluator deactivates it atomically when it triggers.
type Condition struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	StockCode   string    `json:"stock_code"`
	Type        string    `json:"type"`
	Threshold   float64   `json:"threshold"`
	Channel     string    `json:"channel"`
	Destination string    `json:"destination"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`

	// TriggeredValue is the market value that crossed the threshold,
	// recorded when the condition fires.
	TriggeredValue float64 `json:"triggered_value,omitempty"`
}

// ValidConditionType reports whether t is one of the supported condition types.
func ValidConditionType(t string) bool {
	switch t {
	case ConditionPriceAbove, ConditionPriceBelow, ConditionVolumeAbove,
		ConditionChangeRateAbove, ConditionChangeRateBelow:
		return true
	}
	return false
}

// ValidChannel reports whether c is one of the supported delivery channels.
func ValidChannel(c string) bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelSMS, ChannelWebhook:
		return true
	}
	return false
}

// CurrentValue returns the dimension of the tick this condition watches.
func (c *Condition) CurrentValue(q *Quote) float64 {
	switch c.Type {
	case ConditionPriceAbove, ConditionPriceBelow:
		return float64(q.Price)
	case ConditionVolumeAbove:
		return float64(q.Volume)
	case ConditionChangeRateAbove, ConditionChangeRateBelow:
		return q.ChangeRate
	}
	return 0
}

// Matches reports whether the condition fires against the given tick.
func (c *Condition) Matches(q *Quote) bool {
	switch c.Type {
	case ConditionPriceAbove:
		return float64(q.Price) >= c.Threshold
	case ConditionPriceBelow:
		return float64(q.Price) <= c.Threshold
	case ConditionVolumeAbove:
		return float64(q.Volume) >= c.Threshold
	case ConditionChangeRateAbove:
		return q.ChangeRate >= c.Threshold
	case ConditionChangeRateBelow:
		return q.ChangeRate <= c.Threshold
	}
	return false
}

// NotificationEvent is a triggered condition queued for delivery.
type NotificationEvent struct {
	ID             string  `json:"id"`
	ConditionID    string  `json:"condition_id"`
	UserID         string  `json:"user_id"`
	StockCode      string  `json:"stock_code"`
	Type           string  `json:"type"`
	Threshold      float64 `json:"threshold"`
	TriggeredValue float64 `json:"triggered_value"`

	Price       int64     `json:"price"`
	ChangeRate  float64   `json:"change_rate"`
	Volume      int64     `json:"volume"`
	Priority    string    `json:"priority"`
	Channel     string    `json:"channel"`
	Destination string    `json:"destination"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// EventPriority derives the delivery priority from the tick that fired the
// condition. Large moves outrank everything, volume spikes rank high.
func EventPriority(conditionType string, q *Quote) string {
	rate := q.ChangeRate
	if rate < 0 {
		rate = -rate
	}
	switch {
	case rate >= 10:
		return PriorityUrgent
	case rate >= 5:
		return PriorityHigh
	case conditionType == ConditionVolumeAbove:
		return PriorityHigh
	}
	return PriorityNormal
}

// EventMessage builds the human-readable alert text for a fired condition.
func EventMessage(c *Condition, q *Quote) string {
	switch c.Type {
	case ConditionPriceAbove:
		return fmt.Sprintf("%s reached %d, above your target %.0f", c.StockCode, q.Price, c.Threshold)
	case ConditionPriceBelow:
		return fmt.Sprintf("%s dropped to %d, below your target %.0f", c.StockCode, q.Price, c.Threshold)
	case ConditionVolumeAbove:
		return fmt.Sprintf("%s volume hit %d, above your target %.0f", c.StockCode, q.Volume, c.Threshold)
	case ConditionChangeRateAbove:
		return fmt.Sprintf("%s is up %.2f%%, above your target %.2f%%", c.StockCode, q.ChangeRate, c.Threshold)
	case ConditionChangeRateBelow:
		return fmt.Sprintf("%s is down %.2f%%, below your target %.2f%%", c.StockCode, q.ChangeRate, c.Threshold)
	}
	return fmt.Sprintf("%s alert triggered", c.StockCode)
}

// DeliveryAttempt records one attempt to deliver a notification.
type DeliveryAttempt struct {
	NotificationID string    `json:"notification_id"`
	UserID         string    `json:"user_id"`
	StockCode      string    `json:"stock_code"`
	Attempt        int       `json:"attempt"`
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	Message        string    `json:"message,omitempty"`
	Error          string    `json:"error,omitempty"`
	AttemptedAt    time.Time `json:"attempted_at"`
}
