package models

import "time"

// Quote represents a normalized trade tick for a single instrument.
type Quote struct {
	StockCode    string    `json:"stock_code"`
	TradeTime    string    `json:"trade_time"`
	Price        int64     `json:"price"`
	ChangeAmount int64     `json:"change_amount"`
	ChangeRate   float64   `json:"change_rate"`
	Open         int64     `json:"open"`
	High         int64     `json:"high"`
	Low          int64     `json:"low"`
	Volume       int64     `json:"volume"`
	ReceivedAt   time.Time `json:"received_at"`
	Sequence     int64     `json:"sequence"`
}

// OrderbookLevel is one price level on one side of the book. Rank 1 is the
// best price on its side.
type OrderbookLevel struct {
	Rank   int   `json:"rank"`
	Price  int64 `json:"price"`
	Volume int64 `json:"volume"`
}

// Orderbook represents a normalized depth snapshot for a single instrument.
type Orderbook struct {
	StockCode      string           `json:"stock_code"`
	QuoteTime      string           `json:"quote_time"`
	BestBidPrice   int64            `json:"best_bid_price"`
	BestAskPrice   int64            `json:"best_ask_price"`
	BestBidVolume  int64            `json:"best_bid_volume"`
	BestAskVolume  int64            `json:"best_ask_volume"`
	Bids           []OrderbookLevel `json:"bids"`
	Asks           []OrderbookLevel `json:"asks"`
	TotalBidVolume int64            `json:"total_bid_volume"`
	TotalAskVolume int64            `json:"total_ask_volume"`
	ReceivedAt     time.Time        `json:"received_at"`
	Sequence       int64            `json:"sequence"`
}

// StreamEvent is the envelope written to stream subscribers.
type StreamEvent struct {
	Type      string      `json:"type"`
	StockCode string      `json:"stock_code"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	Sequence  int64       `json:"sequence"`
}

// Stream event types.
const (
	EventTypeQuote        = "quote"
	EventTypeOrderbook    = "orderbook"
	EventTypeSubscribeAck = "subscribe_ack"
	EventTypeHeartbeat    = "heartbeat"
	EventTypeNotification = "notification"
	EventTypeError        = "error"
)
