package kis

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"stockflow/models"
)

// Transaction IDs used on the realtime websocket.
const (
	TrQuote     = "H0STCNT0"
	TrOrderbook = "H0STASP0"
)

// Minimum field counts per record. Shorter records are dropped.
const (
	quoteMinFields     = 15
	orderbookMinFields = 20
)

// Full depth records carry five levels per side plus totals and a sequence.
const orderbookFullFields = 26

// MessageKind classifies a decoded websocket frame.
type MessageKind int

const (
	KindControl MessageKind = iota
	KindPingPong
	KindQuote
	KindOrderbook
)

// Message is one decoded record from a websocket frame. A single data frame
// may batch several records.
type Message struct {
	Kind      MessageKind
	Quote     *models.Quote
	Orderbook *models.Orderbook
}

type controlFrame struct {
	Header struct {
		TrID string `json:"tr_id"`
	} `json:"header"`
	Body struct {
		MsgCode string `json:"msg_cd"`
		Message string `json:"msg1"`
	} `json:"body"`
}

// Decoder parses the pipe-and-caret text protocol of the realtime feed.
// Sequence numbers come from the record itself, so decoding the same bytes
// always yields the same events: orderbooks carry an explicit sequence field,
// quotes use the cumulative volume, which advances with every trade.
type Decoder struct {
	now func() time.Time
}

// NewDecoder creates a decoder.
func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

// Decode parses one raw websocket frame. JSON frames are control messages:
// subscription acks pass through as KindControl, gateway rate limits surface
// as a rate-limited AuthError. Text frames decode into one message per
// batched record. Malformed frames return ErrMalformedFrame.
func (d *Decoder) Decode(raw []byte) ([]Message, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, ErrMalformedFrame
	}

	if text == "PINGPONG" {
		return []Message{{Kind: KindPingPong}}, nil
	}

	if text[0] == '{' {
		var ctrl controlFrame
		if err := json.Unmarshal([]byte(text), &ctrl); err != nil {
			return nil, ErrMalformedFrame
		}
		if ctrl.Header.TrID == "PINGPONG" {
			return []Message{{Kind: KindPingPong}}, nil
		}
		if ctrl.Body.MsgCode == codeRateLimited {
			return nil, &AuthError{Code: ctrl.Body.MsgCode, Message: ctrl.Body.Message, RateLimited: true}
		}
		return []Message{{Kind: KindControl}}, nil
	}

	parts := strings.SplitN(text, "|", 4)
	if len(parts) != 4 {
		return nil, ErrMalformedFrame
	}

	trID := parts[1]
	count, err := strconv.Atoi(parts[2])
	if err != nil || count <= 0 {
		return nil, ErrMalformedFrame
	}

	fields := strings.Split(parts[3], "^")
	if len(fields)%count != 0 {
		return nil, ErrMalformedFrame
	}
	recordLen := len(fields) / count

	received := d.now()
	msgs := make([]Message, 0, count)
	for i := 0; i < count; i++ {
		record := fields[i*recordLen : (i+1)*recordLen]
		switch trID {
		case TrQuote:
			q, err := d.decodeQuote(record, received)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, Message{Kind: KindQuote, Quote: q})
		case TrOrderbook:
			ob, err := d.decodeOrderbook(record, received)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, Message{Kind: KindOrderbook, Orderbook: ob})
		default:
			return nil, ErrMalformedFrame
		}
	}
	return msgs, nil
}

func (d *Decoder) decodeQuote(fields []string, received time.Time) (*models.Quote, error) {
	if len(fields) < quoteMinFields {
		return nil, ErrMalformedFrame
	}

	price, err1 := parseInt(fields[2])
	change, err2 := parseInt(fields[4])
	rate, err3 := parseFloat(fields[5])
	open, err4 := parseInt(fields[7])
	high, err5 := parseInt(fields[8])
	low, err6 := parseInt(fields[9])
	volume, err7 := parseInt(fields[12])
	if firstErr(err1, err2, err3, err4, err5, err6, err7) != nil {
		return nil, ErrMalformedFrame
	}

	return &models.Quote{
		StockCode:    fields[0],
		TradeTime:    fields[1],
		Price:        price,
		ChangeAmount: change,
		ChangeRate:   rate,
		Open:         open,
		High:         high,
		Low:          low,
		Volume:       volume,
		ReceivedAt:   received,
		Sequence:     volume,
	}, nil
}

func (d *Decoder) decodeOrderbook(fields []string, received time.Time) (*models.Orderbook, error) {
	if len(fields) < orderbookMinFields {
		return nil, ErrMalformedFrame
	}

	bestBid, err1 := parseInt(fields[3])
	bestAsk, err2 := parseInt(fields[4])
	bestBidVol, err3 := parseInt(fields[13])
	bestAskVol, err4 := parseInt(fields[14])
	if firstErr(err1, err2, err3, err4) != nil {
		return nil, ErrMalformedFrame
	}

	ob := &models.Orderbook{
		StockCode:     fields[0],
		QuoteTime:     fields[1],
		BestBidPrice:  bestBid,
		BestAskPrice:  bestAsk,
		BestBidVolume: bestBidVol,
		BestAskVolume: bestAskVol,
		ReceivedAt:    received,
	}

	// Five levels per side when the record carries full depth. Prices
	// alternate bid/ask from index 3, volumes from index 13.
	if len(fields) >= orderbookFullFields {
		for level := 0; level < 5; level++ {
			bidPrice, e1 := parseInt(fields[3+level*2])
			askPrice, e2 := parseInt(fields[4+level*2])
			bidVol, e3 := parseInt(fields[13+level*2])
			askVol, e4 := parseInt(fields[14+level*2])
			if firstErr(e1, e2, e3, e4) != nil {
				return nil, ErrMalformedFrame
			}
			ob.Bids = append(ob.Bids, models.OrderbookLevel{Rank: level + 1, Price: bidPrice, Volume: bidVol})
			ob.Asks = append(ob.Asks, models.OrderbookLevel{Rank: level + 1, Price: askPrice, Volume: askVol})
		}
		totalBid, e1 := parseInt(fields[23])
		totalAsk, e2 := parseInt(fields[24])
		seq, e3 := parseInt(fields[25])
		if firstErr(e1, e2, e3) != nil {
			return nil, ErrMalformedFrame
		}
		ob.TotalBidVolume = totalBid
		ob.TotalAskVolume = totalAsk
		ob.Sequence = seq
	} else {
		ob.Bids = []models.OrderbookLevel{{Rank: 1, Price: bestBid, Volume: bestBidVol}}
		ob.Asks = []models.OrderbookLevel{{Rank: 1, Price: bestAsk, Volume: bestAskVol}}
		ob.TotalBidVolume = bestBidVol
		ob.TotalAskVolume = bestAskVol
		// Short records have no sequence field. The quote time still
		// orders updates within a trading day.
		seq, err := parseInt(fields[1])
		if err != nil {
			return nil, ErrMalformedFrame
		}
		ob.Sequence = seq
	}
	return ob, nil
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
