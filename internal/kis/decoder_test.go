package kis

import (
	"strconv"
	"strings"
	"testing"

	"stockflow/models"
)

func quoteRecord(code string) []string {
	return []string{
		code, "093015", "72500", "2", "500", "0.69", "72100.5",
		"72000", "72600", "71900", "1", "2", "1234567", "100", "200",
	}
}

func orderbookRecord(code string) []string {
	fields := make([]string, 26)
	for i := range fields {
		fields[i] = "0"
	}
	fields[0] = code
	fields[1] = "093015"
	// Bid prices at odd indexes from 3, ask prices at even indexes from 4
	bidPrices := []string{"72400", "72300", "72200", "72100", "72000"}
	askPrices := []string{"72500", "72600", "72700", "72800", "72900"}
	bidVols := []string{"100", "110", "120", "130", "140"}
	askVols := []string{"200", "210", "220", "230", "240"}
	for i := 0; i < 5; i++ {
		fields[3+i*2] = bidPrices[i]
		fields[4+i*2] = askPrices[i]
		fields[13+i*2] = bidVols[i]
		fields[14+i*2] = askVols[i]
	}
	fields[23] = "600"
	fields[24] = "1100"
	fields[25] = "42"
	return fields
}

func frame(trID string, count int, records ...[]string) string {
	var all []string
	for _, r := range records {
		all = append(all, r...)
	}
	return "0|" + trID + "|" + strconv.Itoa(count) + "|" + strings.Join(all, "^")
}

func TestDecodePingPong(t *testing.T) {
	d := NewDecoder()
	msgs, err := d.Decode([]byte("PINGPONG"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != KindPingPong {
		t.Fatalf("expected one PINGPONG message, got %+v", msgs)
	}
}

func TestDecodePingPongJSON(t *testing.T) {
	d := NewDecoder()
	msgs, err := d.Decode([]byte(`{"header":{"tr_id":"PINGPONG","datetime":"20240101093000"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != KindPingPong {
		t.Fatalf("expected PINGPONG, got %+v", msgs)
	}
}

func TestDecodeControlAck(t *testing.T) {
	d := NewDecoder()
	msgs, err := d.Decode([]byte(`{"header":{"tr_id":"H0STCNT0"},"body":{"msg_cd":"OPSP0000","msg1":"SUBSCRIBE SUCCESS"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != KindControl {
		t.Fatalf("expected control message, got %+v", msgs)
	}
}

func TestDecodeRateLimitedControl(t *testing.T) {
	d := NewDecoder()
	_, err := d.Decode([]byte(`{"header":{"tr_id":"H0STCNT0"},"body":{"msg_cd":"EGW00133","msg1":"MAX CONNECT"}}`))
	if err == nil {
		t.Fatal("expected error for rate limited control frame")
	}
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
}

func TestDecodeQuote(t *testing.T) {
	d := NewDecoder()
	msgs, err := d.Decode([]byte(frame(TrQuote, 1, quoteRecord("005930"))))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != KindQuote {
		t.Fatalf("expected one quote, got %+v", msgs)
	}

	q := msgs[0].Quote
	if q.StockCode != "005930" {
		t.Errorf("stock code = %s, want 005930", q.StockCode)
	}
	if q.TradeTime != "093015" {
		t.Errorf("trade time = %s, want 093015", q.TradeTime)
	}
	if q.Price != 72500 || q.ChangeAmount != 500 || q.Open != 72000 || q.High != 72600 || q.Low != 71900 {
		t.Errorf("unexpected prices: %+v", q)
	}
	if q.ChangeRate != 0.69 {
		t.Errorf("change rate = %f, want 0.69", q.ChangeRate)
	}
	if q.Volume != 1234567 {
		t.Errorf("volume = %d, want 1234567", q.Volume)
	}
	if q.Sequence != 1234567 {
		t.Errorf("sequence = %d, want cumulative volume 1234567", q.Sequence)
	}
}

func TestDecodeQuoteBatch(t *testing.T) {
	first := quoteRecord("005930")
	second := quoteRecord("005930")
	second[12] = "1234575"

	d := NewDecoder()
	msgs, err := d.Decode([]byte(frame(TrQuote, 2, first, second)))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(msgs))
	}
	if msgs[0].Quote.Sequence != 1234567 || msgs[1].Quote.Sequence != 1234575 {
		t.Errorf("sequences = %d, %d, want 1234567, 1234575", msgs[0].Quote.Sequence, msgs[1].Quote.Sequence)
	}
}

func TestDecodeQuoteSequenceDeterministic(t *testing.T) {
	raw := []byte(frame(TrQuote, 1, quoteRecord("005930")))

	d := NewDecoder()
	first, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	second, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if first[0].Quote.Sequence != second[0].Quote.Sequence {
		t.Errorf("replayed frame got sequence %d, want %d", second[0].Quote.Sequence, first[0].Quote.Sequence)
	}

	// A restarted collector must stamp the same bytes identically.
	fresh, err := NewDecoder().Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if fresh[0].Quote.Sequence != first[0].Quote.Sequence {
		t.Errorf("fresh decoder got sequence %d, want %d", fresh[0].Quote.Sequence, first[0].Quote.Sequence)
	}
}

func TestDecodeOrderbook(t *testing.T) {
	d := NewDecoder()
	msgs, err := d.Decode([]byte(frame(TrOrderbook, 1, orderbookRecord("005930"))))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != KindOrderbook {
		t.Fatalf("expected one orderbook, got %+v", msgs)
	}

	ob := msgs[0].Orderbook
	if ob.BestBidPrice != 72400 || ob.BestAskPrice != 72500 {
		t.Errorf("best prices = %d/%d, want 72400/72500", ob.BestBidPrice, ob.BestAskPrice)
	}
	if ob.BestBidVolume != 100 || ob.BestAskVolume != 200 {
		t.Errorf("best volumes = %d/%d, want 100/200", ob.BestBidVolume, ob.BestAskVolume)
	}
	if len(ob.Bids) != 5 || len(ob.Asks) != 5 {
		t.Fatalf("levels = %d/%d, want 5/5", len(ob.Bids), len(ob.Asks))
	}
	if ob.Bids[4].Price != 72000 || ob.Asks[4].Price != 72900 {
		t.Errorf("deepest levels = %d/%d, want 72000/72900", ob.Bids[4].Price, ob.Asks[4].Price)
	}
	if ob.TotalBidVolume != 600 || ob.TotalAskVolume != 1100 {
		t.Errorf("totals = %d/%d, want 600/1100", ob.TotalBidVolume, ob.TotalAskVolume)
	}
	if ob.Sequence != 42 {
		t.Errorf("sequence = %d, want 42 from the record", ob.Sequence)
	}
	for i, side := range [][]models.OrderbookLevel{ob.Bids, ob.Asks} {
		for j, lvl := range side {
			if lvl.Rank != j+1 {
				t.Errorf("side %d level %d rank = %d, want %d", i, j, lvl.Rank, j+1)
			}
		}
	}
}

func TestDecodeOrderbookSequenceDeterministic(t *testing.T) {
	raw := []byte(frame(TrOrderbook, 1, orderbookRecord("005930")))

	d := NewDecoder()
	first, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	fresh, err := NewDecoder().Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if fresh[0].Orderbook.Sequence != first[0].Orderbook.Sequence {
		t.Errorf("fresh decoder got sequence %d, want %d", fresh[0].Orderbook.Sequence, first[0].Orderbook.Sequence)
	}
}

func TestDecodeOrderbookShortRecord(t *testing.T) {
	d := NewDecoder()
	// 20 fields carries only the best levels
	fields := orderbookRecord("005930")[:20]
	msgs, err := d.Decode([]byte(frame(TrOrderbook, 1, fields)))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	ob := msgs[0].Orderbook
	if len(ob.Bids) != 1 || len(ob.Asks) != 1 {
		t.Errorf("levels = %d/%d, want 1/1", len(ob.Bids), len(ob.Asks))
	}
	if ob.TotalBidVolume != ob.BestBidVolume {
		t.Errorf("total bid volume should fall back to best level")
	}
	if ob.Bids[0].Rank != 1 || ob.Asks[0].Rank != 1 {
		t.Errorf("best level ranks = %d/%d, want 1/1", ob.Bids[0].Rank, ob.Asks[0].Rank)
	}
	if ob.Sequence != 93015 {
		t.Errorf("sequence = %d, want quote time fallback 93015", ob.Sequence)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"missing sections", "0|H0STCNT0|001"},
		{"bad count", "0|H0STCNT0|zero|a^b"},
		{"unknown tr id", "0|H0STXXX0|001|" + strings.Join(quoteRecord("005930"), "^")},
		{"too few fields", "0|H0STCNT0|001|005930^093015^72500"},
		{"non numeric price", "0|H0STCNT0|001|" + strings.Join(append(append([]string{}, quoteRecord("005930")[:2]...), "abc", "2", "500", "0.69", "x", "72000", "72600", "71900", "1", "2", "1234567", "100", "200"), "^")},
		{"bad json", "{not json"},
	}

	d := NewDecoder()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := d.Decode([]byte(tc.input)); err == nil {
				t.Error("expected decode error, got nil")
			}
		})
	}
}
