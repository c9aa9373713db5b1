package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsQuote     int64
	errorsOrderbook int64
	warnsQuote      int64
	warnsOrderbook  int64
	quoteReads      int64
	orderbookReads  int64
	broadcasts      int64
	notifications   int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "quote") {
		atomic.AddInt64(&warnsQuote, 1)
	} else if strings.Contains(component, "orderbook") {
		atomic.AddInt64(&warnsOrderbook, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "quote") {
		atomic.AddInt64(&errorsQuote, 1)
	} else if strings.Contains(component, "orderbook") {
		atomic.AddInt64(&errorsOrderbook, 1)
	}
}

// IncrementQuoteRead records one decoded quote frame of the given size.
func IncrementQuoteRead(size int) {
	atomic.AddInt64(&quoteReads, 1)
	recordChannel("quote_ws", size)
}

// IncrementOrderbookRead records one decoded orderbook frame of the given size.
func IncrementOrderbookRead(size int) {
	atomic.AddInt64(&orderbookReads, 1)
	recordChannel("orderbook_ws", size)
}

// IncrementBroadcast records one event fanned out to subscribers.
func IncrementBroadcast() {
	atomic.AddInt64(&broadcasts, 1)
}

// IncrementNotification records one notification event produced.
func IncrementNotification() {
	atomic.AddInt64(&notifications, 1)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	stat := v.(*channelStat)
	atomic.AddInt64(&stat.messages, 1)
	atomic.AddInt64(&stat.bytes, int64(size))
}

// StartReport periodically emits an aggregate activity report. Used when the
// log level is set to "report" so per-message logging stays quiet.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emitReport(log)
			}
		}
	}()
}

func emitReport(log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fields := Fields{
		"quote_reads":      atomic.LoadInt64(&quoteReads),
		"orderbook_reads":  atomic.LoadInt64(&orderbookReads),
		"broadcasts":       atomic.LoadInt64(&broadcasts),
		"notifications":    atomic.LoadInt64(&notifications),
		"errors_quote":     atomic.LoadInt64(&errorsQuote),
		"errors_orderbook": atomic.LoadInt64(&errorsOrderbook),
		"warns_quote":      atomic.LoadInt64(&warnsQuote),
		"warns_orderbook":  atomic.LoadInt64(&warnsOrderbook),
		"goroutines":       runtime.NumGoroutine(),
		"heap_mb":          float64(mem.HeapAlloc) / (1024 * 1024),
	}

	channels.Range(func(key, value interface{}) bool {
		stat := value.(*channelStat)
		name := key.(string)
		fields[name+"_messages"] = atomic.LoadInt64(&stat.messages)
		fields[name+"_bytes"] = atomic.LoadInt64(&stat.bytes)
		return true
	})

	log.WithComponent("report").WithFields(fields).Info("activity report")
}
