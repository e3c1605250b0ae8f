// Package ingest holds the gateway's async bounded-channel workers (spec.md
// §4.5): Logger batches RequestLog rows before persisting; QuotaCharger
// applies usage deltas with an atomic conditional UPDATE. Both exist so the
// request-serving path never blocks on a database write.
package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
)

// LogStore is the persistence surface Logger drains batches into.
type LogStore interface {
	InsertRequestLogs(ctx context.Context, logs []domain.RequestLog) error
}

// Logger buffers RequestLog rows on a bounded channel and flushes them in
// batches, either when a batch fills or on a fixed interval — whichever
// comes first. Enqueue never blocks the caller past the channel's
// capacity; once full, new entries are dropped and counted so total drop
// volume is observable instead of silently lost.
type Logger struct {
	store   LogStore
	ch      chan domain.RequestLog
	batch   int
	flush   time.Duration
	dropped atomic.Int64
	done    chan struct{}
}

// NewLogger builds a Logger with the given channel capacity, batch size,
// and flush interval (spec.md §4.5: capacity 10,000, batch 500, flush
// 100ms as this repo's defaults — see internal/config.Ingest).
func NewLogger(store LogStore, capacity, batchSize int, flushInterval time.Duration) *Logger {
	return &Logger{
		store: store,
		ch:    make(chan domain.RequestLog, capacity),
		batch: batchSize,
		flush: flushInterval,
		done:  make(chan struct{}),
	}
}

// Enqueue submits a log entry without blocking. Returns false (and
// increments the drop counter) if the channel is at capacity.
func (l *Logger) Enqueue(entry domain.RequestLog) bool {
	select {
	case l.ch <- entry:
		return true
	default:
		l.dropped.Add(1)
		slog.Warn("request log channel full, dropping entry", "correlation_id", entry.CorrelationID)
		return false
	}
}

// Dropped returns the total number of entries dropped due to a full
// channel since startup.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Run drains the channel until ctx is cancelled, flushing on batch-size or
// flush-interval boundaries, then drains whatever remains before
// returning (bounded by the caller's shutdown drain timeout).
func (l *Logger) Run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.flush)
	defer ticker.Stop()

	buf := make([]domain.RequestLog, 0, l.batch)
	flushBuf := func() {
		if len(buf) == 0 {
			return
		}
		if err := l.store.InsertRequestLogs(context.Background(), buf); err != nil {
			slog.Error("flush request logs failed", "error", err, "count", len(buf))
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			l.drainRemaining(&buf)
			flushBuf()
			return
		case entry := <-l.ch:
			buf = append(buf, entry)
			if len(buf) >= l.batch {
				flushBuf()
			}
		case <-ticker.C:
			flushBuf()
		}
	}
}

// drainRemaining pulls any already-enqueued entries off the channel
// without blocking, used during shutdown.
func (l *Logger) drainRemaining(buf *[]domain.RequestLog) {
	for {
		select {
		case entry := <-l.ch:
			*buf = append(*buf, entry)
		default:
			return
		}
	}
}

// Done returns a channel closed once Run has returned.
func (l *Logger) Done() <-chan struct{} { return l.done }
