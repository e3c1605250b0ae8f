package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
)

type fakeLogStore struct {
	mu    sync.Mutex
	rows  []domain.RequestLog
	calls int
}

func (f *fakeLogStore) InsertRequestLogs(_ context.Context, logs []domain.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, logs...)
	f.calls++
	return nil
}

func TestLoggerFlushesOnBatchSize(t *testing.T) {
	store := &fakeLogStore{}
	l := NewLogger(store, 100, 3, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)

	for i := 0; i < 3; i++ {
		l.Enqueue(domain.RequestLog{CorrelationID: "c"})
	}

	deadline := time.After(time.Second)
	for {
		store.mu.Lock()
		n := len(store.rows)
		store.mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for batch flush, got %d rows", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-l.Done()
}

func TestLoggerFlushesOnInterval(t *testing.T) {
	store := &fakeLogStore{}
	l := NewLogger(store, 100, 500, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)

	l.Enqueue(domain.RequestLog{CorrelationID: "only-one"})

	time.Sleep(100 * time.Millisecond)

	store.mu.Lock()
	n := len(store.rows)
	store.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 row flushed by interval, got %d", n)
	}

	cancel()
	<-l.Done()
}

func TestLoggerDropsWhenFull(t *testing.T) {
	store := &fakeLogStore{}
	l := NewLogger(store, 1, 500, time.Hour)

	l.Enqueue(domain.RequestLog{CorrelationID: "first"})
	ok := l.Enqueue(domain.RequestLog{CorrelationID: "second"})
	if ok {
		t.Fatal("expected second enqueue to be dropped")
	}
	if l.Dropped() != 1 {
		t.Fatalf("expected dropped count 1, got %d", l.Dropped())
	}
}

type fakeQuotaStore struct {
	mu      sync.Mutex
	charges map[string]float64
}

func (f *fakeQuotaStore) ChargeUsage(_ context.Context, userID string, costUSD float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.charges == nil {
		f.charges = map[string]float64{}
	}
	f.charges[userID] += costUSD
	return nil
}

func TestQuotaChargerAppliesCharges(t *testing.T) {
	store := &fakeQuotaStore{}
	q := NewQuotaCharger(store, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	q.Enqueue("user1", 0.05)
	q.Enqueue("user1", 0.02)

	deadline := time.After(time.Second)
	for {
		store.mu.Lock()
		total := store.charges["user1"]
		store.mu.Unlock()
		if total >= 0.07 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for charges, got %v", total)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-q.Done()
}

func TestQuotaChargerRunsMultipleWorkers(t *testing.T) {
	store := &fakeQuotaStore{}
	q := NewQuotaChargerWithWorkers(store, 50, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	for i := 0; i < 30; i++ {
		q.Enqueue("user1", 0.01)
	}

	deadline := time.After(time.Second)
	for {
		store.mu.Lock()
		total := store.charges["user1"]
		store.mu.Unlock()
		if total >= 0.30 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for charges across workers, got %v", total)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-q.Done()
}

func TestQuotaChargerDropsWhenFull(t *testing.T) {
	q := NewQuotaChargerWithWorkers(&fakeQuotaStore{}, 1, 1)

	// Fill the channel's single slot without a worker draining it.
	q.Enqueue("user1", 0.01)
	ok := q.Enqueue("user1", 0.02)
	if ok {
		t.Fatal("expected second enqueue to be dropped")
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected dropped count 1, got %d", q.Dropped())
	}
}
