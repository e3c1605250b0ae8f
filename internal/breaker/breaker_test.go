package breaker

import (
	"testing"
	"time"
)

func TestClosedAllowsUntilThreshold(t *testing.T) {
	b := New(3, time.Minute, 10000)

	for i := 0; i < 2; i++ {
		if !b.Allow("m1") {
			t.Fatalf("expected allow before threshold, iteration %d", i)
		}
		b.RecordFailure("m1")
	}

	if b.State("m1") != Closed {
		t.Fatalf("expected still closed after 2 failures, got %s", b.State("m1"))
	}

	b.RecordFailure("m1")
	if b.State("m1") != Open {
		t.Fatalf("expected open after 3rd failure, got %s", b.State("m1"))
	}
	if b.Allow("m1") {
		t.Fatal("expected Allow to deny while open and before reset timeout")
	}
}

func TestHalfOpenProbeSucceedsCloses(t *testing.T) {
	b := New(1, 10*time.Millisecond, 10000)

	b.RecordFailure("m1")
	if b.State("m1") != Open {
		t.Fatalf("expected open, got %s", b.State("m1"))
	}

	time.Sleep(15 * time.Millisecond)

	if !b.Allow("m1") {
		t.Fatal("expected a single half-open probe to be allowed after reset timeout")
	}
	if b.State("m1") != HalfOpen {
		t.Fatalf("expected half_open, got %s", b.State("m1"))
	}

	// A second concurrent probe must be denied.
	if b.Allow("m1") {
		t.Fatal("expected concurrent probe to be denied while one is in flight")
	}

	b.RecordSuccess("m1")
	if b.State("m1") != Closed {
		t.Fatalf("expected closed after successful probe, got %s", b.State("m1"))
	}
}

func TestHalfOpenProbeFailsReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond, 10000)

	b.RecordFailure("m1")
	time.Sleep(15 * time.Millisecond)
	b.Allow("m1") // transitions to half-open

	b.RecordFailure("m1")
	if b.State("m1") != Open {
		t.Fatalf("expected reopen after failed probe, got %s", b.State("m1"))
	}
}

func TestFIFOEviction(t *testing.T) {
	// maxTracked=16 means 1 entry per shard; tripping one model open and
	// then tripping 1000 distinct others should evict it back to the
	// implicit Closed default, since each shard only keeps its single
	// most-recently-inserted key.
	b := New(1, time.Minute, 16)

	b.RecordFailure("evict-me")
	if b.State("evict-me") != Open {
		t.Fatalf("expected open immediately after first failure (threshold=1)")
	}

	for i := 0; i < 1000; i++ {
		b.RecordFailure(modelName(i))
	}

	if b.State("evict-me") != Closed {
		t.Fatalf("expected evicted entry to read back as Closed default, got %s", b.State("evict-me"))
	}
}

func modelName(i int) string {
	return "model-" + string(rune('a'+i%26)) + "-" + string(rune('0'+(i/26)%10)) + "-" + string(rune('A'+(i/260)%10))
}
