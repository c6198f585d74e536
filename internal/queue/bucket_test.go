package queue

import (
	"testing"
	"time"
)

func TestTokenBucket_DrainsToEmpty(t *testing.T) {
	tb := newTokenBucket(3, 0.001) // effectively no refill during the test

	for i := 0; i < 3; i++ {
		ok, _ := tb.tryTake()
		if !ok {
			t.Fatalf("expected take %d to succeed", i)
		}
	}
	ok, wait := tb.tryTake()
	if ok {
		t.Fatal("expected empty bucket to refuse")
	}
	if wait <= 0 {
		t.Fatal("expected a positive wait hint")
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	tb := newTokenBucket(1, 50) // 50 tokens/sec

	if ok, _ := tb.tryTake(); !ok {
		t.Fatal("expected initial take to succeed")
	}
	if ok, _ := tb.tryTake(); ok {
		t.Fatal("expected bucket to be empty")
	}

	time.Sleep(50 * time.Millisecond) // ~2.5 tokens refilled, capped at 1
	if ok, _ := tb.tryTake(); !ok {
		t.Fatal("expected refill to allow another take")
	}
}

func TestTokenBucket_CapsAtCapacity(t *testing.T) {
	tb := newTokenBucket(2, 0.001)
	// A long idle period must not accumulate beyond capacity.
	time.Sleep(20 * time.Millisecond)

	taken := 0
	for {
		ok, _ := tb.tryTake()
		if !ok {
			break
		}
		taken++
		if taken > 2 {
			break
		}
	}
	if taken > 2 {
		t.Errorf("expected at most capacity tokens immediately, took %d", taken)
	}
}

func TestTokenBucket_Remaining(t *testing.T) {
	tb := newTokenBucket(5, 0.001)
	if r := tb.remaining(); r < 4.9 || r > 5.0 {
		t.Errorf("expected ~5 tokens, got %g", r)
	}
	tb.tryTake()
	if r := tb.remaining(); r < 3.9 || r > 4.1 {
		t.Errorf("expected ~4 tokens after take, got %g", r)
	}
}
