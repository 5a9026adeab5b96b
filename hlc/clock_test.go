package hlc

import (
	"sync"
	"testing"
	"time"
)

func TestClock_Now(t *testing.T) {
	clock := NewClock(1)

	ts1 := clock.Now()
	if ts1.InstanceID != 1 {
		t.Errorf("Expected instance ID 1, got %d", ts1.InstanceID)
	}
	if ts1.WallTime == 0 {
		t.Error("Wall time should not be zero")
	}

	ts2 := clock.Now()
	if !before(ts1, ts2) {
		t.Errorf("Second timestamp %v should be after %v", ts2, ts1)
	}
}

func TestClock_MonotonicIncrement(t *testing.T) {
	clock := NewClock(1)

	timestamps := make([]Timestamp, 100)
	for i := 0; i < 100; i++ {
		timestamps[i] = clock.Now()
	}

	for i := 1; i < len(timestamps); i++ {
		if !before(timestamps[i-1], timestamps[i]) {
			t.Errorf("Timestamp %d not after %d", i, i-1)
		}
	}
}

func TestClock_WallClockStepsBackwards(t *testing.T) {
	wall := int64(5_000_000_000)
	clock := newClockWithSource(3, func() int64 { return wall })

	ts1 := clock.Now()
	wall -= 1_000_000_000 // NTP step back by one second
	ts2 := clock.Now()

	if !before(ts1, ts2) {
		t.Fatalf("clock went backwards: %v then %v", ts1, ts2)
	}
	if ts2.WallTime != ts1.WallTime {
		t.Errorf("wall time should hold at %d, got %d", ts1.WallTime, ts2.WallTime)
	}
}

func TestTimestamp_PhysicalTime(t *testing.T) {
	now := time.Now()
	ts := Timestamp{WallTime: now.UnixNano(), InstanceID: 1}

	diff := ts.PhysicalTime().Sub(now).Abs()
	if diff > time.Millisecond {
		t.Errorf("Physical time extraction inaccurate: diff = %v", diff)
	}
	if ts.IsZero() {
		t.Error("timestamp with wall time should not be zero")
	}
	if !(Timestamp{}).IsZero() {
		t.Error("empty timestamp should be zero")
	}
}

func TestTimestamp_ToTxnIDOrdering(t *testing.T) {
	clock := NewClock(7)
	prev := clock.Now().ToTxnID()
	for i := 0; i < 1000; i++ {
		next := clock.Now().ToTxnID()
		if next <= prev {
			t.Fatalf("ids not increasing: %d then %d", prev, next)
		}
		prev = next
	}
}

func TestClock_ConcurrentAccess(t *testing.T) {
	clock := NewClock(1)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				clock.Now()
			}
		}()
	}

	wg.Wait()
}

func BenchmarkClock_Now(b *testing.B) {
	clock := NewClock(1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		clock.Now()
	}
}

func before(a, b Timestamp) bool {
	if a.WallTime != b.WallTime {
		return a.WallTime < b.WallTime
	}
	return a.Logical < b.Logical
}
