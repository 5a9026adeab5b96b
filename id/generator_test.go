package id

import (
	"sync"
	"testing"

	"github.com/maxpert/trxbook/hlc"
)

func TestHLCGenerator_NextID_Monotonic(t *testing.T) {
	gen := NewHLCGenerator(hlc.NewClock(1))

	var prev uint64
	for i := 0; i < 1000; i++ {
		id := gen.NextID()
		if id <= prev {
			t.Fatalf("non-monotonic ID at iteration %d: prev=%d, curr=%d", i, prev, id)
		}
		prev = id
	}
}

func TestHLCGenerator_InstanceBits(t *testing.T) {
	id1 := NewHLCGenerator(hlc.NewClock(1)).NextID()
	id2 := NewHLCGenerator(hlc.NewClock(2)).NextID()

	if got := (id1 >> hlc.LogicalBits) & hlc.InstanceIDMask; got != 1 {
		t.Errorf("expected instance ID 1 in id1, got %d", got)
	}
	if got := (id2 >> hlc.LogicalBits) & hlc.InstanceIDMask; got != 2 {
		t.Errorf("expected instance ID 2 in id2, got %d", got)
	}
}

func TestSequence_Dense(t *testing.T) {
	seq := NewSequence(10)
	if got := seq.NextID(); got != 11 {
		t.Fatalf("first id = %d, want 11", got)
	}
	if got := seq.NextID(); got != 12 {
		t.Fatalf("second id = %d, want 12", got)
	}
}

func TestGenerators_Concurrent(t *testing.T) {
	generators := map[string]Generator{
		"hlc":      NewHLCGenerator(hlc.NewClock(1)),
		"sequence": NewSequence(0),
	}

	for name, gen := range generators {
		gen := gen
		t.Run(name, func(t *testing.T) {
			const goroutines = 10
			const idsPerGoroutine = 1000

			var wg sync.WaitGroup
			idsChan := make(chan uint64, goroutines*idsPerGoroutine)

			for g := 0; g < goroutines; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < idsPerGoroutine; i++ {
						idsChan <- gen.NextID()
					}
				}()
			}

			wg.Wait()
			close(idsChan)

			seen := make(map[uint64]bool)
			for id := range idsChan {
				if seen[id] {
					t.Fatalf("duplicate ID in concurrent test: %d", id)
				}
				seen[id] = true
			}
		})
	}
}

func BenchmarkHLCGenerator_NextID(b *testing.B) {
	gen := NewHLCGenerator(hlc.NewClock(1))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		gen.NextID()
	}
}
