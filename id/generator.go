package id

import (
	"sync/atomic"

	"github.com/maxpert/trxbook/hlc"
)

// Generator provides transaction ids. Ids are unique for the life of the
// generator and strictly increasing, so the newest id handed out is also the
// largest.
type Generator interface {
	NextID() uint64
}

// HLCGenerator generates time-ordered ids using the Hybrid Logical Clock.
// Thread-safe via HLC's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates a new ID generator backed by the given HLC.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextID generates a unique 64-bit ID.
// See hlc.Timestamp.ToTxnID for bit allocation details.
func (g *HLCGenerator) NextID() uint64 {
	return g.clock.Now().ToTxnID()
}

// Sequence hands out dense ids starting after a given value. Used when ids
// must stay small and contiguous, e.g. when replaying a log.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence creates a sequence whose first id is start+1.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(start)
	return s
}

// NextID returns the next id in the sequence.
func (s *Sequence) NextID() uint64 {
	return s.last.Add(1)
}
