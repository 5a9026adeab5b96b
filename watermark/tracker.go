// Package watermark computes the oldest transaction still visible to any session.
//
// Sessions with an open outermost transaction are spread over a fixed set of
// shards, each guarded by its own reader/writer lock. Beginning or ending an
// outermost transaction touches a single shard's writer lock. A watermark query
// read-locks every shard in ascending index order, takes the minimum of the
// per-shard oldest begin ids and publishes it to a lock-free cache.
package watermark

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/trxbook/common"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/btree"
)

// ErrWatermarkAhead is the panic value raised when the computed watermark is
// further ahead of the newest transaction id than half the id space.
var ErrWatermarkAhead = errors.New("watermark ahead of newest transaction id")

// Member is a session holding an outermost transaction open.
type Member struct {
	Begin  common.TrxID
	ProcID common.ProcID
	Since  time.Time // not part of the ordering
}

func memberLess(a, b Member) bool {
	if c := common.TrxCmp(a.Begin, b.Begin); c != 0 {
		return c < 0
	}
	return a.ProcID < b.ProcID
}

type shard struct {
	mu      sync.RWMutex
	members *btree.BTreeG[Member]
	oldest  Member // members.Min(), Begin is TrxNone when empty
}

// Tracker is the sharded oldest-transaction tracker.
type Tracker struct {
	shards []*shard
	newest func() common.TrxID
	now    func() time.Time

	// cache is replaced as a whole so readers never pair a watermark with
	// another computation's timestamps
	cache        atomic.Pointer[snapshot]
	computations atomic.Uint64
}

// snapshot is one published watermark computation.
type snapshot struct {
	oldest common.TrxID
	at     time.Time
	since  time.Time // begin time of the oldest member, at when none
}

// New creates a tracker with the given number of shards. shards <= 0 uses one
// shard per logical processor. newest reports the newest transaction id handed
// out by the instance and feeds the sanity bound.
func New(shards int, newest func() common.TrxID) *Tracker {
	if shards <= 0 {
		shards = runtime.NumCPU()
	}
	if newest == nil {
		newest = func() common.TrxID { return 0 }
	}

	t := &Tracker{
		shards: make([]*shard, shards),
		newest: newest,
		now:    time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &shard{
			members: btree.NewBTreeGOptions(memberLess, btree.Options{NoLocks: true}),
			oldest:  Member{Begin: common.TrxNone},
		}
	}
	t.cache.Store(&snapshot{oldest: common.TrxNone})
	return t
}

// Shards returns the number of shards.
func (t *Tracker) Shards() int {
	return len(t.shards)
}

// ShardFor picks the shard a session is pinned to for its lifetime.
func (t *Tracker) ShardFor(procID common.ProcID) int {
	var buf [4]byte
	buf[0] = byte(procID)
	buf[1] = byte(procID >> 8)
	buf[2] = byte(procID >> 16)
	buf[3] = byte(procID >> 24)
	return int(xxhash.Sum64(buf[:]) % uint64(len(t.shards)))
}

// Enter adds a session whose outermost transaction began at m.Begin.
func (t *Tracker) Enter(idx int, m Member) {
	s := t.shards[idx]
	s.mu.Lock()
	s.members.Set(m)
	if memberLess(m, s.oldest) {
		s.oldest = m
	}
	s.mu.Unlock()
}

// Leave removes a session from its shard. Removing an absent member is a no-op.
func (t *Tracker) Leave(idx int, m Member) {
	s := t.shards[idx]
	s.mu.Lock()
	if _, ok := s.members.Delete(m); ok && m.Begin == s.oldest.Begin && m.ProcID == s.oldest.ProcID {
		if first, ok := s.members.Min(); ok {
			s.oldest = first
		} else {
			s.oldest = Member{Begin: common.TrxNone}
		}
	}
	s.mu.Unlock()
}

// Oldest computes the watermark: the smallest begin id over all shards, or
// TrxNone when no session has a transaction open. The result is published to
// the cache before the shard locks are released.
func (t *Tracker) Oldest() common.TrxID {
	for _, s := range t.shards {
		s.mu.RLock()
	}

	oldest := common.TrxNone
	var since time.Time
	for _, s := range t.shards {
		if common.TrxCmp(s.oldest.Begin, oldest) < 0 {
			oldest = s.oldest.Begin
			since = s.oldest.Since
		}
	}

	if oldest.IsReal() {
		newest := t.newest()
		if bound := common.TrxUpperBound(newest); oldest > bound {
			for i := len(t.shards) - 1; i >= 0; i-- {
				t.shards[i].mu.RUnlock()
			}
			log.Error().
				Uint64("oldest", uint64(oldest)).
				Uint64("newest", uint64(newest)).
				Msg("Watermark violates id-space bound")
			panic(fmt.Errorf("%w: oldest=%d newest=%d", ErrWatermarkAhead, oldest, newest))
		}
	}

	now := t.now()
	if since.IsZero() {
		since = now
	}
	t.cache.Store(&snapshot{oldest: oldest, at: now, since: since})
	t.computations.Add(1)

	for i := len(t.shards) - 1; i >= 0; i-- {
		t.shards[i].mu.RUnlock()
	}
	return oldest
}

// Cached returns the last computed watermark and when it was computed without
// taking any lock. The value is a lower bound: it may be stale but never ahead
// of the true watermark. The time is zero before the first computation.
func (t *Tracker) Cached() (common.TrxID, time.Time) {
	c := t.cache.Load()
	return c.oldest, c.at
}

// Staleness is the time elapsed since the cached watermark was computed.
func (t *Tracker) Staleness() time.Duration {
	c := t.cache.Load()
	if c.at.IsZero() {
		return 0
	}
	return t.now().Sub(c.at)
}

// OldestAge is how long the oldest transaction seen by the last computation
// had been open at that time. Zero when no transaction was open.
func (t *Tracker) OldestAge() time.Duration {
	c := t.cache.Load()
	if c.at.IsZero() {
		return 0
	}
	return c.at.Sub(c.since)
}

// Computations returns how many watermark queries have completed.
func (t *Tracker) Computations() uint64 {
	return t.computations.Load()
}

// Active returns the number of sessions currently holding a transaction open.
func (t *Tracker) Active() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += s.members.Len()
		s.mu.RUnlock()
	}
	return n
}
