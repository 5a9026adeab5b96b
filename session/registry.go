// Package session keeps per-session transaction bookkeeping for an MVCC engine
// instance: transaction nesting, version-store entry registration, cursor and
// macro tracking, cache-priority resolution and the registry of live sessions.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/trxbook/common"
	"github.com/maxpert/trxbook/hlc"
	"github.com/maxpert/trxbook/id"
	"github.com/maxpert/trxbook/watermark"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/btree"
)

const (
	DefaultMaxSessions     = 1024
	DefaultMaxNestingDepth = 10
	DefaultMaxDatabases    = 7

	// DefaultInstanceCachePriority applies when no instance default is supplied.
	DefaultInstanceCachePriority common.CachePriority = 100

	// sharingViolationDumpSize bounds the transaction stack text attached to a
	// sharing violation report.
	sharingViolationDumpSize = 512
)

// Options sizes a registry.
type Options struct {
	MaxSessions     int
	MaxNestingDepth int
	MaxDatabases    int
	// Shards is the watermark shard count, <= 0 for one per logical processor.
	Shards int
}

// DefaultOptions returns the default registry sizing.
func DefaultOptions() Options {
	return Options{
		MaxSessions:     DefaultMaxSessions,
		MaxNestingDepth: DefaultMaxNestingDepth,
		MaxDatabases:    DefaultMaxDatabases,
	}
}

// Dependencies are the collaborators a registry consumes. Nil members get
// no-op or built-in defaults.
type Dependencies struct {
	Quota     Quota
	Databases DatabaseMetadata
	Instance  InstancePriority
	Macros    MacroLogger
	Cursors   CursorCloser
	Clock     Clock
	IDs       id.Generator
	Counters  Counters
}

// Handle refers to a live session. Handles of ended sessions are rejected
// with ErrInvalidHandle, even when the slot has been reused.
type Handle struct {
	slot uint32
	gen  uint32
}

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.slot, h.gen)
}

// EndOutcome tells what EndSession did with a session.
type EndOutcome int

const (
	// OutcomeNone means the session was left untouched.
	OutcomeNone EndOutcome = iota
	// OutcomeFreed means the session was unlinked and its slot released.
	OutcomeFreed
	// OutcomeLeaked means the session still had resources attached and was
	// kept alive on purpose. Its handle stays valid.
	OutcomeLeaked
)

func (o EndOutcome) String() string {
	switch o {
	case OutcomeFreed:
		return "freed"
	case OutcomeLeaked:
		return "leaked"
	default:
		return "none"
	}
}

type slotEntry struct {
	gen  uint32
	sess *Session
}

// Registry is the set of live sessions of one instance, ordered by procid.
type Registry struct {
	opts    Options
	deps    Dependencies
	tracker *watermark.Tracker

	newest       atomic.Uint64
	leaked       atomic.Int64
	resolveEpoch atomic.Uint64

	// mu guards slot and procid bookkeeping only. It is never held while
	// taking a session lock.
	mu     sync.RWMutex
	slots  []slotEntry
	free   []uint32
	byProc btree.Map[common.ProcID, uint32]
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, deps Dependencies) (*Registry, error) {
	if opts.MaxSessions <= 0 {
		return nil, fmt.Errorf("%w: max sessions %d", ErrInvalidParameter, opts.MaxSessions)
	}
	if opts.MaxNestingDepth <= 0 {
		return nil, fmt.Errorf("%w: max nesting depth %d", ErrInvalidParameter, opts.MaxNestingDepth)
	}
	if opts.MaxDatabases <= 0 || opts.MaxDatabases > 256 {
		return nil, fmt.Errorf("%w: max databases %d", ErrInvalidParameter, opts.MaxDatabases)
	}

	if deps.Quota == nil {
		deps.Quota = NewSlotQuota(opts.MaxSessions)
	}
	if deps.Databases == nil {
		deps.Databases = noDatabases{}
	}
	if deps.Instance == nil {
		deps.Instance = StaticInstancePriority(DefaultInstanceCachePriority)
	}
	if deps.Macros == nil {
		deps.Macros = nopMacroLogger{}
	}
	if deps.Cursors == nil {
		deps.Cursors = nopCursorCloser{}
	}
	if deps.Clock == nil {
		clock := hlc.NewClock(0)
		deps.Clock = clock
		if deps.IDs == nil {
			deps.IDs = id.NewHLCGenerator(clock)
		}
	}
	if deps.IDs == nil {
		deps.IDs = id.NewSequence(0)
	}
	if deps.Counters == nil {
		deps.Counters = NopCounters{}
	}
	if p := deps.Instance.InstanceCachePriority(); !p.IsValid() {
		return nil, fmt.Errorf("%w: instance cache priority %d", ErrInvalidParameter, p)
	}

	r := &Registry{opts: opts, deps: deps}
	r.tracker = watermark.New(opts.Shards, r.Newest)

	deps.Counters.SessionsQuota(deps.Quota.Max())
	deps.Counters.SessionsInUse(0)
	return r, nil
}

// CreateSession creates a session. With ProcIDNil the session gets the lowest
// procid not in use; otherwise it gets target, which must be free.
func (r *Registry) CreateSession(target common.ProcID) (Handle, error) {
	if !r.deps.Quota.Acquire() {
		return Handle{}, fmt.Errorf("%w: %d sessions in use", ErrResourceExhausted, r.deps.Quota.Max())
	}

	s := newSession(r)
	epoch := r.resolveEpoch.Load()
	s.resolveAll()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.deps.Quota.Release()
		return Handle{}, ErrRegistryClosed
	}
	pid := target
	if pid == common.ProcIDNil {
		pid = r.firstFreeProcIDLocked()
	} else if _, exists := r.byProc.Get(pid); exists {
		r.mu.Unlock()
		r.deps.Quota.Release()
		return Handle{}, fmt.Errorf("%w: proc id %d", ErrDuplicateKey, pid)
	}
	s.procID = pid
	s.shard = r.tracker.ShardFor(pid)
	h := r.linkLocked(s)
	r.mu.Unlock()

	// A database changed while priorities were resolved outside the lock
	if r.resolveEpoch.Load() != epoch {
		s.resolveAll()
	}

	r.deps.Counters.SessionsInUse(r.deps.Quota.InUse())
	log.Debug().
		Uint32("proc_id", uint32(pid)).
		Int("shard", s.shard).
		Bool("targeted", target != common.ProcIDNil).
		Msg("Session created")
	return h, nil
}

func (r *Registry) firstFreeProcIDLocked() common.ProcID {
	next := common.ProcID(1)
	r.byProc.Scan(func(pid common.ProcID, _ uint32) bool {
		if pid != next {
			return false
		}
		next++
		return true
	})
	return next
}

func (r *Registry) linkLocked(s *Session) Handle {
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slotEntry{gen: 1})
		idx = uint32(len(r.slots) - 1)
	}
	r.slots[idx].sess = s
	r.byProc.Set(s.procID, idx)
	return Handle{slot: idx, gen: r.slots[idx].gen}
}

func (r *Registry) unlinkLocked(idx uint32) {
	e := &r.slots[idx]
	r.byProc.Delete(e.sess.procID)
	e.sess = nil
	e.gen++
	r.free = append(r.free, idx)
}

func (r *Registry) validLocked(h Handle) bool {
	return int(h.slot) < len(r.slots) && r.slots[h.slot].sess != nil && r.slots[h.slot].gen == h.gen
}

// Session resolves a handle.
func (r *Registry) Session(h Handle) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.validLocked(h) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	return r.slots[h.slot].sess, nil
}

// EndSession frees a session. A session with user cursors still open, or with
// version entries still registered, is not freed: it is reported as leaked
// and OutcomeLeaked is returned with a *LeakedSessionError.
func (r *Registry) EndSession(h Handle) (EndOutcome, error) {
	s, err := r.Session(h)
	if err != nil {
		return OutcomeNone, err
	}

	s.mu.Lock()
	if leak := s.leakLocked(); leak != nil {
		s.mu.Unlock()
		r.reportLeak(leak)
		return OutcomeLeaked, leak
	}
	for _, c := range s.openCursorsLocked() {
		if err := r.deps.Cursors.CloseSortCursor(s.procID, c.ID); err != nil {
			s.mu.Unlock()
			leak := &LeakedSessionError{ProcID: s.procID, OpenCursors: len(s.cursors), Reason: fmt.Sprintf("closing sort cursor %d: %v", c.ID, err)}
			r.reportLeak(leak)
			return OutcomeLeaked, leak
		}
		delete(s.cursors, c.ID)
	}
	if err := s.abortAllMacrosLocked(true); err != nil {
		s.mu.Unlock()
		return OutcomeNone, err
	}
	if s.level > 0 {
		log.Warn().
			Uint32("proc_id", uint32(s.procID)).
			Int("level", s.level).
			Msg("Ending session with transaction levels open")
		s.abandonTransaction()
	}
	s.mu.Unlock()

	r.mu.Lock()
	if !r.validLocked(h) {
		r.mu.Unlock()
		return OutcomeNone, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	r.unlinkLocked(h.slot)
	r.mu.Unlock()

	r.deps.Quota.Release()
	r.deps.Counters.SessionsInUse(r.deps.Quota.InUse())
	log.Debug().Uint32("proc_id", uint32(s.procID)).Msg("Session ended")
	return OutcomeFreed, nil
}

func (s *Session) leakLocked() *LeakedSessionError {
	user := 0
	for _, kind := range s.cursors {
		if !kind.Internal() {
			user++
		}
	}
	if user > 0 {
		return &LeakedSessionError{ProcID: s.procID, OpenCursors: user}
	}
	if err := s.deferred.AssertEmpty(); err != nil {
		return &LeakedSessionError{ProcID: s.procID, Reason: "deferred index: " + err.Error()}
	}
	if err := s.registered.AssertEmpty(); err != nil {
		return &LeakedSessionError{ProcID: s.procID, Reason: "registered index: " + err.Error()}
	}
	return nil
}

func (r *Registry) reportLeak(leak *LeakedSessionError) {
	r.leaked.Add(1)
	r.deps.Counters.SessionLeaked(leak.ProcID)
	log.Warn().
		Uint32("proc_id", uint32(leak.ProcID)).
		Int("open_cursors", leak.OpenCursors).
		Str("reason", leak.Reason).
		Msg("Session leaked, not freeing")
}

// Teardown drains the registry at instance shutdown. Sort cursors still open
// are closed; a session holding any other cursor is reported and skipped, and
// the returned error wraps ErrLogicError. Sessions cannot be created afterwards.
func (r *Registry) Teardown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	var drained []*Session
	r.byProc.Scan(func(_ common.ProcID, idx uint32) bool {
		drained = append(drained, r.slots[idx].sess)
		return true
	})
	for idx := range r.slots {
		if r.slots[idx].sess != nil {
			r.unlinkLocked(uint32(idx))
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range drained {
		if err := r.drain(s); err != nil {
			errs = append(errs, err)
			continue
		}
		r.deps.Quota.Release()
	}

	r.deps.Counters.SessionsInUse(r.deps.Quota.InUse())
	log.Info().
		Int("sessions", len(drained)).
		Int("failed", len(errs)).
		Msg("Session registry torn down")
	return errors.Join(errs...)
}

func (r *Registry) drain(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.openCursorsLocked() {
		if !c.Kind.Internal() {
			r.leaked.Add(1)
			r.deps.Counters.SessionLeaked(s.procID)
			log.Error().
				Uint32("proc_id", uint32(s.procID)).
				Uint64("cursor", uint64(c.ID)).
				Str("kind", c.Kind.String()).
				Msg("Non-sort cursor left open at teardown")
			return fmt.Errorf("%w: session %d has %s cursor %d open at teardown", ErrLogicError, s.procID, c.Kind, c.ID)
		}
		if err := r.deps.Cursors.CloseSortCursor(s.procID, c.ID); err != nil {
			return fmt.Errorf("close sort cursor %d of session %d: %w", c.ID, s.procID, err)
		}
		delete(s.cursors, c.ID)
	}

	// Nothing is logged at shutdown, so this cannot fail
	_ = s.abortAllMacrosLocked(false)
	s.abandonTransaction()
	s.deferred.Clear()
	s.registered.Clear()
	return nil
}

// Lookup finds the handle of the session with the given procid.
func (r *Registry) Lookup(pid common.ProcID) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byProc.Get(pid)
	if !ok {
		return Handle{}, false
	}
	return Handle{slot: idx, gen: r.slots[idx].gen}, true
}

// ProcIDs returns the procids of live sessions in ascending order.
func (r *Registry) ProcIDs() []common.ProcID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.ProcID, 0, r.byProc.Len())
	r.byProc.Scan(func(pid common.ProcID, _ uint32) bool {
		out = append(out, pid)
		return true
	})
	return out
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, r.byProc.Len())
	r.byProc.Scan(func(_ common.ProcID, idx uint32) bool {
		out = append(out, r.slots[idx].sess)
		return true
	})
	return out
}

// Sessions returns a view of every live session ordered by procid.
func (r *Registry) Sessions() []Info {
	sessions := r.snapshot()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Stats summarizes the registry.
type Stats struct {
	SessionsInUse         int           `json:"sessions_in_use"`
	SessionsQuota         int           `json:"sessions_quota"`
	ActiveTransactions    int           `json:"active_transactions"`
	DeferredEntries       int           `json:"deferred_entries"`
	RegisteredEntries     int           `json:"registered_entries"`
	LeakedSessions        int64         `json:"leaked_sessions"`
	NewestTrxID           common.TrxID  `json:"newest_trx_id"`
	CachedOldest          common.TrxID  `json:"cached_oldest"`
	WatermarkStaleness    time.Duration `json:"watermark_staleness_ns"`
	OldestAge             time.Duration `json:"oldest_age_ns"`
	WatermarkComputations uint64        `json:"watermark_computations"`
}

// Stats returns current registry statistics. The watermark fields come from
// the cache and are not recomputed.
func (r *Registry) Stats() Stats {
	st := Stats{
		SessionsInUse:         r.deps.Quota.InUse(),
		SessionsQuota:         r.deps.Quota.Max(),
		ActiveTransactions:    r.tracker.Active(),
		LeakedSessions:        r.leaked.Load(),
		NewestTrxID:           r.Newest(),
		WatermarkStaleness:    r.tracker.Staleness(),
		OldestAge:             r.tracker.OldestAge(),
		WatermarkComputations: r.tracker.Computations(),
	}
	st.CachedOldest, _ = r.tracker.Cached()

	for _, s := range r.snapshot() {
		s.mu.Lock()
		st.DeferredEntries += s.deferred.Len()
		st.RegisteredEntries += s.registered.Len()
		s.mu.Unlock()
	}
	return st
}

// ResolveCachePriorityForDB re-resolves one database slot in every live
// session, e.g. after the database is attached or its priority changes.
func (r *Registry) ResolveCachePriorityForDB(dbid common.DBID) {
	r.resolveEpoch.Add(1)
	for _, s := range r.snapshot() {
		s.ResolveCachePriorityForDB(dbid)
	}
}

// NewTransactionID allocates a transaction id and records it as the newest.
func (r *Registry) NewTransactionID() common.TrxID {
	trx := common.TrxID(r.deps.IDs.NextID())
	r.advanceNewest(trx)
	return trx
}

// Newest returns the newest transaction id seen by the instance.
func (r *Registry) Newest() common.TrxID {
	return common.TrxID(r.newest.Load())
}

func (r *Registry) advanceNewest(trx common.TrxID) {
	for {
		cur := r.newest.Load()
		if uint64(trx) <= cur || r.newest.CompareAndSwap(cur, uint64(trx)) {
			return
		}
	}
}

// ComputeOldestActiveTransaction computes the reclamation watermark: the
// begin id of the oldest open transaction, or TrxNone.
func (r *Registry) ComputeOldestActiveTransaction() common.TrxID {
	oldest := r.tracker.Oldest()
	r.deps.Counters.WatermarkComputed(oldest, r.tracker.OldestAge())
	return oldest
}

// CachedOldestActiveTransaction returns the last computed watermark without
// locking.
func (r *Registry) CachedOldestActiveTransaction() (common.TrxID, time.Time) {
	return r.tracker.Cached()
}

// WatermarkStaleness is the time since the watermark was last computed.
func (r *Registry) WatermarkStaleness() time.Duration {
	return r.tracker.Staleness()
}

// ReportSharingViolation logs a session used from the wrong context, including
// its open transaction levels.
func (r *Registry) ReportSharingViolation(h Handle, callerContext uint64) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	stack, _ := s.DumpTransactionStack(sharingViolationDumpSize, DefaultLineBreak)
	log.Error().
		Uint32("proc_id", uint32(s.procID)).
		Str("session_context", fmt.Sprintf("%#x", s.Context())).
		Str("caller_context", fmt.Sprintf("%#x", callerContext)).
		Str("transaction_ids", stack).
		Msg("Session sharing violation")
	return nil
}

// CheckContext verifies h is used from its bound context and reports a
// sharing violation when it is not.
func (r *Registry) CheckContext(h Handle, ctx uint64) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	if err := s.CheckContext(ctx); err != nil {
		_ = r.ReportSharingViolation(h, ctx)
		return err
	}
	return nil
}

// SetContext binds h to ctx, see Session.SetContext.
func (r *Registry) SetContext(h Handle, ctx uint64) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	return s.SetContext(ctx)
}

// ResetContext unbinds h, see Session.ResetContext.
func (r *Registry) ResetContext(h Handle, ctx uint64) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	if err := s.ResetContext(ctx); err != nil {
		_ = r.ReportSharingViolation(h, ctx)
		return err
	}
	return nil
}
