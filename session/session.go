package session

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/trxbook/common"
	"github.com/maxpert/trxbook/watermark"
	"github.com/rs/zerolog/log"
)

// CursorKind classifies cursors a session keeps open.
type CursorKind uint8

const (
	CursorTable CursorKind = iota + 1
	CursorIndex
	// CursorSort is engine-internal: sort cursors may be closed on the
	// session's behalf at teardown.
	CursorSort
)

func (k CursorKind) String() string {
	switch k {
	case CursorTable:
		return "table"
	case CursorIndex:
		return "index"
	case CursorSort:
		return "sort"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Internal reports whether the cursor is owned by the engine rather than the
// client.
func (k CursorKind) Internal() bool {
	return k == CursorSort
}

// CursorID identifies a cursor within its session.
type CursorID uint64

// Cursor is an open cursor registration.
type Cursor struct {
	ID   CursorID   `json:"id"`
	Kind CursorKind `json:"kind"`
}

const (
	contextNull     uint64 = 0
	contextUnusable uint64 = math.MaxUint64
)

// Session is the per-session control block: transaction nesting, version
// entry registrations, open cursors, in-flight macros and cache priorities.
//
// Level, entry, cursor and macro operations must come from the session's
// owning goroutine. mu only serializes the owner against inspection readers.
type Session struct {
	procID common.ProcID
	shard  int
	reg    *Registry

	mu         sync.Mutex
	levels     *LevelStack
	level      int
	trxBegin0  common.TrxID
	beginTime  time.Time
	deferred   *VersionIndex[common.PageNo]
	registered *VersionIndex[VersionRef]
	cursors    map[CursorID]CursorKind
	nextCursor CursorID
	macros     []common.DBTime

	context atomic.Uint64

	priorityMu    sync.Mutex
	cachePriority common.CachePriority
	resolved      []common.CachePriority
}

func newSession(reg *Registry) *Session {
	return &Session{
		reg:           reg,
		levels:        NewLevelStack(reg.opts.MaxNestingDepth, reg.deps.Clock),
		trxBegin0:     common.TrxNone,
		deferred:      NewVersionIndex[common.PageNo](),
		registered:    NewVersionIndex[VersionRef](),
		cursors:       make(map[CursorID]CursorKind),
		cachePriority: common.CachePriorityUnassigned,
		resolved:      make([]common.CachePriority, reg.opts.MaxDatabases),
	}
}

// ProcID returns the session id.
func (s *Session) ProcID() common.ProcID {
	return s.procID
}

// Level returns the current nesting depth.
func (s *Session) Level() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// TrxBegin0 returns the id of the outermost open transaction, or TrxNone.
func (s *Session) TrxBegin0() common.TrxID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trxBegin0
}

// IncrementLevel opens a nested transaction level for id. Levels entered
// earlier through SetLevel without a known id are reconciled to id. The first
// real id of an outermost transaction becomes the session's begin id and
// registers the session with the watermark tracker.
func (s *Session) IncrementLevel(id common.TrxID) error {
	if !id.IsReal() {
		return fmt.Errorf("%w: transaction id %s", ErrInvalidParameter, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.levels.Push(id); err != nil {
		return err
	}
	s.level++
	s.levels.ReplacePending(id)

	if !s.trxBegin0.IsReal() {
		s.beginOutermost(id)
	}
	s.reg.deps.Counters.LevelChanged("increment")
	return nil
}

// DecrementLevel closes the innermost level. Closing the outermost level ends
// the transaction and releases the session's hold on the watermark.
func (s *Session) DecrementLevel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.levels.Pop(); err != nil {
		return err
	}
	s.level--
	if s.level == 0 {
		s.endOutermost()
	}
	s.reg.deps.Counters.LevelChanged("decrement")
	return nil
}

// SetLevel moves the nesting depth to target, popping levels or pushing
// pending placeholders whose ids are supplied by a later IncrementLevel.
//
// Raising the level of an idle session does not begin a transaction: the
// session has no begin id and is invisible to the watermark until an
// IncrementLevel reconciles the pending levels. Callers must not rely on
// pending levels to hold back version cleanup.
func (s *Session) SetLevel(target int) error {
	if target < 0 {
		return fmt.Errorf("%w: level %d", ErrInvalidParameter, target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if target > s.levels.Capacity() {
		return fmt.Errorf("%w: level %d above nesting depth %d", ErrCapacityExceeded, target, s.levels.Capacity())
	}

	for s.level > target {
		if err := s.levels.Pop(); err != nil {
			return err
		}
		s.level--
	}
	if s.level == 0 {
		s.endOutermost()
	}
	for s.level < target {
		if err := s.levels.Push(common.TrxPending); err != nil {
			return err
		}
		s.level++
	}
	s.reg.deps.Counters.LevelChanged("set")
	return nil
}

func (s *Session) beginOutermost(id common.TrxID) {
	s.trxBegin0 = id
	s.beginTime = s.reg.deps.Clock.Now().PhysicalTime()
	// newest must cover id before the tracker can see it
	s.reg.advanceNewest(id)
	s.reg.tracker.Enter(s.shard, watermark.Member{Begin: id, ProcID: s.procID, Since: s.beginTime})
}

func (s *Session) endOutermost() {
	if !s.trxBegin0.IsReal() {
		return
	}
	s.reg.tracker.Leave(s.shard, watermark.Member{Begin: s.trxBegin0, ProcID: s.procID})
	s.trxBegin0 = common.TrxNone
	s.beginTime = time.Time{}
}

// abandonTransaction drops every open level without a commit or rollback.
func (s *Session) abandonTransaction() {
	s.levels.Clear()
	s.level = 0
	s.endOutermost()
}

// RegisterDeferredEntry records an entry whose log position is still pending.
func (s *Session) RegisterDeferredEntry(id common.EntryID, page common.PageNo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deferred.Register(id, page)
}

// DeregisterDeferredEntry removes a deferred entry. Absent ids are ignored.
func (s *Session) DeregisterDeferredEntry(id common.EntryID) {
	s.mu.Lock()
	s.deferred.Deregister(id)
	s.mu.Unlock()
}

// RemoveAllDeferredEntries drops every deferred entry.
func (s *Session) RemoveAllDeferredEntries() {
	s.mu.Lock()
	s.deferred.Clear()
	s.mu.Unlock()
}

// RegisterEntry records a fully registered version-store entry.
func (s *Session) RegisterEntry(id common.EntryID, ref VersionRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered.Register(id, ref)
}

// DeregisterEntry removes a registered entry. Absent ids are ignored.
func (s *Session) DeregisterEntry(id common.EntryID) {
	s.mu.Lock()
	s.registered.Deregister(id)
	s.mu.Unlock()
}

// RemoveAllEntries drops every registered entry.
func (s *Session) RemoveAllEntries() {
	s.mu.Lock()
	s.registered.Clear()
	s.mu.Unlock()
}

// NearestEntry returns the registered entry nearest to id, see VersionIndex.Nearest.
func (s *Session) NearestEntry(id common.EntryID) (common.EntryID, VersionRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered.Nearest(id)
}

// OpenCursor registers a cursor of the given kind.
func (s *Session) OpenCursor(kind CursorKind) CursorID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCursor++
	s.cursors[s.nextCursor] = kind
	return s.nextCursor
}

// CloseCursor unregisters a cursor.
func (s *Session) CloseCursor(id CursorID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cursors[id]; !ok {
		return fmt.Errorf("%w: cursor %d", ErrEntryNotFound, id)
	}
	delete(s.cursors, id)
	return nil
}

// OpenCursors returns the open cursors ordered by id.
func (s *Session) OpenCursors() []Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCursorsLocked()
}

func (s *Session) openCursorsLocked() []Cursor {
	out := make([]Cursor, 0, len(s.cursors))
	for id, kind := range s.cursors {
		out = append(out, Cursor{ID: id, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BeginMacro marks a multi-step operation tagged dbtime as in flight.
func (s *Session) BeginMacro(dbtime common.DBTime) error {
	if dbtime == common.DBTimeNil {
		return fmt.Errorf("%w: nil dbtime", ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.macros {
		if t == dbtime {
			return fmt.Errorf("%w: macro %d", ErrDuplicateKey, dbtime)
		}
	}
	s.macros = append(s.macros, dbtime)
	return nil
}

// EndMacro marks the multi-step operation tagged dbtime as complete.
func (s *Session) EndMacro(dbtime common.DBTime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.macros {
		if t == dbtime {
			s.macros = append(s.macros[:i], s.macros[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: macro %d", ErrEntryNotFound, dbtime)
}

// Macros returns the dbtimes of in-flight macros in start order.
func (s *Session) Macros() []common.DBTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]common.DBTime, len(s.macros))
	copy(out, s.macros)
	return out
}

// AbortAllMacros drops every in-flight macro. With logEnd each abort is
// written to the macro log first; the first logging failure stops the loop and
// leaves that macro and the ones after it in flight.
func (s *Session) AbortAllMacros(logEnd bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortAllMacrosLocked(logEnd)
}

func (s *Session) abortAllMacrosLocked(logEnd bool) error {
	for i, dbtime := range s.macros {
		if logEnd {
			pos, err := s.reg.deps.Macros.LogMacroAbort(s.procID, dbtime)
			if err != nil {
				s.macros = s.macros[i:]
				return fmt.Errorf("abort macro %d of session %d: %w", dbtime, s.procID, err)
			}
			log.Debug().
				Uint32("proc_id", uint32(s.procID)).
				Uint64("dbtime", uint64(dbtime)).
				Str("log_pos", pos.String()).
				Msg("Logged macro abort")
		}
	}
	s.macros = s.macros[:0]
	return nil
}

// SetContext binds the session to a caller context. Binding to the context it
// is already bound to is a no-op.
func (s *Session) SetContext(ctx uint64) error {
	if ctx == contextNull || ctx == contextUnusable {
		return fmt.Errorf("%w: session context %#x", ErrInvalidParameter, ctx)
	}
	if s.context.CompareAndSwap(contextNull, ctx) {
		return nil
	}
	if s.context.Load() == ctx {
		return nil
	}
	return ErrSessionContextAlreadySet
}

// ResetContext unbinds the session. Only the bound context may do that.
func (s *Session) ResetContext(ctx uint64) error {
	if err := s.CheckContext(ctx); err != nil {
		return err
	}
	s.context.Store(contextNull)
	return nil
}

// CheckContext fails with ErrSessionSharingViolation when the session is bound
// to a context other than ctx.
func (s *Session) CheckContext(ctx uint64) error {
	if cur := s.context.Load(); cur != contextNull && cur != ctx {
		return fmt.Errorf("%w: session %d bound to %#x, used from %#x", ErrSessionSharingViolation, s.procID, cur, ctx)
	}
	return nil
}

// Context returns the bound context, zero when unbound.
func (s *Session) Context() uint64 {
	return s.context.Load()
}

// DumpTransactionStack renders the open levels, see LevelStack.Dump.
func (s *Session) DumpTransactionStack(capacity int, lineBreak string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels.DumpString(capacity, lineBreak)
}

// Levels returns the open levels, outermost first.
func (s *Session) Levels() []LevelEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels.Entries()
}

// Info is a point-in-time view of a session.
type Info struct {
	ProcID            common.ProcID        `json:"proc_id"`
	Level             int                  `json:"level"`
	TrxBegin0         string               `json:"trx_begin0"`
	BeginTime         time.Time            `json:"begin_time,omitempty"`
	Shard             int                  `json:"shard"`
	DeferredEntries   int                  `json:"deferred_entries"`
	RegisteredEntries int                  `json:"registered_entries"`
	OpenCursors       []Cursor             `json:"open_cursors"`
	InFlightMacros    int                  `json:"in_flight_macros"`
	CachePriority     common.CachePriority `json:"cache_priority"`
	Context           uint64               `json:"context"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ProcID:            s.procID,
		Level:             s.level,
		TrxBegin0:         s.trxBegin0.String(),
		BeginTime:         s.beginTime,
		Shard:             s.shard,
		DeferredEntries:   s.deferred.Len(),
		RegisteredEntries: s.registered.Len(),
		OpenCursors:       s.openCursorsLocked(),
		InFlightMacros:    len(s.macros),
	}
	s.mu.Unlock()

	info.CachePriority = s.EffectiveCachePriority()
	info.Context = s.Context()
	return info
}
