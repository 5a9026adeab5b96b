package session

import (
	"errors"
	"strings"
	"testing"

	"github.com/maxpert/trxbook/common"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, opts Options, deps Dependencies) (*Registry, *Session) {
	t.Helper()
	r := newTestRegistry(t, opts, deps)
	h, err := r.CreateSession(common.ProcIDNil)
	require.NoError(t, err)
	s, err := r.Session(h)
	require.NoError(t, err)
	return r, s
}

func TestSession_StartsIdle(t *testing.T) {
	t.Parallel()

	_, s := newTestSession(t, DefaultOptions(), Dependencies{})
	require.Equal(t, 0, s.Level())
	require.Equal(t, common.TrxNone, s.TrxBegin0())
	require.False(t, s.CachePriority().IsAssigned())
	require.Empty(t, s.OpenCursors())
	require.Zero(t, s.Context())
}

func TestSession_LevelsTrackBeginID(t *testing.T) {
	t.Parallel()

	r, s := newTestSession(t, DefaultOptions(), Dependencies{})

	require.NoError(t, s.IncrementLevel(10))
	require.NoError(t, s.IncrementLevel(11))
	require.Equal(t, 2, s.Level())
	require.Equal(t, common.TrxID(10), s.TrxBegin0())
	require.Equal(t, common.TrxID(10), r.ComputeOldestActiveTransaction())

	require.NoError(t, s.DecrementLevel())
	require.Equal(t, common.TrxID(10), s.TrxBegin0())
	require.NoError(t, s.DecrementLevel())
	require.Equal(t, common.TrxNone, s.TrxBegin0())
	require.Equal(t, common.TrxNone, r.ComputeOldestActiveTransaction())

	require.True(t, errors.Is(s.DecrementLevel(), ErrLogicError))
	require.Equal(t, 0, s.Level())
}

func TestSession_IncrementRejectsSentinels(t *testing.T) {
	t.Parallel()

	_, s := newTestSession(t, DefaultOptions(), Dependencies{})
	require.True(t, errors.Is(s.IncrementLevel(common.TrxNone), ErrInvalidParameter))
	require.True(t, errors.Is(s.IncrementLevel(common.TrxPending), ErrInvalidParameter))
	require.Equal(t, 0, s.Level())
}

func TestSession_IncrementBeyondMaxDepth(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.MaxNestingDepth = 3
	_, s := newTestSession(t, opts, Dependencies{})
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.IncrementLevel(common.TrxID(i)))
	}

	require.True(t, errors.Is(s.IncrementLevel(4), ErrCapacityExceeded))
	require.Equal(t, 3, s.Level())
	require.Len(t, s.Levels(), 3)
}

func TestSession_SetLevelPendingReconciled(t *testing.T) {
	t.Parallel()

	r, s := newTestSession(t, DefaultOptions(), Dependencies{})

	require.NoError(t, s.SetLevel(2))
	require.Equal(t, 2, s.Level())
	require.Equal(t, common.TrxNone, s.TrxBegin0(), "begin id unknown until a real id arrives")
	for _, e := range s.Levels() {
		require.Equal(t, common.TrxPending, e.ID)
	}
	require.Equal(t, common.TrxNone, r.ComputeOldestActiveTransaction())

	require.NoError(t, s.IncrementLevel(25))
	require.Equal(t, 3, s.Level())
	require.Equal(t, common.TrxID(25), s.TrxBegin0())
	for _, e := range s.Levels() {
		require.Equal(t, common.TrxID(25), e.ID)
	}
	require.Equal(t, common.TrxID(25), r.ComputeOldestActiveTransaction())

	require.NoError(t, s.SetLevel(0))
	require.Equal(t, 0, s.Level())
	require.Equal(t, common.TrxNone, s.TrxBegin0())
	require.Equal(t, common.TrxNone, r.ComputeOldestActiveTransaction())
}

func TestSession_PendingLevelsDoNotHoldWatermark(t *testing.T) {
	t.Parallel()

	r, a := newTestSession(t, DefaultOptions(), Dependencies{})
	h, err := r.CreateSession(common.ProcIDNil)
	require.NoError(t, err)
	b, err := r.Session(h)
	require.NoError(t, err)

	require.NoError(t, a.SetLevel(1))
	require.NoError(t, b.IncrementLevel(40))
	require.Equal(t, common.TrxID(40), r.ComputeOldestActiveTransaction())
	require.Equal(t, 1, r.Stats().ActiveTransactions)

	require.NoError(t, a.IncrementLevel(41))
	require.Equal(t, common.TrxID(40), r.ComputeOldestActiveTransaction())
	require.Equal(t, 2, r.Stats().ActiveTransactions)

	require.NoError(t, b.DecrementLevel())
	require.Equal(t, common.TrxID(41), r.ComputeOldestActiveTransaction())
}

func TestSession_SetLevelBounds(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.MaxNestingDepth = 2
	_, s := newTestSession(t, opts, Dependencies{})

	require.True(t, errors.Is(s.SetLevel(-1), ErrInvalidParameter))
	require.True(t, errors.Is(s.SetLevel(3), ErrCapacityExceeded))
	require.Equal(t, 0, s.Level())

	require.NoError(t, s.SetLevel(2))
	require.NoError(t, s.SetLevel(1))
	require.Equal(t, 1, s.Level())
}

func TestSession_Cursors(t *testing.T) {
	t.Parallel()

	_, s := newTestSession(t, DefaultOptions(), Dependencies{})
	a := s.OpenCursor(CursorTable)
	b := s.OpenCursor(CursorSort)
	require.NotEqual(t, a, b)

	require.Equal(t, []Cursor{{ID: a, Kind: CursorTable}, {ID: b, Kind: CursorSort}}, s.OpenCursors())
	require.NoError(t, s.CloseCursor(a))
	require.True(t, errors.Is(s.CloseCursor(a), ErrEntryNotFound))
	require.Equal(t, "sort", CursorSort.String())
	require.True(t, CursorSort.Internal())
	require.False(t, CursorTable.Internal())
}

func TestSession_Macros(t *testing.T) {
	t.Parallel()

	logger := &recordingMacroLogger{}
	_, s := newTestSession(t, DefaultOptions(), Dependencies{Macros: logger})

	require.True(t, errors.Is(s.BeginMacro(common.DBTimeNil), ErrInvalidParameter))
	require.NoError(t, s.BeginMacro(5))
	require.True(t, errors.Is(s.BeginMacro(5), ErrDuplicateKey))
	require.NoError(t, s.BeginMacro(6))
	require.NoError(t, s.BeginMacro(7))
	require.NoError(t, s.EndMacro(6))
	require.True(t, errors.Is(s.EndMacro(6), ErrEntryNotFound))

	require.NoError(t, s.AbortAllMacros(false))
	require.Empty(t, s.Macros())
	require.Empty(t, logger.logged, "aborting without logEnd writes nothing")

	require.NoError(t, s.BeginMacro(8))
	require.NoError(t, s.AbortAllMacros(true))
	require.Equal(t, []common.DBTime{8}, logger.logged)
}

func TestSession_Context(t *testing.T) {
	t.Parallel()

	_, s := newTestSession(t, DefaultOptions(), Dependencies{})

	require.True(t, errors.Is(s.SetContext(0), ErrInvalidParameter))
	require.True(t, errors.Is(s.SetContext(^uint64(0)), ErrInvalidParameter))

	require.NoError(t, s.SetContext(0x10))
	require.NoError(t, s.SetContext(0x10))
	require.True(t, errors.Is(s.SetContext(0x20), ErrSessionContextAlreadySet))
	require.True(t, errors.Is(s.CheckContext(0x20), ErrSessionSharingViolation))

	require.NoError(t, s.ResetContext(0x10))
	require.NoError(t, s.SetContext(0x20))
}

func TestSession_DumpTransactionStack(t *testing.T) {
	t.Parallel()

	r, s := newTestSession(t, DefaultOptions(), Dependencies{})
	require.NoError(t, s.IncrementLevel(999))
	require.NoError(t, s.IncrementLevel(1000))

	h, ok := r.Lookup(s.ProcID())
	require.True(t, ok)
	out, err := r.DumpTransactionStack(h)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(out, DefaultLineBreak), DefaultLineBreak)
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "1000@"))
	require.True(t, strings.HasPrefix(lines[1], "999@"))

	_, err = s.DumpTransactionStack(3, DefaultLineBreak)
	require.True(t, errors.Is(err, ErrBufferTooSmall))
}

func TestSession_Info(t *testing.T) {
	t.Parallel()

	_, s := newTestSession(t, DefaultOptions(), Dependencies{Instance: StaticInstancePriority(250)})
	require.NoError(t, s.IncrementLevel(31))
	s.OpenCursor(CursorIndex)
	require.NoError(t, s.BeginMacro(3))

	info := s.Info()
	require.Equal(t, common.ProcID(1), info.ProcID)
	require.Equal(t, 1, info.Level)
	require.Equal(t, "31", info.TrxBegin0)
	require.False(t, info.BeginTime.IsZero())
	require.Len(t, info.OpenCursors, 1)
	require.Equal(t, 1, info.InFlightMacros)
	require.Equal(t, common.CachePriority(250), info.CachePriority)
}
