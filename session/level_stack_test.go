package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/maxpert/trxbook/common"
	"github.com/maxpert/trxbook/hlc"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	ts hlc.Timestamp
}

func (c fixedClock) Now() hlc.Timestamp {
	return c.ts
}

func clockAt(h, m, s int) fixedClock {
	wall := time.Date(2024, 3, 1, h, m, s, 0, time.Local)
	return fixedClock{ts: hlc.Timestamp{WallTime: wall.UnixNano(), Logical: 1, InstanceID: 1}}
}

func TestLevelStack_PushPop(t *testing.T) {
	t.Parallel()

	st := NewLevelStack(4, hlc.NewClock(1))
	require.NoError(t, st.Push(57061))
	require.Equal(t, 1, st.Depth())
	require.NoError(t, st.Pop())
	require.Equal(t, 0, st.Depth())
}

func TestLevelStack_PushClear(t *testing.T) {
	t.Parallel()

	st := NewLevelStack(4, hlc.NewClock(1))
	require.NoError(t, st.Push(57061))
	require.NoError(t, st.Push(57062))
	st.Clear()
	require.Equal(t, 0, st.Depth())
	require.Empty(t, st.Entries())
}

func TestLevelStack_PopEmpty(t *testing.T) {
	t.Parallel()

	st := NewLevelStack(2, hlc.NewClock(1))
	err := st.Pop()
	require.True(t, errors.Is(err, ErrLogicError))
	require.Equal(t, 0, st.Depth())
}

func TestLevelStack_CapacityExceeded(t *testing.T) {
	t.Parallel()

	st := NewLevelStack(2, hlc.NewClock(1))
	require.NoError(t, st.Push(1))
	require.NoError(t, st.Push(2))

	err := st.Push(3)
	require.True(t, errors.Is(err, ErrCapacityExceeded))
	require.Equal(t, 2, st.Depth())
	require.Equal(t, common.TrxID(2), st.Entries()[1].ID)
}

func TestLevelStack_ReplacePending(t *testing.T) {
	t.Parallel()

	st := NewLevelStack(4, hlc.NewClock(1))
	require.NoError(t, st.Push(common.TrxPending))
	require.NoError(t, st.Push(common.TrxPending))
	require.NoError(t, st.Push(40))

	require.Equal(t, 2, st.ReplacePending(40))
	for _, e := range st.Entries() {
		require.Equal(t, common.TrxID(40), e.ID)
	}
	require.Zero(t, st.ReplacePending(41))
}

func TestLevelStack_Dump(t *testing.T) {
	t.Parallel()

	st := NewLevelStack(4, hlc.NewClock(1))
	require.NoError(t, st.Push(999))

	buf := make([]byte, 32)
	require.NoError(t, st.Dump(buf, DefaultLineBreak))
	require.True(t, strings.HasPrefix(string(buf), "999@"))
}

func TestLevelStack_DumpMostRecentFirst(t *testing.T) {
	t.Parallel()

	st := NewLevelStack(4, clockAt(9, 5, 7))
	require.NoError(t, st.Push(10))
	require.NoError(t, st.Push(common.TrxPending))
	require.NoError(t, st.Push(12))

	out, err := st.DumpString(128, "\n")
	require.NoError(t, err)
	require.Equal(t, "12@09:05:07\npending@09:05:07\n10@09:05:07\n", out)
}

func TestLevelStack_DumpBufferTooSmallForTrxID(t *testing.T) {
	t.Parallel()

	st := NewLevelStack(4, hlc.NewClock(1))
	require.NoError(t, st.Push(999))

	buf := []byte{'x', 'x', 'x'}
	require.True(t, errors.Is(st.Dump(buf, DefaultLineBreak), ErrBufferTooSmall))
	require.Equal(t, byte(0), buf[0])
}

func TestLevelStack_DumpBufferTooSmallForTime(t *testing.T) {
	t.Parallel()

	st := NewLevelStack(4, hlc.NewClock(1))
	require.NoError(t, st.Push(999))

	buf := []byte("xxxxx")
	require.True(t, errors.Is(st.Dump(buf, DefaultLineBreak), ErrBufferTooSmall))
	require.Equal(t, byte(0), buf[0])
}

func TestLevelStack_DumpDiscardsPartialOutput(t *testing.T) {
	t.Parallel()

	st := NewLevelStack(4, clockAt(23, 59, 59))
	require.NoError(t, st.Push(1))
	require.NoError(t, st.Push(2))

	// Room for the first entry only
	out, err := st.DumpString(16, DefaultLineBreak)
	require.True(t, errors.Is(err, ErrBufferTooSmall))
	require.Empty(t, out)

	out, err = st.DumpString(29, DefaultLineBreak)
	require.NoError(t, err)
	require.Equal(t, "2@23:59:59\r\n1@23:59:59\r\n", out)
}

func TestLevelStack_DumpEmpty(t *testing.T) {
	t.Parallel()

	st := NewLevelStack(4, hlc.NewClock(1))
	buf := []byte{'x'}
	require.NoError(t, st.Dump(buf, DefaultLineBreak))
	require.Equal(t, byte(0), buf[0])
	require.True(t, errors.Is(st.Dump(nil, DefaultLineBreak), ErrBufferTooSmall))
}
