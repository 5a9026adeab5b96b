package macrolog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/maxpert/trxbook/common"
	"github.com/stretchr/testify/require"
)

func TestLog_AppendAndRead(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l, err := New(dir, 42, Options{})
	require.NoError(t, err)

	pos1, err := l.Append(3, 100)
	require.NoError(t, err)
	pos2, err := l.LogMacroAbort(5, 200)
	require.NoError(t, err)

	require.Equal(t, common.LogPosition{Generation: 1, Offset: HeaderSize}, pos1)
	require.Equal(t, common.LogPosition{Generation: 1, Offset: HeaderSize + RecordSize}, pos2)
	require.Equal(t, uint64(2), l.EntryCount())
	require.NoError(t, l.Close())

	logs, err := ListLogs(dir)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	r, err := Open(logs[0])
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, uint32(1), r.Generation())
	require.Equal(t, uint64(42), r.InstanceID())

	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.Equal(t, uint64(1), entries[0].Seq)
	require.Equal(t, common.ProcID(3), entries[0].ProcID)
	require.Equal(t, common.DBTime(100), entries[0].DBTime)
	require.Equal(t, pos1, entries[0].Position)
	require.Equal(t, common.ProcID(5), entries[1].ProcID)
	require.Equal(t, common.DBTime(200), entries[1].DBTime)
	require.Equal(t, pos2, entries[1].Position)
	require.False(t, entries[1].WallTime.IsZero())
}

func TestLog_NewGenerationPerOpen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l1, err := New(dir, 1, Options{})
	require.NoError(t, err)
	require.Equal(t, uint32(1), l1.Generation())
	require.NoError(t, l1.Close())

	l2, err := New(dir, 1, Options{})
	require.NoError(t, err)
	defer l2.Close()
	require.Equal(t, uint32(2), l2.Generation())

	pos, err := l2.Append(1, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(2), pos.Generation)
}

func TestLog_RollsPastMaxFileSize(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l, err := New(dir, 1, Options{MaxFileSize: HeaderSize + 2*RecordSize})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := l.Append(common.ProcID(i), common.DBTime(i))
		require.NoError(t, err)
	}
	require.Equal(t, uint32(3), l.Generation())
	require.NoError(t, l.Close())

	logs, err := ListLogs(dir)
	require.NoError(t, err)
	require.Len(t, logs, 3)

	var total int
	var lastSeq uint64
	for _, path := range logs {
		r, err := Open(path)
		require.NoError(t, err)
		entries, err := r.Entries()
		require.NoError(t, err)
		for _, e := range entries {
			require.Greater(t, e.Seq, lastSeq)
			lastSeq = e.Seq
		}
		total += len(entries)
		require.NoError(t, r.Close())
	}
	require.Equal(t, 5, total)
}

func TestLog_RollFailureKeepsCurrentGeneration(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l, err := New(dir, 1, Options{MaxFileSize: HeaderSize + RecordSize})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(1, 10)
	require.NoError(t, err)

	// Next generation cannot be created
	require.NoError(t, os.RemoveAll(filepath.Join(dir, logDirName)))
	_, err = l.Append(2, 20)
	require.Error(t, err)
	require.Equal(t, uint32(1), l.Generation())
	require.Equal(t, uint64(1), l.EntryCount())
	require.NoError(t, l.Flush(), "current file is still open")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, logDirName), 0750))
	pos, err := l.Append(3, 30)
	require.NoError(t, err)
	require.Equal(t, common.LogPosition{Generation: 2, Offset: HeaderSize}, pos)
	require.Equal(t, uint64(2), l.EntryCount())
	require.NoError(t, l.Flush())

	logs, err := ListLogs(dir)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	r, err := Open(logs[0])
	require.NoError(t, err)
	defer r.Close()
	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(2), entries[0].Seq)
	require.Equal(t, common.ProcID(3), entries[0].ProcID)
}

func TestLog_FailedAppendDoesNotAdvance(t *testing.T) {
	t.Parallel()

	l, err := New(t.TempDir(), 1, Options{SyncOnAppend: true})
	require.NoError(t, err)

	_, err = l.Append(1, 10)
	require.NoError(t, err)

	require.NoError(t, l.file.Close())
	for i := 0; i < 2; i++ {
		_, err = l.Append(2, 20)
		require.Error(t, err)
	}
	require.Equal(t, uint64(1), l.EntryCount())
	require.Equal(t, uint64(HeaderSize+RecordSize), l.offset)
	require.Error(t, l.Close())
}

func TestLog_SyncOnAppendVisibleToReader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l, err := New(dir, 1, Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(9, 77)
	require.NoError(t, err)

	logs, err := ListLogs(dir)
	require.NoError(t, err)
	r, err := Open(logs[0])
	require.NoError(t, err)
	defer r.Close()

	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, common.DBTime(77), entries[0].DBTime)
}

func TestLog_Closed(t *testing.T) {
	t.Parallel()

	l, err := New(t.TempDir(), 1, Options{})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Append(1, 1)
	require.ErrorIs(t, err, ErrLogClosed)
	require.ErrorIs(t, l.Flush(), ErrLogClosed)
}

func TestReader_ChecksumFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l, err := New(dir, 1, Options{})
	require.NoError(t, err)
	_, err = l.Append(1, 1)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	logs, err := ListLogs(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	data[HeaderSize+10] ^= 0xFF
	require.NoError(t, os.WriteFile(logs[0], data, 0640))

	r, err := Open(logs[0])
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	require.ErrorIs(t, err, ErrChecksumFailed)
}

func TestReader_InvalidHeader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l, err := New(dir, 1, Options{})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	logs, err := ListLogs(dir)
	require.NoError(t, err)
	data, err := os.ReadFile(logs[0])
	require.NoError(t, err)

	badMagic := append([]byte(nil), data...)
	copy(badMagic, "XXXX")
	require.NoError(t, os.WriteFile(logs[0], badMagic, 0640))
	_, err = Open(logs[0])
	require.ErrorIs(t, err, ErrInvalidMagic)

	badVersion := append([]byte(nil), data...)
	badVersion[4] = 9
	require.NoError(t, os.WriteFile(logs[0], badVersion, 0640))
	_, err = Open(logs[0])
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func BenchmarkLog_Append(b *testing.B) {
	l, err := New(b.TempDir(), 1, Options{})
	if err != nil {
		b.Fatal(err)
	}
	defer l.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.Append(1, common.DBTime(i)); err != nil {
			b.Fatal(err)
		}
	}
}
