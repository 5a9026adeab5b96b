// Package macrolog is the append-only log of aborted macros: multi-step
// operations that were in flight when their session was torn down.
package macrolog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/trxbook/common"
	"github.com/rs/zerolog/log"
)

const (
	// Magic bytes for file identification
	Magic = "MABT"
	// Current format version
	Version uint16 = 1
	// Header size in bytes
	HeaderSize = 32

	// RecordSize is the on-disk size of one record:
	// entry_len(4) + seq(8) + proc_id(4) + dbtime(8) + wall_time(8) + checksum(4)
	RecordSize = 36

	// DefaultMaxFileSize rolls the log to a new generation past this size.
	DefaultMaxFileSize int64 = 16 << 20

	logDirName = "macro_logs"
	logSuffix  = ".log"
)

var (
	ErrInvalidMagic    = errors.New("invalid magic bytes")
	ErrVersionMismatch = errors.New("version mismatch")
	ErrChecksumFailed  = errors.New("checksum verification failed")
	ErrLogClosed       = errors.New("log is closed")
)

// Entry is one macro-abort record.
type Entry struct {
	Seq      uint64
	ProcID   common.ProcID
	DBTime   common.DBTime
	WallTime time.Time
	Position common.LogPosition
}

// Options configures a Log.
type Options struct {
	// SyncOnAppend fsyncs after every record.
	SyncOnAppend bool
	// MaxFileSize rolls to a new generation once a file grows past it.
	MaxFileSize int64
}

// Log appends macro-abort records to generation-numbered files.
type Log struct {
	mu         sync.Mutex
	dir        string
	instanceID uint64
	opts       Options

	file       *os.File
	writer     *bufio.Writer
	generation uint32
	offset     uint64
	seq        uint64
	closed     bool
	now        func() time.Time
}

// New opens a log in dataDir, starting a generation after the newest one
// already present.
func New(dataDir string, instanceID uint64, opts Options) (*Log, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}

	dir := filepath.Join(dataDir, logDirName)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create %s dir: %w", logDirName, err)
	}

	existing, err := ListLogs(dataDir)
	if err != nil {
		return nil, err
	}
	var generation uint32 = 1
	if n := len(existing); n > 0 {
		last, err := generationOf(existing[n-1])
		if err != nil {
			return nil, err
		}
		generation = last + 1
	}

	l := &Log{
		dir:        dir,
		instanceID: instanceID,
		opts:       opts,
		now:        time.Now,
	}
	if err := l.openGeneration(generation); err != nil {
		return nil, err
	}
	return l, nil
}

func logPath(dir string, generation uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", generation, logSuffix))
}

func generationOf(path string) (uint32, error) {
	name := strings.TrimSuffix(filepath.Base(path), logSuffix)
	g, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad macro log name %q: %w", path, err)
	}
	return uint32(g), nil
}

// openGeneration creates the file for generation and writes its header. The
// Log is switched to the new file only once the header is written.
func (l *Log) openGeneration(generation uint32) error {
	path := logPath(l.dir, generation)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	writer := bufio.NewWriterSize(file, 64*1024) // 64KB buffer
	if _, err := writer.Write(encodeHeader(generation, l.instanceID, l.now())); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("write header: %w", err)
	}

	l.file = file
	l.writer = writer
	l.generation = generation
	l.offset = HeaderSize
	log.Debug().Uint32("generation", generation).Str("path", path).Msg("Macro log generation opened")
	return nil
}

func encodeHeader(generation uint32, instanceID uint64, at time.Time) []byte {
	header := make([]byte, HeaderSize)
	copy(header[0:4], Magic)
	binary.LittleEndian.PutUint16(header[4:6], Version)
	// reserved at 6:8
	binary.LittleEndian.PutUint32(header[8:12], generation)
	// reserved at 12:16
	binary.LittleEndian.PutUint64(header[16:24], instanceID)
	binary.LittleEndian.PutUint64(header[24:32], uint64(at.UnixNano()))
	return header
}

// Append writes a record and returns where it starts.
func (l *Log) Append(procID common.ProcID, dbtime common.DBTime) (common.LogPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return common.LogPosition{}, ErrLogClosed
	}

	if int64(l.offset)+RecordSize > l.opts.MaxFileSize && l.offset > HeaderSize {
		if err := l.rollLocked(); err != nil {
			return common.LogPosition{}, err
		}
	}

	seq := l.seq + 1
	pos := common.LogPosition{Generation: l.generation, Offset: l.offset}
	if _, err := l.writer.Write(encodeRecord(seq, procID, dbtime, l.now())); err != nil {
		return common.LogPosition{}, err
	}
	if l.opts.SyncOnAppend {
		if err := l.syncLocked(); err != nil {
			return common.LogPosition{}, err
		}
	}

	l.seq = seq
	l.offset += RecordSize
	return pos, nil
}

// LogMacroAbort records the abort of the macro tagged dbtime.
func (l *Log) LogMacroAbort(procID common.ProcID, dbtime common.DBTime) (common.LogPosition, error) {
	return l.Append(procID, dbtime)
}

// rollLocked moves to the next generation. On failure the current file stays
// open and the next Append retries the roll.
func (l *Log) rollLocked() error {
	if err := l.syncLocked(); err != nil {
		return err
	}
	prev := l.file
	if err := l.openGeneration(l.generation + 1); err != nil {
		return err
	}
	if err := prev.Close(); err != nil {
		log.Warn().Err(err).Uint32("generation", l.generation-1).Msg("Failed to close rolled macro log")
	}
	return nil
}

func encodeRecord(seq uint64, procID common.ProcID, dbtime common.DBTime, at time.Time) []byte {
	buf := make([]byte, RecordSize)
	offset := 0

	// Entry length (excluding this field)
	binary.LittleEndian.PutUint32(buf[offset:], uint32(RecordSize-4))
	offset += 4

	binary.LittleEndian.PutUint64(buf[offset:], seq)
	offset += 8

	binary.LittleEndian.PutUint32(buf[offset:], uint32(procID))
	offset += 4

	binary.LittleEndian.PutUint64(buf[offset:], uint64(dbtime))
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], uint64(at.UnixNano()))
	offset += 8

	// CRC32 of everything between entry_len and checksum
	binary.LittleEndian.PutUint32(buf[offset:], crc32.ChecksumIEEE(buf[4:offset]))
	return buf
}

func (l *Log) syncLocked() error {
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

// Flush flushes buffered data to disk
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	return l.syncLocked()
}

// Close flushes and closes the current file
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Generation returns the generation currently written.
func (l *Log) Generation() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// EntryCount returns the number of records written by this Log
func (l *Log) EntryCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Reader provides sequential access to one log file
type Reader struct {
	file       *os.File
	reader     *bufio.Reader
	generation uint32
	instanceID uint64
	offset     uint64
	closed     bool
}

// Open opens an existing macro log file for reading
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	r := &Reader{
		file:   file,
		reader: bufio.NewReaderSize(file, 64*1024),
	}

	if err := r.readHeader(); err != nil {
		file.Close()
		return nil, err
	}

	return r, nil
}

// readHeader validates and reads the file header
func (r *Reader) readHeader() error {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r.reader, header); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	if string(header[0:4]) != Magic {
		return ErrInvalidMagic
	}

	version := binary.LittleEndian.Uint16(header[4:6])
	if version != Version {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, Version)
	}

	r.generation = binary.LittleEndian.Uint32(header[8:12])
	r.instanceID = binary.LittleEndian.Uint64(header[16:24])
	r.offset = HeaderSize
	return nil
}

// Generation returns the generation from the file header
func (r *Reader) Generation() uint32 {
	return r.generation
}

// InstanceID returns the instance that wrote the file
func (r *Reader) InstanceID() uint64 {
	return r.instanceID
}

// Next reads the next record. It returns io.EOF at the end of the file.
func (r *Reader) Next() (*Entry, error) {
	if r.closed {
		return nil, ErrLogClosed
	}

	buf := make([]byte, RecordSize)
	if _, err := io.ReadFull(r.reader, buf[:4]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read entry length: %w", err)
	}
	if n := binary.LittleEndian.Uint32(buf[:4]); n != RecordSize-4 {
		return nil, fmt.Errorf("invalid entry length %d", n)
	}
	if _, err := io.ReadFull(r.reader, buf[4:]); err != nil {
		return nil, fmt.Errorf("read entry data: %w", err)
	}

	checksumOffset := RecordSize - 4
	if binary.LittleEndian.Uint32(buf[checksumOffset:]) != crc32.ChecksumIEEE(buf[4:checksumOffset]) {
		return nil, ErrChecksumFailed
	}

	e := &Entry{
		Seq:      binary.LittleEndian.Uint64(buf[4:12]),
		ProcID:   common.ProcID(binary.LittleEndian.Uint32(buf[12:16])),
		DBTime:   common.DBTime(binary.LittleEndian.Uint64(buf[16:24])),
		WallTime: time.Unix(0, int64(binary.LittleEndian.Uint64(buf[24:32]))),
		Position: common.LogPosition{Generation: r.generation, Offset: r.offset},
	}
	r.offset += RecordSize
	return e, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// Entries reads all remaining records
func (r *Reader) Entries() ([]*Entry, error) {
	var entries []*Entry
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ListLogs returns the macro log files in dataDir ordered by generation
func ListLogs(dataDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dataDir, logDirName, "*"+logSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
