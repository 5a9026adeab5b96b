package session

import (
	"bytes"
	"fmt"

	"github.com/maxpert/trxbook/common"
	"github.com/maxpert/trxbook/hlc"
)

// DefaultLineBreak separates entries in a transaction stack dump.
const DefaultLineBreak = "\r\n"

// dumpTimeLayout renders level start times as hh:mm:ss.
const dumpTimeLayout = "15:04:05"

// Clock supplies start timestamps for transaction levels.
type Clock interface {
	Now() hlc.Timestamp
}

// LevelEntry is one open transaction level.
type LevelEntry struct {
	ID      common.TrxID
	Started hlc.Timestamp
}

// LevelStack is the bounded stack of open transaction levels of one session.
type LevelStack struct {
	entries []LevelEntry
	clock   Clock
}

// NewLevelStack creates a stack holding at most capacity levels.
func NewLevelStack(capacity int, clock Clock) *LevelStack {
	if capacity < 0 {
		capacity = 0
	}
	return &LevelStack{
		entries: make([]LevelEntry, 0, capacity),
		clock:   clock,
	}
}

// Push opens a level for id. The depth is unchanged on error.
func (s *LevelStack) Push(id common.TrxID) error {
	if len(s.entries) == cap(s.entries) {
		return fmt.Errorf("%w: nesting depth %d", ErrCapacityExceeded, cap(s.entries))
	}
	s.entries = append(s.entries, LevelEntry{ID: id, Started: s.clock.Now()})
	return nil
}

// Pop closes the innermost level.
func (s *LevelStack) Pop() error {
	if len(s.entries) == 0 {
		return fmt.Errorf("%w: pop on empty transaction stack", ErrLogicError)
	}
	s.entries = s.entries[:len(s.entries)-1]
	return nil
}

// Clear drops every level.
func (s *LevelStack) Clear() {
	s.entries = s.entries[:0]
}

// Depth returns the number of open levels.
func (s *LevelStack) Depth() int {
	return len(s.entries)
}

// Capacity returns the maximum nesting depth.
func (s *LevelStack) Capacity() int {
	return cap(s.entries)
}

// Entries returns a copy of the open levels, outermost first.
func (s *LevelStack) Entries() []LevelEntry {
	out := make([]LevelEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ReplacePending swaps every pending placeholder for id and returns how many
// were replaced.
func (s *LevelStack) ReplacePending(id common.TrxID) int {
	n := 0
	for i := range s.entries {
		if s.entries[i].ID == common.TrxPending {
			s.entries[i].ID = id
			n++
		}
	}
	return n
}

// Dump renders the stack into buf, most recent level first, as
// "<id>@<hh:mm:ss><lineBreak>" per level followed by a NUL terminator.
// If any piece does not fit together with the terminator the dump fails with
// ErrBufferTooSmall and buf is left holding the empty string.
func (s *LevelStack) Dump(buf []byte, lineBreak string) error {
	if len(buf) == 0 {
		return ErrBufferTooSmall
	}
	buf[0] = 0

	n := 0
	put := func(piece string) bool {
		if n+len(piece)+1 > len(buf) {
			return false
		}
		n += copy(buf[n:], piece)
		buf[n] = 0
		return true
	}

	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !put(e.ID.String()+"@") ||
			!put(e.Started.PhysicalTime().Format(dumpTimeLayout)) ||
			!put(lineBreak) {
			buf[0] = 0
			return ErrBufferTooSmall
		}
	}
	return nil
}

// DumpString is Dump into a fresh buffer of the given capacity.
func (s *LevelStack) DumpString(capacity int, lineBreak string) (string, error) {
	buf := make([]byte, capacity)
	if err := s.Dump(buf, lineBreak); err != nil {
		return "", err
	}
	if end := bytes.IndexByte(buf, 0); end >= 0 {
		return string(buf[:end]), nil
	}
	return string(buf), nil
}
