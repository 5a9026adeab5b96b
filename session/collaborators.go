package session

import (
	"time"

	"github.com/maxpert/trxbook/common"
)

// MacroLogger writes macro-abort records to the engine log.
type MacroLogger interface {
	LogMacroAbort(procID common.ProcID, dbtime common.DBTime) (common.LogPosition, error)
}

// CursorCloser closes engine-internal cursors left open at teardown.
type CursorCloser interface {
	CloseSortCursor(procID common.ProcID, id CursorID) error
}

// Counters receives session bookkeeping events.
type Counters interface {
	SessionsInUse(n int)
	SessionsQuota(n int)
	SessionLeaked(procID common.ProcID)
	LevelChanged(op string)
	WatermarkComputed(oldest common.TrxID, oldestAge time.Duration)
}

type nopMacroLogger struct{}

func (nopMacroLogger) LogMacroAbort(common.ProcID, common.DBTime) (common.LogPosition, error) {
	return common.LogPosition{}, nil
}

type nopCursorCloser struct{}

func (nopCursorCloser) CloseSortCursor(common.ProcID, CursorID) error {
	return nil
}

// NopCounters discards every event.
type NopCounters struct{}

func (NopCounters) SessionsInUse(int)                             {}
func (NopCounters) SessionsQuota(int)                             {}
func (NopCounters) SessionLeaked(common.ProcID)                   {}
func (NopCounters) LevelChanged(string)                           {}
func (NopCounters) WatermarkComputed(common.TrxID, time.Duration) {}
