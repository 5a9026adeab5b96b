package telemetry

import (
	"time"

	"github.com/maxpert/trxbook/common"
	"github.com/maxpert/trxbook/session"
)

// SessionCounters forwards registry events to the package metrics.
type SessionCounters struct{}

var _ session.Counters = SessionCounters{}

func (SessionCounters) SessionsInUse(n int) {
	SessionsInUse.Set(float64(n))
}

func (SessionCounters) SessionsQuota(n int) {
	SessionsQuota.Set(float64(n))
}

func (SessionCounters) SessionLeaked(common.ProcID) {
	SessionLeaksTotal.Inc()
}

func (SessionCounters) LevelChanged(op string) {
	TransactionLevelOpsTotal.With(op).Inc()
}

func (SessionCounters) WatermarkComputed(oldest common.TrxID, oldestAge time.Duration) {
	WatermarkComputationsTotal.Inc()
	if !oldest.IsReal() {
		OldestTransactionAgeSeconds.Set(0)
		return
	}
	OldestTransactionAgeSeconds.Set(oldestAge.Seconds())
	OldestTransactionAge.Observe(oldestAge.Seconds())
}

// MacroLogger counts macro-abort records written through next.
type MacroLogger struct {
	Next session.MacroLogger
}

func (m MacroLogger) LogMacroAbort(procID common.ProcID, dbtime common.DBTime) (common.LogPosition, error) {
	pos, err := m.Next.LogMacroAbort(procID, dbtime)
	if err != nil {
		MacroAbortsTotal.With("failed").Inc()
		return pos, err
	}
	MacroAbortsTotal.With("logged").Inc()
	return pos, nil
}
