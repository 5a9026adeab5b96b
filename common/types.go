// Package common provides shared types used across the codebase.
// Identifier types and their sentinels are defined HERE and ONLY HERE so the
// session, watermark and catalog packages agree on ordering and "none" values.
package common

import (
	"fmt"
	"math"
	"strconv"
)

// TrxID identifies a transaction. Ids grow monotonically for the life of an instance.
type TrxID uint64

const (
	// TrxNone means "no transaction open". It sorts after every real id so a
	// session without an outermost transaction never holds the watermark back.
	TrxNone TrxID = math.MaxUint64

	// TrxPending is the placeholder pushed for levels entered before their real
	// id is known. It is reconciled by the next real id supplied for the session.
	TrxPending TrxID = math.MaxUint64 - 1

	// TrxIDHalfRange is half of the transaction id space. The oldest active
	// transaction may never be further ahead of the newest id than this.
	TrxIDHalfRange TrxID = math.MaxUint64 / 2
)

// IsReal reports whether the id names an actual transaction.
func (t TrxID) IsReal() bool {
	return t != TrxNone && t != TrxPending
}

func (t TrxID) String() string {
	switch t {
	case TrxNone:
		return "none"
	case TrxPending:
		return "pending"
	default:
		return strconv.FormatUint(uint64(t), 10)
	}
}

// TrxCmp compares two transaction ids.
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func TrxCmp(a, b TrxID) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// TrxUpperBound returns newest + TrxIDHalfRange, saturating below the sentinels.
func TrxUpperBound(newest TrxID) TrxID {
	if newest > TrxPending-1-TrxIDHalfRange {
		return TrxPending - 1
	}
	return newest + TrxIDHalfRange
}

// ProcID identifies a session within an instance. Auto-assigned ids start at 1.
type ProcID uint32

// ProcIDNil asks the registry to pick the first free id.
const ProcIDNil ProcID = 0

// DBID is a database slot index within an instance.
type DBID uint8

// EntryID identifies a version-store change entry (RCE).
type EntryID uint64

// EntryIDNil is never a valid registered entry.
const EntryIDNil EntryID = 0

// PageNo is a database page number.
type PageNo uint32

// DBTime is a per-database logical timestamp used to tag multi-step operations.
type DBTime uint64

// DBTimeNil marks a macro slot that has not been started.
const DBTimeNil DBTime = 0

// LogPosition is a position in the engine log.
type LogPosition struct {
	Generation uint32
	Offset     uint64
}

func (p LogPosition) String() string {
	return fmt.Sprintf("%08X:%016X", p.Generation, p.Offset)
}
