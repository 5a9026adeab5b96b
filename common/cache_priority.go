package common

import "math"

// CachePriority is a buffer cache priority in tenths of a percent.
type CachePriority uint16

const (
	CachePriorityMin CachePriority = 0
	CachePriorityMax CachePriority = 1000

	// CachePriorityUnassigned means no preference at this level; the next
	// level in the precedence chain decides.
	CachePriorityUnassigned CachePriority = math.MaxUint16
)

// IsAssigned reports whether a concrete preference was set.
func (p CachePriority) IsAssigned() bool {
	return p != CachePriorityUnassigned
}

// IsValid reports whether p is inside the valid range.
func (p CachePriority) IsValid() bool {
	return p >= CachePriorityMin && p <= CachePriorityMax
}

// CachePriorityFromUint32 validates a raw value coming from a caller buffer.
func CachePriorityFromUint32(v uint32) (CachePriority, bool) {
	if v > uint32(CachePriorityMax) {
		return CachePriorityUnassigned, false
	}
	return CachePriority(v), true
}
