package session

import "sync/atomic"

// Quota bounds the number of live sessions.
type Quota interface {
	Acquire() bool
	Release()
	Max() int
	InUse() int
}

// SlotQuota is a counting quota.
type SlotQuota struct {
	max   int64
	inUse atomic.Int64
}

// NewSlotQuota creates a quota allowing limit concurrent sessions.
func NewSlotQuota(limit int) *SlotQuota {
	return &SlotQuota{max: int64(limit)}
}

// Acquire takes a slot, reporting false when none is free.
func (q *SlotQuota) Acquire() bool {
	for {
		cur := q.inUse.Load()
		if cur >= q.max {
			return false
		}
		if q.inUse.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot.
func (q *SlotQuota) Release() {
	for {
		cur := q.inUse.Load()
		if cur == 0 {
			return
		}
		if q.inUse.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Max returns the quota size.
func (q *SlotQuota) Max() int {
	return int(q.max)
}

// InUse returns the number of slots taken.
func (q *SlotQuota) InUse() int {
	return int(q.inUse.Load())
}
