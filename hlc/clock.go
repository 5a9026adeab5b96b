package hlc

import (
	"sync"
	"time"
)

// Clock implements a Hybrid Logical Clock. Every timestamp it hands out is
// strictly greater than the previous one even if the wall clock stalls or steps
// backwards, which keeps transaction begin times totally ordered per instance.
type Clock struct {
	instanceID uint64
	wallTime   int64
	logical    int32
	lastMS     int64 // logical resets when the millisecond changes
	mu         sync.Mutex
	physical   func() int64
}

// Timestamp represents a point in time on one instance
type Timestamp struct {
	WallTime   int64
	Logical    int32
	InstanceID uint64
}

// NewClock creates a new HLC instance
func NewClock(instanceID uint64) *Clock {
	return newClockWithSource(instanceID, func() int64 { return time.Now().UnixNano() })
}

func newClockWithSource(instanceID uint64, physical func() int64) *Clock {
	now := physical()
	return &Clock{
		instanceID: instanceID,
		wallTime:   now,
		lastMS:     now / 1_000_000,
		physical:   physical,
	}
}

// MaxLogical is the maximum value for logical counter before overflow
const MaxLogical = LogicalMask

// Now generates a new timestamp for a local event
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := c.physical()
	currentMS := physicalNow / 1_000_000

	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}

	if currentMS > c.lastMS {
		c.lastMS = currentMS
		c.logical = 0
	}

	// Exhausted this millisecond: wait for the next one so ToTxnID stays unique
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := c.physical()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{
		WallTime:   c.wallTime,
		Logical:    c.logical,
		InstanceID: c.instanceID,
	}
}

// IsZero reports whether the timestamp was never set
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0
}

// PhysicalTime returns the physical time component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

// String returns a human-readable representation
func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}

// LogicalBits is the number of bits reserved for logical counter in ids.
const LogicalBits = 16

// LogicalMask masks the logical counter
const LogicalMask = (1 << LogicalBits) - 1

// InstanceIDBits is the number of bits reserved for the instance id in ids.
const InstanceIDBits = 6

// InstanceIDMask masks the instance id
const InstanceIDMask = (1 << InstanceIDBits) - 1

// TotalShiftBits is the total bits to shift wall time
const TotalShiftBits = InstanceIDBits + LogicalBits

// ToTxnID converts a timestamp to a unique 64-bit id.
// Format: (physical_ms << 22) | (instance_id << 16) | logical
func (t Timestamp) ToTxnID() uint64 {
	physicalMS := uint64(t.WallTime / 1_000_000)
	instanceID := t.InstanceID & InstanceIDMask
	logical := uint64(t.Logical) & LogicalMask
	return (physicalMS << TotalShiftBits) | (instanceID << LogicalBits) | logical
}
