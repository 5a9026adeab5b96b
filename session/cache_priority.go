package session

import (
	"encoding/binary"
	"fmt"

	"github.com/maxpert/trxbook/common"
)

// DatabaseMetadata reports per-database cache priority preferences.
// Implementations return CachePriorityUnassigned for slots that are not
// allocated or not in use.
type DatabaseMetadata interface {
	DatabaseCachePriority(dbid common.DBID) common.CachePriority
}

// InstancePriority supplies the instance-wide default cache priority.
type InstancePriority interface {
	InstanceCachePriority() common.CachePriority
}

// StaticInstancePriority is a fixed instance default.
type StaticInstancePriority common.CachePriority

// InstanceCachePriority implements InstancePriority.
func (p StaticInstancePriority) InstanceCachePriority() common.CachePriority {
	return common.CachePriority(p)
}

type noDatabases struct{}

func (noDatabases) DatabaseCachePriority(common.DBID) common.CachePriority {
	return common.CachePriorityUnassigned
}

// ResolveCachePriority merges the three preference levels. The instance
// default only applies when neither the session nor the database has a
// preference; when both do, the smaller one wins.
func ResolveCachePriority(session, database, instance common.CachePriority) common.CachePriority {
	switch {
	case !session.IsAssigned() && !database.IsAssigned():
		return instance
	case !session.IsAssigned():
		return database
	case !database.IsAssigned():
		return session
	default:
		return min(session, database)
	}
}

// SetCachePriority sets the session override from a raw 4-byte little-endian
// value and re-resolves every database slot.
func (s *Session) SetCachePriority(raw []byte) error {
	if len(raw) != 4 {
		return fmt.Errorf("%w: got %d bytes, want 4", ErrInvalidBufferSize, len(raw))
	}
	return s.SetCachePriorityValue(binary.LittleEndian.Uint32(raw))
}

// SetCachePriorityValue sets the session override and re-resolves every
// database slot.
func (s *Session) SetCachePriorityValue(v uint32) error {
	p, ok := common.CachePriorityFromUint32(v)
	if !ok {
		return fmt.Errorf("%w: cache priority %d outside [%d, %d]",
			ErrInvalidParameter, v, common.CachePriorityMin, common.CachePriorityMax)
	}

	s.priorityMu.Lock()
	defer s.priorityMu.Unlock()

	s.cachePriority = p
	for dbid := range s.resolved {
		s.resolveLocked(common.DBID(dbid))
	}
	return nil
}

// ResolveCachePriorityForDB recomputes the cached priority of one database slot.
func (s *Session) ResolveCachePriorityForDB(dbid common.DBID) {
	s.priorityMu.Lock()
	defer s.priorityMu.Unlock()
	if int(dbid) < len(s.resolved) {
		s.resolveLocked(dbid)
	}
}

func (s *Session) resolveAll() {
	s.priorityMu.Lock()
	defer s.priorityMu.Unlock()
	for dbid := range s.resolved {
		s.resolveLocked(common.DBID(dbid))
	}
}

func (s *Session) resolveLocked(dbid common.DBID) {
	s.resolved[dbid] = ResolveCachePriority(
		s.cachePriority,
		s.reg.deps.Databases.DatabaseCachePriority(dbid),
		s.reg.deps.Instance.InstanceCachePriority(),
	)
}

// ResolvedCachePriority returns the cached effective priority for dbid.
func (s *Session) ResolvedCachePriority(dbid common.DBID) (common.CachePriority, error) {
	s.priorityMu.Lock()
	defer s.priorityMu.Unlock()
	if int(dbid) >= len(s.resolved) {
		return common.CachePriorityUnassigned, fmt.Errorf("%w: database slot %d", ErrInvalidParameter, dbid)
	}
	return s.resolved[dbid], nil
}

// CachePriority returns the raw session override, possibly unassigned.
func (s *Session) CachePriority() common.CachePriority {
	s.priorityMu.Lock()
	defer s.priorityMu.Unlock()
	return s.cachePriority
}

// EffectiveCachePriority returns the session override, or the instance
// default when the session has none.
func (s *Session) EffectiveCachePriority() common.CachePriority {
	s.priorityMu.Lock()
	p := s.cachePriority
	s.priorityMu.Unlock()

	if p.IsAssigned() {
		return p
	}
	return s.reg.deps.Instance.InstanceCachePriority()
}
