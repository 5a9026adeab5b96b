package session

import "github.com/maxpert/trxbook/common"

// The methods below resolve a handle and forward to the session.

func (r *Registry) IncrementLevel(h Handle, trx common.TrxID) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	return s.IncrementLevel(trx)
}

func (r *Registry) DecrementLevel(h Handle) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	return s.DecrementLevel()
}

func (r *Registry) SetLevel(h Handle, level int) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	return s.SetLevel(level)
}

func (r *Registry) RegisterDeferredEntry(h Handle, entry common.EntryID, page common.PageNo) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	return s.RegisterDeferredEntry(entry, page)
}

func (r *Registry) DeregisterDeferredEntry(h Handle, entry common.EntryID) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	s.DeregisterDeferredEntry(entry)
	return nil
}

func (r *Registry) RegisterEntry(h Handle, entry common.EntryID, ref VersionRef) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	return s.RegisterEntry(entry, ref)
}

func (r *Registry) DeregisterEntry(h Handle, entry common.EntryID) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	s.DeregisterEntry(entry)
	return nil
}

// NearestEntry fails with ErrEntryNotFound when the session has no registered
// entries.
func (r *Registry) NearestEntry(h Handle, entry common.EntryID) (common.EntryID, VersionRef, error) {
	s, err := r.Session(h)
	if err != nil {
		return common.EntryIDNil, nil, err
	}
	key, ref, ok := s.NearestEntry(entry)
	if !ok {
		return common.EntryIDNil, nil, ErrEntryNotFound
	}
	return key, ref, nil
}

func (r *Registry) SetCachePriority(h Handle, raw []byte) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	return s.SetCachePriority(raw)
}

func (r *Registry) ResolvedCachePriority(h Handle, dbid common.DBID) (common.CachePriority, error) {
	s, err := r.Session(h)
	if err != nil {
		return common.CachePriorityUnassigned, err
	}
	return s.ResolvedCachePriority(dbid)
}

// DumpTransactionStack renders the session's open levels into the same
// fixed-size buffer used for sharing violation reports.
func (r *Registry) DumpTransactionStack(h Handle) (string, error) {
	s, err := r.Session(h)
	if err != nil {
		return "", err
	}
	return s.DumpTransactionStack(sharingViolationDumpSize, DefaultLineBreak)
}

func (r *Registry) OpenCursor(h Handle, kind CursorKind) (CursorID, error) {
	s, err := r.Session(h)
	if err != nil {
		return 0, err
	}
	return s.OpenCursor(kind), nil
}

func (r *Registry) CloseCursor(h Handle, cursor CursorID) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	return s.CloseCursor(cursor)
}

func (r *Registry) BeginMacro(h Handle, dbtime common.DBTime) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	return s.BeginMacro(dbtime)
}

func (r *Registry) EndMacro(h Handle, dbtime common.DBTime) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	return s.EndMacro(dbtime)
}

func (r *Registry) AbortAllMacros(h Handle, logEnd bool) error {
	s, err := r.Session(h)
	if err != nil {
		return err
	}
	return s.AbortAllMacros(logEnd)
}
