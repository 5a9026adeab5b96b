package db

import (
	"sort"

	"github.com/maxpert/trxbook/common"
	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryCatalogStore keeps catalog records in a lock-free map. Nothing
// survives a restart.
type MemoryCatalogStore struct {
	records *xsync.MapOf[common.DBID, DatabaseRecord]
}

var _ CatalogStore = (*MemoryCatalogStore)(nil)

// NewMemoryCatalogStore creates an empty in-memory store.
func NewMemoryCatalogStore() *MemoryCatalogStore {
	return &MemoryCatalogStore{
		records: xsync.NewMapOf[common.DBID, DatabaseRecord](),
	}
}

func (s *MemoryCatalogStore) Put(rec DatabaseRecord) error {
	s.records.Store(rec.DBID, rec)
	return nil
}

func (s *MemoryCatalogStore) Delete(dbid common.DBID) error {
	s.records.Delete(dbid)
	return nil
}

func (s *MemoryCatalogStore) List() ([]DatabaseRecord, error) {
	out := make([]DatabaseRecord, 0, s.records.Size())
	s.records.Range(func(_ common.DBID, rec DatabaseRecord) bool {
		out = append(out, rec)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DBID < out[j].DBID })
	return out, nil
}

func (s *MemoryCatalogStore) Close() error {
	return nil
}
