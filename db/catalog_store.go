package db

import (
	"github.com/maxpert/trxbook/common"
)

// DatabaseRecord describes a database file attached to a catalog slot.
type DatabaseRecord struct {
	DBID          common.DBID          `msgpack:"dbid" json:"dbid"`
	Path          string               `msgpack:"path" json:"path"`
	CachePriority common.CachePriority `msgpack:"cache_priority" json:"cache_priority"`
	InUse         bool                 `msgpack:"in_use" json:"in_use"`
	AttachedAtNS  int64                `msgpack:"attached_at_ns" json:"attached_at_ns"`
}

// CatalogStore persists catalog records.
type CatalogStore interface {
	Put(rec DatabaseRecord) error
	Delete(dbid common.DBID) error
	// List returns every record ordered by DBID.
	List() ([]DatabaseRecord, error)
	Close() error
}
