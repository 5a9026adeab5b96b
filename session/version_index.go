package session

import (
	"fmt"

	"github.com/maxpert/trxbook/common"
	"github.com/tidwall/btree"
)

// VersionRef is an opaque reference to a version-store entry. The index never
// owns or dereferences it.
type VersionRef = any

// VersionIndex is an ordered map of version-store change entries owned by one
// session, keyed by entry id.
type VersionIndex[V any] struct {
	tree btree.Map[common.EntryID, V]
}

// NewVersionIndex creates an empty index.
func NewVersionIndex[V any]() *VersionIndex[V] {
	return &VersionIndex[V]{}
}

// Register adds id. Registering an id twice fails with ErrDuplicateKey.
func (x *VersionIndex[V]) Register(id common.EntryID, v V) error {
	if id == common.EntryIDNil {
		return ErrInvalidEntry
	}
	if _, ok := x.tree.Get(id); ok {
		return fmt.Errorf("%w: entry %d", ErrDuplicateKey, id)
	}
	x.tree.Set(id, v)
	return nil
}

// Deregister removes id if present and reports whether it was.
func (x *VersionIndex[V]) Deregister(id common.EntryID) bool {
	_, ok := x.tree.Delete(id)
	return ok
}

// Get returns the value registered under id.
func (x *VersionIndex[V]) Get(id common.EntryID) (V, bool) {
	return x.tree.Get(id)
}

// Clear removes every entry.
func (x *VersionIndex[V]) Clear() {
	x.tree = btree.Map[common.EntryID, V]{}
}

// Len returns the number of registered entries.
func (x *VersionIndex[V]) Len() int {
	return x.tree.Len()
}

// AssertEmpty fails with ErrLogicError when entries remain.
func (x *VersionIndex[V]) AssertEmpty() error {
	if n := x.tree.Len(); n > 0 {
		return fmt.Errorf("%w: %d entries still registered", ErrLogicError, n)
	}
	return nil
}

// Nearest returns the smallest entry >= id, or the largest entry below id when
// nothing is at or above it. It only fails on an empty index.
func (x *VersionIndex[V]) Nearest(id common.EntryID) (common.EntryID, V, bool) {
	var (
		key   common.EntryID
		val   V
		found bool
	)
	x.tree.Ascend(id, func(k common.EntryID, v V) bool {
		key, val, found = k, v, true
		return false
	})
	if found {
		return key, val, true
	}
	x.tree.Descend(id, func(k common.EntryID, v V) bool {
		key, val, found = k, v, true
		return false
	})
	return key, val, found
}

// Ascend calls fn for each entry in ascending id order until fn returns false.
func (x *VersionIndex[V]) Ascend(fn func(id common.EntryID, v V) bool) {
	x.tree.Scan(fn)
}
