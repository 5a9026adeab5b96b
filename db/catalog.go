// Package db keeps the instance catalog of attached database files: which file
// occupies which DBID slot, its cache priority and whether it is in use.
package db

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/trxbook/common"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoFreeSlot           = errors.New("no free database slot")
	ErrAlreadyAttached      = errors.New("database already attached")
	ErrNotAttached          = errors.New("database not attached")
	ErrInvalidCachePriority = errors.New("invalid cache priority")
	ErrInvalidPath          = errors.New("invalid database path")
)

// ChangeFunc is called after a slot is attached, detached or reconfigured.
type ChangeFunc func(dbid common.DBID)

// Catalog maps DBID slots to database files.
type Catalog struct {
	maxSlots int
	store    CatalogStore

	slots  *xsync.MapOf[common.DBID, DatabaseRecord]
	byPath *xsync.MapOf[string, common.DBID]

	// mu serializes slot allocation and record updates. Readers go through
	// the lock-free maps.
	mu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []ChangeFunc

	now func() time.Time
}

// NewCatalog creates a catalog with maxSlots slots and loads the records
// already persisted in store.
func NewCatalog(maxSlots int, store CatalogStore) (*Catalog, error) {
	if maxSlots <= 0 || maxSlots > 256 {
		return nil, fmt.Errorf("catalog slots must be in [1, 256], got %d", maxSlots)
	}
	if store == nil {
		store = NewMemoryCatalogStore()
	}

	c := &Catalog{
		maxSlots: maxSlots,
		store:    store,
		slots:    xsync.NewMapOf[common.DBID, DatabaseRecord](),
		byPath:   xsync.NewMapOf[string, common.DBID](),
		now:      time.Now,
	}

	records, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	for _, rec := range records {
		if int(rec.DBID) >= maxSlots {
			log.Warn().
				Uint8("dbid", uint8(rec.DBID)).
				Str("path", rec.Path).
				Int("max_slots", maxSlots).
				Msg("Ignoring catalog record outside slot range")
			continue
		}
		c.slots.Store(rec.DBID, rec)
		c.byPath.Store(rec.Path, rec.DBID)
	}

	log.Info().Int("databases", c.slots.Size()).Int("max_slots", maxSlots).Msg("Catalog loaded")
	return c, nil
}

// OnChange registers fn to be called after every slot change. Callbacks run on
// the goroutine that made the change, with no catalog lock held.
func (c *Catalog) OnChange(fn ChangeFunc) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Catalog) notify(dbid common.DBID) {
	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(dbid)
	}
}

func validPriority(p common.CachePriority) error {
	if p.IsAssigned() && !p.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidCachePriority, p)
	}
	return nil
}

// Attach places the database at path into the lowest free slot. priority may
// be CachePriorityUnassigned.
func (c *Catalog) Attach(path string, priority common.CachePriority) (common.DBID, error) {
	if path == "" {
		return 0, ErrInvalidPath
	}
	if err := validPriority(priority); err != nil {
		return 0, err
	}

	c.mu.Lock()
	if dbid, ok := c.byPath.Load(path); ok {
		c.mu.Unlock()
		return dbid, fmt.Errorf("%w: %s in slot %d", ErrAlreadyAttached, path, dbid)
	}

	dbid, ok := c.freeSlotLocked()
	if !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: all %d slots used", ErrNoFreeSlot, c.maxSlots)
	}

	rec := DatabaseRecord{
		DBID:          dbid,
		Path:          path,
		CachePriority: priority,
		InUse:         true,
		AttachedAtNS:  c.now().UnixNano(),
	}
	if err := c.store.Put(rec); err != nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("persist catalog slot %d: %w", dbid, err)
	}
	c.slots.Store(dbid, rec)
	c.byPath.Store(path, dbid)
	c.mu.Unlock()

	log.Info().Uint8("dbid", uint8(dbid)).Str("path", path).Msg("Database attached")
	c.notify(dbid)
	return dbid, nil
}

func (c *Catalog) freeSlotLocked() (common.DBID, bool) {
	for i := 0; i < c.maxSlots; i++ {
		if _, used := c.slots.Load(common.DBID(i)); !used {
			return common.DBID(i), true
		}
	}
	return 0, false
}

// Detach frees a slot.
func (c *Catalog) Detach(dbid common.DBID) error {
	c.mu.Lock()
	rec, ok := c.slots.Load(dbid)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: slot %d", ErrNotAttached, dbid)
	}
	if err := c.store.Delete(dbid); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persist catalog slot %d: %w", dbid, err)
	}
	c.slots.Delete(dbid)
	c.byPath.Delete(rec.Path)
	c.mu.Unlock()

	log.Info().Uint8("dbid", uint8(dbid)).Str("path", rec.Path).Msg("Database detached")
	c.notify(dbid)
	return nil
}

func (c *Catalog) update(dbid common.DBID, fn func(*DatabaseRecord)) error {
	c.mu.Lock()
	rec, ok := c.slots.Load(dbid)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: slot %d", ErrNotAttached, dbid)
	}
	fn(&rec)
	if err := c.store.Put(rec); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persist catalog slot %d: %w", dbid, err)
	}
	c.slots.Store(dbid, rec)
	c.mu.Unlock()

	c.notify(dbid)
	return nil
}

// SetCachePriority changes the cache priority of an attached database.
func (c *Catalog) SetCachePriority(dbid common.DBID, priority common.CachePriority) error {
	if err := validPriority(priority); err != nil {
		return err
	}
	return c.update(dbid, func(rec *DatabaseRecord) {
		rec.CachePriority = priority
	})
}

// SetInUse marks an attached database as in use or not. Databases not in use
// contribute no cache priority preference.
func (c *Catalog) SetInUse(dbid common.DBID, inUse bool) error {
	return c.update(dbid, func(rec *DatabaseRecord) {
		rec.InUse = inUse
	})
}

// DatabaseCachePriority returns the configured priority of the database in
// slot dbid, or CachePriorityUnassigned when the slot is empty or not in use.
func (c *Catalog) DatabaseCachePriority(dbid common.DBID) common.CachePriority {
	rec, ok := c.slots.Load(dbid)
	if !ok || !rec.InUse {
		return common.CachePriorityUnassigned
	}
	return rec.CachePriority
}

// Get returns the record of a slot.
func (c *Catalog) Get(dbid common.DBID) (DatabaseRecord, bool) {
	return c.slots.Load(dbid)
}

// Lookup finds the slot holding path.
func (c *Catalog) Lookup(path string) (common.DBID, bool) {
	return c.byPath.Load(path)
}

// List returns every attached database ordered by DBID.
func (c *Catalog) List() []DatabaseRecord {
	out := make([]DatabaseRecord, 0, c.slots.Size())
	c.slots.Range(func(_ common.DBID, rec DatabaseRecord) bool {
		out = append(out, rec)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DBID < out[j].DBID })
	return out
}

// Len returns the number of attached databases.
func (c *Catalog) Len() int {
	return c.slots.Size()
}

// MaxSlots returns the number of slots.
func (c *Catalog) MaxSlots() int {
	return c.maxSlots
}

// Close closes the backing store.
func (c *Catalog) Close() error {
	return c.store.Close()
}
