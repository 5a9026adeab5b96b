package db

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/trxbook/common"
	"github.com/maxpert/trxbook/encoding"
	"github.com/rs/zerolog/log"
)

// Key layout: /catalog/db/{dbid:02x}
const pebblePrefixCatalog = "/catalog/db/"

// PebbleCatalogStoreOptions configures the Pebble-backed catalog store.
type PebbleCatalogStoreOptions struct {
	CacheSizeMB int64 // Block cache size
	Sync        bool  // fsync every write
}

// PebbleCatalogStore persists catalog records in Pebble.
type PebbleCatalogStore struct {
	db     *pebble.DB
	path   string
	wo     *pebble.WriteOptions
	closed atomic.Bool
}

var _ CatalogStore = (*PebbleCatalogStore)(nil)

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// NewPebbleCatalogStore opens (or creates) a catalog store at path.
func NewPebbleCatalogStore(path string, opts PebbleCatalogStoreOptions) (*PebbleCatalogStore, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 8
	}
	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB will hold reference

	db, err := pebble.Open(path, &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble catalog: %w", err)
	}

	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	return &PebbleCatalogStore{db: db, path: path, wo: wo}, nil
}

func catalogKey(dbid common.DBID) []byte {
	return []byte(fmt.Sprintf("%s%02x", pebblePrefixCatalog, uint8(dbid)))
}

func (s *PebbleCatalogStore) Put(rec DatabaseRecord) error {
	data, err := encoding.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode catalog record %d: %w", rec.DBID, err)
	}
	return s.db.Set(catalogKey(rec.DBID), data, s.wo)
}

func (s *PebbleCatalogStore) Delete(dbid common.DBID) error {
	return s.db.Delete(catalogKey(dbid), s.wo)
}

func (s *PebbleCatalogStore) List() ([]DatabaseRecord, error) {
	prefix := []byte(pebblePrefixCatalog)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []DatabaseRecord
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var rec DatabaseRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupt catalog record")
			continue
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// Close flushes and closes the store. Closing twice is a no-op.
func (s *PebbleCatalogStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix)+8)
	copy(upper, prefix)
	for i := len(prefix); i < len(upper); i++ {
		upper[i] = 0xFF
	}
	return upper
}
