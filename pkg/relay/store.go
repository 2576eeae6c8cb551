package relay

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

const prefixRecord = "ord:"

// Store provides Pebble-based persistence for relayed orders, so a restarted
// relay still refuses to double-accept and can keep serving status queries.
type Store struct {
	db *pebble.DB
}

// NewStore opens a Pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(32 << 20), // 32MB cache
		MemTableSize:          16 << 20,                  // 16MB memtable
		L0CompactionThreshold: 2,
		MaxOpenFiles:          500,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(commitment common.Hash) []byte {
	return []byte(prefixRecord + commitment.Hex())
}

// SaveRecord persists one relayed order.
func (s *Store) SaveRecord(record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.db.Set(recordKey(record.Commitment), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// LoadRecords scans every persisted record.
func (s *Store) LoadRecords() (map[common.Hash]*Record, error) {
	prefix := []byte(prefixRecord)
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	upper[len(upper)-1]++

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open record iterator: %w", err)
	}
	defer iter.Close()

	records := make(map[common.Hash]*Record)
	for iter.First(); iter.Valid(); iter.Next() {
		var record Record
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			continue // skip invalid entries
		}
		records[record.Commitment] = &record
	}

	return records, nil
}
