package settle

import (
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store provides Pebble-based persistence for the three permanent settlement
// tables: balances, fill counters, and cancellation flags. Replay protection
// requires permanence, so nothing here is ever garbage collected.
// Thread-safe: all writes go through the Engine's mutex.
type Store struct {
	db *pebble.DB
}

// NewStore opens a Pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10, // 512KB
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

// LoadBalances scans every ledger entry.
func (s *Store) LoadBalances() (map[common.Address]map[common.Address]*big.Int, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open balance iterator: %w", err)
	}
	defer iter.Close()

	balances := make(map[common.Address]map[common.Address]*big.Int)
	for iter.First(); iter.Valid(); iter.Next() {
		owner, asset, err := balanceKeyParse(iter.Key())
		if err != nil {
			continue // skip invalid entries
		}
		amount, ok := new(big.Int).SetString(string(iter.Value()), 10)
		if !ok {
			continue
		}
		if balances[owner] == nil {
			balances[owner] = make(map[common.Address]*big.Int)
		}
		balances[owner][asset] = amount
	}

	return balances, nil
}

// LoadFilled scans every fill counter.
func (s *Store) LoadFilled() (map[common.Hash]*big.Int, error) {
	prefix := []byte(prefixFilled)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open fill iterator: %w", err)
	}
	defer iter.Close()

	filled := make(map[common.Hash]*big.Int)
	for iter.First(); iter.Valid(); iter.Next() {
		commitment, err := commitmentFromKey(iter.Key(), prefixFilled)
		if err != nil {
			continue
		}
		amount, ok := new(big.Int).SetString(string(iter.Value()), 10)
		if !ok {
			continue
		}
		filled[commitment] = amount
	}

	return filled, nil
}

// LoadCancelled scans every cancellation flag.
func (s *Store) LoadCancelled() (map[common.Hash]bool, error) {
	prefix := []byte(prefixCancelled)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cancel iterator: %w", err)
	}
	defer iter.Close()

	cancelled := make(map[common.Hash]bool)
	for iter.First(); iter.Valid(); iter.Next() {
		commitment, err := commitmentFromKey(iter.Key(), prefixCancelled)
		if err != nil {
			continue
		}
		cancelled[commitment] = true
	}

	return cancelled, nil
}

// BatchWrite stages the pebble mutations of one settlement call so they
// commit atomically: a fill's four balance legs and its fill counter land
// together or not at all.
type BatchWrite struct {
	batch *pebble.Batch
}

// NewBatch creates a new batch writer.
func (s *Store) NewBatch() *BatchWrite {
	return &BatchWrite{batch: s.db.NewBatch()}
}

// SetBalance stages a ledger entry write.
func (bw *BatchWrite) SetBalance(owner, asset common.Address, amount *big.Int) error {
	return bw.batch.Set(balanceKey(owner, asset), []byte(amount.Text(10)), nil)
}

// SetFilled stages a fill counter write.
func (bw *BatchWrite) SetFilled(commitment common.Hash, amount *big.Int) error {
	return bw.batch.Set(filledKey(commitment), []byte(amount.Text(10)), nil)
}

// SetCancelled stages a cancellation flag write.
func (bw *BatchWrite) SetCancelled(commitment common.Hash) error {
	return bw.batch.Set(cancelledKey(commitment), []byte{1}, nil)
}

// Commit writes the batch to Pebble atomically.
func (bw *BatchWrite) Commit() error {
	return bw.batch.Commit(pebble.Sync)
}

// Close closes the batch without committing.
func (bw *BatchWrite) Close() error {
	return bw.batch.Close()
}
