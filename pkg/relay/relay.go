package relay

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hashfill/hashfill/pkg/settle"
	"github.com/hashfill/hashfill/pkg/util"
)

// OrderStatus is the relay's view of an order's lifecycle. Derived strictly
// from the settlement engine's events and the relay's own clock - never from
// client-asserted state.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Record is one relayed order plus its derived status.
type Record struct {
	Order      *settle.Order `json:"order"`
	Signature  []byte        `json:"signature"`
	Commitment common.Hash   `json:"commitment"`
	Status     OrderStatus   `json:"status"`
	Filled     *big.Int      `json:"filled"`
	CreatedAt  int64         `json:"createdAt"` // unix seconds
	UpdatedAt  int64         `json:"updatedAt"`
}

// snapshot copies a record so it can be read outside the relay mutex. The
// order and signature never change after acceptance and are shared; the
// mutable fields are copied.
func (rec *Record) snapshot() *Record {
	out := *rec
	if rec.Filled != nil {
		out.Filled = new(big.Int).Set(rec.Filled)
	}
	return &out
}

// Relay is the off-chain discovery layer: it accepts signed orders, persists
// them, and tracks their status by observing engine events. It never mutates
// ledger state; it is a read-only observer plus a conduit of signed orders
// into the fill executor.
type Relay struct {
	mu      sync.RWMutex
	engine  *settle.Engine
	clock   util.Clock
	log     *zap.SugaredLogger
	store   *Store // nil = in-memory only
	records map[common.Hash]*Record

	// OnUpdate, when set, receives every record transition (including first
	// acceptance). Called outside the relay mutex.
	OnUpdate func(*Record)
}

// Config collects the relay's collaborators.
type Config struct {
	Engine *settle.Engine
	Clock  util.Clock
	Store  *Store
	Logger *zap.SugaredLogger
}

// New creates a relay, reloading persisted records when a store is configured.
func New(cfg Config) (*Relay, error) {
	r := &Relay{
		engine:  cfg.Engine,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		store:   cfg.Store,
		records: make(map[common.Hash]*Record),
	}
	if r.clock == nil {
		r.clock = util.RealClock{}
	}
	if r.log == nil {
		r.log = zap.NewNop().Sugar()
	}

	if r.store != nil {
		records, err := r.store.LoadRecords()
		if err != nil {
			return nil, fmt.Errorf("failed to load relay records: %w", err)
		}
		r.records = records
	}

	return r, nil
}

// CreateOrder accepts a signed order after re-deriving its commitment and
// verifying the signature against the maker. Idempotent: re-submitting a
// known order returns the existing record with created=false.
func (r *Relay) CreateOrder(order *settle.Order, signature []byte) (*Record, bool, error) {
	if err := order.Validate(); err != nil {
		return nil, false, err
	}

	signer, err := r.engine.Verify(order, signature)
	if err != nil {
		return nil, false, err
	}
	if signer != order.Maker {
		return nil, false, fmt.Errorf("%w: signed by %s, maker is %s",
			settle.ErrInvalidSignature, signer.Hex(), order.Maker.Hex())
	}

	commitment, err := r.engine.Commitment(order)
	if err != nil {
		return nil, false, err
	}

	now := r.clock.Now().Unix()
	if now > order.Expiration {
		return nil, false, fmt.Errorf("%w: expired at %d", settle.ErrOrderExpired, order.Expiration)
	}

	r.mu.Lock()
	if existing, ok := r.records[commitment]; ok {
		snap := existing.snapshot()
		r.mu.Unlock()
		return snap, false, nil
	}

	record := &Record{
		Order:      order,
		Signature:  signature,
		Commitment: commitment,
		Status:     r.statusFromEngine(order, commitment),
		Filled:     r.engine.FilledAmount(commitment),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.records[commitment] = record
	if err := r.saveLocked(record); err != nil {
		delete(r.records, commitment)
		r.mu.Unlock()
		return nil, false, err
	}
	snap := record.snapshot()
	r.mu.Unlock()

	r.log.Infow("order_accepted", "commitment", commitment.Hex(), "maker", order.Maker.Hex())
	r.notify(snap)
	return snap, true, nil
}

// statusFromEngine derives an initial status for a newly seen order: it may
// already have fills or a cancellation from another relay's submissions.
func (r *Relay) statusFromEngine(order *settle.Order, commitment common.Hash) OrderStatus {
	if r.engine.IsCancelled(commitment) {
		return StatusCancelled
	}
	filled := r.engine.FilledAmount(commitment)
	switch {
	case filled.Sign() == 0:
		return StatusOpen
	case filled.Cmp(order.AmountSell) >= 0:
		return StatusFilled
	default:
		return StatusPartiallyFilled
	}
}

// ApplyEvent folds one engine event into the order store. Idempotent: the
// cumulative fill counter is re-read from the engine rather than summed from
// events, so re-observing an event after a crash cannot double-count.
func (r *Relay) ApplyEvent(ev settle.Event) {
	if ev.Kind != settle.EventOrderFilled && ev.Kind != settle.EventOrderCancelled {
		return
	}

	r.mu.Lock()
	record, ok := r.records[ev.Commitment]
	if !ok {
		r.mu.Unlock()
		return // order never relayed here
	}

	switch ev.Kind {
	case settle.EventOrderFilled:
		if record.Status == StatusCancelled {
			break // terminal
		}
		record.Filled = r.engine.FilledAmount(ev.Commitment)
		if record.Filled.Cmp(record.Order.AmountSell) >= 0 {
			record.Status = StatusFilled
		} else {
			record.Status = StatusPartiallyFilled
		}
	case settle.EventOrderCancelled:
		record.Status = StatusCancelled
	}
	record.UpdatedAt = r.clock.Now().Unix()
	if err := r.saveLocked(record); err != nil {
		r.log.Errorw("record_persist_failed", "commitment", ev.Commitment.Hex(), "err", err)
	}
	snap := record.snapshot()
	r.mu.Unlock()

	r.notify(snap)
}

// MarkExpired sweeps live records whose expiration has passed. Driven by the
// relay's own clock, as the engine emits no event for expiry.
func (r *Relay) MarkExpired() int {
	now := r.clock.Now().Unix()

	r.mu.Lock()
	var flipped []*Record
	for _, record := range r.records {
		if record.Status != StatusOpen && record.Status != StatusPartiallyFilled {
			continue
		}
		if now <= record.Order.Expiration {
			continue
		}
		record.Status = StatusExpired
		record.UpdatedAt = now
		if err := r.saveLocked(record); err != nil {
			r.log.Errorw("record_persist_failed", "commitment", record.Commitment.Hex(), "err", err)
		}
		flipped = append(flipped, record.snapshot())
	}
	r.mu.Unlock()

	for _, record := range flipped {
		r.notify(record)
	}
	return len(flipped)
}

// Get returns a copy of the record for a commitment. Callers never see the
// live record, so later event applications cannot race their reads.
func (r *Relay) Get(commitment common.Hash) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[commitment]
	if !ok {
		return nil, false
	}
	return record.snapshot(), true
}

// Filter selects records for listing. Zero values match everything.
type Filter struct {
	Maker  common.Address
	Status OrderStatus
}

// List returns copies of matching records, newest first.
func (r *Relay) List(f Filter) []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.records))
	for _, record := range r.records {
		if f.Maker != (common.Address{}) && record.Order.Maker != f.Maker {
			continue
		}
		if f.Status != "" && record.Status != f.Status {
			continue
		}
		out = append(out, record.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// Count returns the number of relayed orders.
func (r *Relay) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Run sweeps expirations until the context is done.
func (r *Relay) Run(done <-chan struct{}, interval time.Duration) {
	for {
		select {
		case <-done:
			return
		case <-r.clock.After(interval):
			if n := r.MarkExpired(); n > 0 {
				r.log.Infow("orders_expired", "count", n)
			}
		}
	}
}

// saveLocked persists one record. Caller holds the mutex.
func (r *Relay) saveLocked(record *Record) error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveRecord(record)
}

func (r *Relay) notify(record *Record) {
	if r.OnUpdate != nil {
		r.OnUpdate(record)
	}
}
