package relay

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hashfill/hashfill/pkg/crypto"
	"github.com/hashfill/hashfill/pkg/settle"
)

var (
	assetA = common.HexToAddress("0xA000000000000000000000000000000000000001")
	assetB = common.HexToAddress("0xB000000000000000000000000000000000000002")
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type fixture struct {
	engine *settle.Engine
	relay  *Relay
	clock  *fakeClock
	maker  *crypto.Signer
	taker  *crypto.Signer
}

func newFixture(t *testing.T, store *Store) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	engine, err := settle.NewEngine(settle.EngineConfig{
		Domain: crypto.DefaultDomain(),
		Clock:  clock,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	r, err := New(Config{Engine: engine, Clock: clock, Store: store})
	if err != nil {
		t.Fatalf("failed to create relay: %v", err)
	}
	engine.OnEvent = r.ApplyEvent

	maker, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	taker, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	return &fixture{engine: engine, relay: r, clock: clock, maker: maker, taker: taker}
}

func (f *fixture) order(t *testing.T, salt int64) (*settle.Order, []byte) {
	t.Helper()
	order := &settle.Order{
		Maker:      f.maker.Address(),
		AssetSell:  assetA,
		AssetBuy:   assetB,
		AmountSell: big.NewInt(100),
		AmountBuy:  big.NewInt(200),
		Expiration: 1_700_003_600,
		Salt:       big.NewInt(salt),
	}
	commitment, err := f.engine.Commitment(order)
	if err != nil {
		t.Fatalf("failed to hash order: %v", err)
	}
	sig, err := f.maker.Sign(commitment.Bytes())
	if err != nil {
		t.Fatalf("failed to sign order: %v", err)
	}
	return order, sig
}

func TestCreateOrderAcceptsAndDeduplicates(t *testing.T) {
	f := newFixture(t, nil)
	order, sig := f.order(t, 1)

	record, created, err := f.relay.CreateOrder(order, sig)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !created {
		t.Error("first submission not marked created")
	}
	if record.Status != StatusOpen {
		t.Errorf("status = %s, want OPEN", record.Status)
	}

	again, created, err := f.relay.CreateOrder(order, sig)
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if created {
		t.Error("resubmission marked created")
	}
	if again.Commitment != record.Commitment {
		t.Error("resubmission produced a different record")
	}
	if f.relay.Count() != 1 {
		t.Errorf("count = %d, want 1", f.relay.Count())
	}
}

func TestCreateOrderRejectsBadSubmissions(t *testing.T) {
	f := newFixture(t, nil)
	order, _ := f.order(t, 1)

	// Signed by someone other than the maker.
	imposter, _ := crypto.GenerateKey()
	commitment, _ := f.engine.Commitment(order)
	forged, _ := imposter.Sign(commitment.Bytes())
	if _, _, err := f.relay.CreateOrder(order, forged); !errors.Is(err, settle.ErrInvalidSignature) {
		t.Errorf("forged: err = %v, want ErrInvalidSignature", err)
	}

	// Unparseable signature bytes.
	if _, _, err := f.relay.CreateOrder(order, []byte{1}); !errors.Is(err, settle.ErrMalformedSignature) {
		t.Errorf("malformed: err = %v, want ErrMalformedSignature", err)
	}

	// Already past expiration by the relay's clock.
	stale, staleSig := f.order(t, 2)
	f.clock.now = time.Unix(stale.Expiration+1, 0)
	if _, _, err := f.relay.CreateOrder(stale, staleSig); !errors.Is(err, settle.ErrOrderExpired) {
		t.Errorf("stale: err = %v, want ErrOrderExpired", err)
	}
}

func TestStatusFollowsEngineEvents(t *testing.T) {
	f := newFixture(t, nil)
	order, sig := f.order(t, 1)

	if err := f.engine.Deposit(f.maker.Address(), assetA, big.NewInt(100)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := f.engine.Deposit(f.taker.Address(), assetB, big.NewInt(200)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	record, _, err := f.relay.CreateOrder(order, sig)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := f.engine.FillOrder(f.taker.Address(), order, big.NewInt(40), sig); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if record, _ = f.relay.Get(record.Commitment); record.Status != StatusPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", record.Status)
	}
	if record.Filled.Int64() != 40 {
		t.Errorf("filled = %s, want 40", record.Filled)
	}

	// Re-observing the same event must not double-count: filled is re-read
	// from the engine, not summed.
	f.relay.ApplyEvent(settle.Event{
		Kind:       settle.EventOrderFilled,
		Commitment: record.Commitment,
		Amount:     big.NewInt(40),
	})
	if record, _ = f.relay.Get(record.Commitment); record.Filled.Int64() != 40 {
		t.Errorf("replayed event changed filled to %s", record.Filled)
	}

	if _, err := f.engine.FillOrder(f.taker.Address(), order, big.NewInt(60), sig); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if record, _ = f.relay.Get(record.Commitment); record.Status != StatusFilled {
		t.Errorf("status = %s, want FILLED", record.Status)
	}
}

func TestCancelledIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	order, sig := f.order(t, 1)

	record, _, err := f.relay.CreateOrder(order, sig)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := f.engine.CancelOrder(f.maker.Address(), order); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if record, _ = f.relay.Get(record.Commitment); record.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", record.Status)
	}

	// A stray fill event after cancellation must not revive the record.
	f.relay.ApplyEvent(settle.Event{
		Kind:       settle.EventOrderFilled,
		Commitment: record.Commitment,
		Amount:     big.NewInt(1),
	})
	if record, _ = f.relay.Get(record.Commitment); record.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED (terminal)", record.Status)
	}
}

func TestMarkExpired(t *testing.T) {
	f := newFixture(t, nil)
	order, sig := f.order(t, 1)

	record, _, err := f.relay.CreateOrder(order, sig)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if n := f.relay.MarkExpired(); n != 0 {
		t.Errorf("premature expiry: %d records", n)
	}

	f.clock.now = time.Unix(order.Expiration+1, 0)
	if n := f.relay.MarkExpired(); n != 1 {
		t.Errorf("expired %d records, want 1", n)
	}
	if record, _ = f.relay.Get(record.Commitment); record.Status != StatusExpired {
		t.Errorf("status = %s, want EXPIRED", record.Status)
	}
}

func TestListFilters(t *testing.T) {
	f := newFixture(t, nil)

	o1, s1 := f.order(t, 1)
	o2, s2 := f.order(t, 2)
	if _, _, err := f.relay.CreateOrder(o1, s1); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, _, err := f.relay.CreateOrder(o2, s2); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if got := len(f.relay.List(Filter{})); got != 2 {
		t.Errorf("unfiltered = %d, want 2", got)
	}
	if got := len(f.relay.List(Filter{Maker: f.maker.Address()})); got != 2 {
		t.Errorf("by maker = %d, want 2", got)
	}
	if got := len(f.relay.List(Filter{Maker: f.taker.Address()})); got != 0 {
		t.Errorf("foreign maker = %d, want 0", got)
	}
	if got := len(f.relay.List(Filter{Status: StatusOpen})); got != 2 {
		t.Errorf("open = %d, want 2", got)
	}
}

func TestRecordsSurviveRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")

	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	f := newFixture(t, store)
	order, sig := f.order(t, 1)
	record, _, err := f.relay.CreateOrder(order, sig)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	store2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	t.Cleanup(func() { store2.Close() })

	f2 := newFixture(t, store2)
	reloaded, ok := f2.relay.Get(record.Commitment)
	if !ok {
		t.Fatal("record lost across restart")
	}
	if reloaded.Status != StatusOpen {
		t.Errorf("status = %s, want OPEN", reloaded.Status)
	}
	if reloaded.Order.AmountSell.Int64() != 100 {
		t.Errorf("amountSell = %s, want 100", reloaded.Order.AmountSell)
	}
}

func TestReadsAreSnapshots(t *testing.T) {
	f := newFixture(t, nil)
	order, sig := f.order(t, 1)

	if err := f.engine.Deposit(f.maker.Address(), assetA, big.NewInt(100)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := f.engine.Deposit(f.taker.Address(), assetB, big.NewInt(200)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	record, _, err := f.relay.CreateOrder(order, sig)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	before, _ := f.relay.Get(record.Commitment)

	if _, err := f.engine.FillOrder(f.taker.Address(), order, big.NewInt(40), sig); err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	// A record fetched before the fill is a copy; the transition must not
	// bleed into it.
	if before.Status != StatusOpen {
		t.Errorf("earlier read mutated: status = %s, want OPEN", before.Status)
	}
	if before.Filled.Sign() != 0 {
		t.Errorf("earlier read mutated: filled = %s, want 0", before.Filled)
	}

	// Writing through a returned record must not touch the relay's copy.
	after, _ := f.relay.Get(record.Commitment)
	after.Status = StatusCancelled
	after.Filled.SetInt64(999)

	check, _ := f.relay.Get(record.Commitment)
	if check.Status != StatusPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", check.Status)
	}
	if check.Filled.Int64() != 40 {
		t.Errorf("filled = %s, want 40", check.Filled)
	}
}
