// file: tests/settlement_e2e_test.go
package tests

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hashfill/hashfill/pkg/crypto"
	"github.com/hashfill/hashfill/pkg/relay"
	"github.com/hashfill/hashfill/pkg/settle"
)

// End-to-end flow: maker signs an order off-chain, the relay accepts it, a
// taker settles it in parts through the engine, and the relay's view tracks
// every transition. Finally the whole node state is reopened from disk.

var (
	wETH = common.HexToAddress("0x00000000000000000000000000000000000000E1")
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000C2")
)

type e2eClock struct {
	now time.Time
}

func (c *e2eClock) Now() time.Time                         { return c.now }
func (c *e2eClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func TestSwapLifecycle(t *testing.T) {
	dir := t.TempDir()
	clock := &e2eClock{now: time.Unix(1_700_000_000, 0)}

	settleStore, err := settle.NewStore(filepath.Join(dir, "settle.db"))
	if err != nil {
		t.Fatalf("open settle store: %v", err)
	}
	relayStore, err := relay.NewStore(filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatalf("open relay store: %v", err)
	}

	engine, err := settle.NewEngine(settle.EngineConfig{
		Domain: crypto.DefaultDomain(),
		Clock:  clock,
		Store:  settleStore,
	})
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	rly, err := relay.New(relay.Config{Engine: engine, Clock: clock, Store: relayStore})
	if err != nil {
		t.Fatalf("create relay: %v", err)
	}
	engine.OnEvent = rly.ApplyEvent

	maker, _ := crypto.GenerateKey()
	taker, _ := crypto.GenerateKey()

	// Custody: maker sells 10 wETH for 20000 USDC plus a 1-wETH follow-up
	// order; taker brings the USDC for both.
	if err := engine.Deposit(maker.Address(), wETH, big.NewInt(11)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Deposit(taker.Address(), usdc, big.NewInt(22_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	salt, _ := crypto.GenerateSalt()
	order := &settle.Order{
		Maker:      maker.Address(),
		AssetSell:  wETH,
		AssetBuy:   usdc,
		AmountSell: big.NewInt(10),
		AmountBuy:  big.NewInt(20_000),
		Expiration: clock.now.Add(time.Hour).Unix(),
		Salt:       salt,
	}

	commitment, err := engine.Commitment(order)
	if err != nil {
		t.Fatalf("commitment: %v", err)
	}
	sig, err := maker.Sign(commitment.Bytes())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	record, created, err := rly.CreateOrder(order, sig)
	if err != nil || !created {
		t.Fatalf("relay accept: created=%v err=%v", created, err)
	}
	if record.Status != relay.StatusOpen {
		t.Fatalf("status = %s, want OPEN", record.Status)
	}

	// First partial fill: 4 wETH for 8000 USDC.
	receipt, err := engine.FillOrder(taker.Address(), order, big.NewInt(4), sig)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if receipt.CounterAmount.Int64() != 8_000 {
		t.Errorf("counter = %s, want 8000", receipt.CounterAmount)
	}
	if record, _ = rly.Get(commitment); record.Status != relay.StatusPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", record.Status)
	}

	// Remainder through the batch path alongside a second order.
	salt2, _ := crypto.GenerateSalt()
	order2 := &settle.Order{
		Maker:      maker.Address(),
		AssetSell:  wETH,
		AssetBuy:   usdc,
		AmountSell: big.NewInt(1),
		AmountBuy:  big.NewInt(2_000),
		Expiration: order.Expiration,
		Salt:       salt2,
	}
	c2, _ := engine.Commitment(order2)
	sig2, _ := maker.Sign(c2.Bytes())

	receipts, err := engine.FillOrdersBatch(
		taker.Address(),
		[]*settle.Order{order, order2},
		[]*big.Int{big.NewInt(6), big.NewInt(1)},
		[][]byte{sig, sig2},
	)
	if err != nil {
		t.Fatalf("batch fill: %v", err)
	}
	if receipts[0].Status != settle.StatusFullyFilled {
		t.Errorf("order status = %s, want fully_filled", receipts[0].Status)
	}
	if record, _ = rly.Get(commitment); record.Status != relay.StatusFilled {
		t.Errorf("relay status = %s, want FILLED", record.Status)
	}

	// Final ledger: all 10 wETH and a 1-wETH follow-up crossed, with value
	// conserved per asset.
	if got := engine.BalanceOf(maker.Address(), usdc); got.Int64() != 22_000 {
		t.Errorf("maker usdc = %s, want 22000", got)
	}
	if got := engine.BalanceOf(taker.Address(), wETH); got.Int64() != 11 {
		t.Errorf("taker weth = %s, want 11", got)
	}
	if got := engine.BalanceOf(taker.Address(), usdc); got.Int64() != 0 {
		t.Errorf("taker usdc = %s, want 0", got)
	}

	// Maker withdraws proceeds.
	if err := engine.Withdraw(maker.Address(), usdc, big.NewInt(22_000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if err := settleStore.Close(); err != nil {
		t.Fatalf("close settle store: %v", err)
	}
	if err := relayStore.Close(); err != nil {
		t.Fatalf("close relay store: %v", err)
	}

	// Restart: both stores reload and the fill counters still bound replay.
	settleStore2, err := settle.NewStore(filepath.Join(dir, "settle.db"))
	if err != nil {
		t.Fatalf("reopen settle store: %v", err)
	}
	t.Cleanup(func() { settleStore2.Close() })
	relayStore2, err := relay.NewStore(filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatalf("reopen relay store: %v", err)
	}
	t.Cleanup(func() { relayStore2.Close() })

	engine2, err := settle.NewEngine(settle.EngineConfig{
		Domain: crypto.DefaultDomain(),
		Clock:  clock,
		Store:  settleStore2,
	})
	if err != nil {
		t.Fatalf("recreate engine: %v", err)
	}
	rly2, err := relay.New(relay.Config{Engine: engine2, Clock: clock, Store: relayStore2})
	if err != nil {
		t.Fatalf("recreate relay: %v", err)
	}

	if got := engine2.FilledAmount(commitment); got.Int64() != 10 {
		t.Errorf("reloaded fill counter = %s, want 10", got)
	}
	if record, ok := rly2.Get(commitment); !ok || record.Status != relay.StatusFilled {
		t.Errorf("reloaded relay record = %+v", record)
	}
	if _, err := engine2.FillOrder(taker.Address(), order, big.NewInt(1), sig); err == nil {
		t.Error("overfill accepted after restart")
	}
}

func TestCancelPropagatesToRelay(t *testing.T) {
	clock := &e2eClock{now: time.Unix(1_700_000_000, 0)}
	engine, err := settle.NewEngine(settle.EngineConfig{Domain: crypto.DefaultDomain(), Clock: clock})
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	rly, err := relay.New(relay.Config{Engine: engine, Clock: clock})
	if err != nil {
		t.Fatalf("create relay: %v", err)
	}
	engine.OnEvent = rly.ApplyEvent

	maker, _ := crypto.GenerateKey()
	taker, _ := crypto.GenerateKey()
	salt, _ := crypto.GenerateSalt()
	order := &settle.Order{
		Maker:      maker.Address(),
		AssetSell:  wETH,
		AssetBuy:   usdc,
		AmountSell: big.NewInt(5),
		AmountBuy:  big.NewInt(10_000),
		Expiration: clock.now.Add(time.Hour).Unix(),
		Salt:       salt,
	}
	commitment, _ := engine.Commitment(order)
	sig, _ := maker.Sign(commitment.Bytes())

	if _, _, err := rly.CreateOrder(order, sig); err != nil {
		t.Fatalf("relay accept: %v", err)
	}
	if _, err := engine.CancelOrder(maker.Address(), order); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if record, _ := rly.Get(commitment); record.Status != relay.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", record.Status)
	}

	// Funded or not, a cancelled order can never settle again.
	if err := engine.Deposit(maker.Address(), wETH, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Deposit(taker.Address(), usdc, big.NewInt(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.FillOrder(taker.Address(), order, big.NewInt(1), sig); err == nil {
		t.Error("fill accepted after cancel")
	}
}
