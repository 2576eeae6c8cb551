package settle

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hashfill/hashfill/pkg/crypto"
	"github.com/hashfill/hashfill/pkg/util"
)

// DefaultMaxBatchSize bounds fillOrdersBatch / cancelOrdersBatch.
const DefaultMaxBatchSize = 16

// Engine is the settlement program: the balance ledger, the per-commitment
// fill counters, and the cancellation registry, plus the fill and batch
// executors that mutate them.
//
// One mutex serializes every public call, so each call runs to completion
// with exclusive access to shared state and its mutations either all apply or
// none do. All checks happen before any mutation; failures are immediate and
// total rollback of that call's effects.
type Engine struct {
	mu     sync.Mutex
	hasher *Hasher
	clock  util.Clock
	vault  Vault
	store  *Store // nil = in-memory only
	log    *zap.SugaredLogger

	maxBatch int

	balances  map[common.Address]map[common.Address]*big.Int // owner -> asset -> quantity (>= 0)
	filled    map[common.Hash]*big.Int                       // commitment -> cumulative amount sold
	cancelled map[common.Hash]bool                           // commitment -> permanently barred

	// OnEvent, when set, receives every committed event. Called outside the
	// engine mutex so a consumer may call back into the engine.
	OnEvent func(Event)
}

// EngineConfig collects the engine's collaborators. Zero values get sane
// defaults: real clock, unbacked vault, no persistence, nop logger.
type EngineConfig struct {
	Domain       crypto.EIP712Domain
	Clock        util.Clock
	Vault        Vault
	Store        *Store
	MaxBatchSize int
	Logger       *zap.SugaredLogger
}

// NewEngine creates an engine and, when a store is configured, reloads the
// three permanent tables from it so replay protection survives restarts.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	e := &Engine{
		hasher:    NewHasher(cfg.Domain),
		clock:     cfg.Clock,
		vault:     cfg.Vault,
		store:     cfg.Store,
		log:       cfg.Logger,
		maxBatch:  cfg.MaxBatchSize,
		balances:  make(map[common.Address]map[common.Address]*big.Int),
		filled:    make(map[common.Hash]*big.Int),
		cancelled: make(map[common.Hash]bool),
	}
	if e.clock == nil {
		e.clock = util.RealClock{}
	}
	if e.vault == nil {
		e.vault = UnbackedVault{}
	}
	if e.maxBatch <= 0 {
		e.maxBatch = DefaultMaxBatchSize
	}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}

	if e.store != nil {
		var err error
		if e.balances, err = e.store.LoadBalances(); err != nil {
			return nil, fmt.Errorf("failed to load balances: %w", err)
		}
		if e.filled, err = e.store.LoadFilled(); err != nil {
			return nil, fmt.Errorf("failed to load fill counters: %w", err)
		}
		if e.cancelled, err = e.store.LoadCancelled(); err != nil {
			return nil, fmt.Errorf("failed to load cancellations: %w", err)
		}
	}

	return e, nil
}

// MaxBatchSize returns the configured batch bound.
func (e *Engine) MaxBatchSize() int { return e.maxBatch }

// Commitment computes the order's domain-separated digest. Read-only; exposed
// so takers and relays can validate orders before submission.
func (e *Engine) Commitment(order *Order) (common.Hash, error) {
	return e.hasher.Commitment(order)
}

// Verify recovers the identity that signed the order's commitment.
// Read-only. Returns ErrMalformedSignature when the signature cannot be
// parsed into its expected 65-byte shape.
func (e *Engine) Verify(order *Order, signature []byte) (common.Address, error) {
	return e.hasher.RecoverSigner(order, signature)
}

// ==============================
// Journal (per-call undo log)
// ==============================

type balanceUndo struct {
	owner, asset common.Address
	prev         *big.Int // nil = entry did not exist
}

type fillUndo struct {
	commitment common.Hash
	prev       *big.Int // nil = counter did not exist
}

// journal records the state a call overwrites so a failed batch (or a failed
// persist) can restore it exactly. Entries replay in reverse on rollback.
type journal struct {
	balances []balanceUndo
	fills    []fillUndo
	cancels  []common.Hash // flags newly set by this call
}

func (e *Engine) rollback(j *journal) {
	for i := len(j.cancels) - 1; i >= 0; i-- {
		delete(e.cancelled, j.cancels[i])
	}
	for i := len(j.fills) - 1; i >= 0; i-- {
		u := j.fills[i]
		if u.prev == nil {
			delete(e.filled, u.commitment)
		} else {
			e.filled[u.commitment] = u.prev
		}
	}
	for i := len(j.balances) - 1; i >= 0; i-- {
		u := j.balances[i]
		if u.prev == nil {
			delete(e.balances[u.owner], u.asset)
		} else {
			e.balances[u.owner][u.asset] = u.prev
		}
	}
}

// persist writes every entry the journal touched to pebble in one atomic
// batch. No-op without a store.
func (e *Engine) persist(j *journal) error {
	if e.store == nil {
		return nil
	}
	bw := e.store.NewBatch()
	defer bw.Close()

	for _, u := range j.balances {
		if err := bw.SetBalance(u.owner, u.asset, e.balanceLocked(u.owner, u.asset)); err != nil {
			return err
		}
	}
	for _, u := range j.fills {
		if err := bw.SetFilled(u.commitment, e.filledLocked(u.commitment)); err != nil {
			return err
		}
	}
	for _, c := range j.cancels {
		if err := bw.SetCancelled(c); err != nil {
			return err
		}
	}
	return bw.Commit()
}

// balanceLocked returns the live ledger quantity (zero if absent).
// Caller holds the mutex.
func (e *Engine) balanceLocked(owner, asset common.Address) *big.Int {
	if byAsset, ok := e.balances[owner]; ok {
		if q, ok := byAsset[asset]; ok {
			return q
		}
	}
	return big.NewInt(0)
}

func (e *Engine) filledLocked(commitment common.Hash) *big.Int {
	if q, ok := e.filled[commitment]; ok {
		return q
	}
	return big.NewInt(0)
}

// adjustBalance applies a signed delta to a ledger entry, journaling the
// previous value. Callers check sufficiency first; the ledger never goes
// negative.
func (e *Engine) adjustBalance(j *journal, owner, asset common.Address, delta *big.Int) {
	byAsset, ok := e.balances[owner]
	if !ok {
		byAsset = make(map[common.Address]*big.Int)
		e.balances[owner] = byAsset
	}

	prev, exists := byAsset[asset]
	undo := balanceUndo{owner: owner, asset: asset}
	if exists {
		undo.prev = prev
	}
	j.balances = append(j.balances, undo)

	next := new(big.Int)
	if exists {
		next.Set(prev)
	}
	next.Add(next, delta)
	byAsset[asset] = next
}

func (e *Engine) advanceFill(j *journal, commitment common.Hash, amount *big.Int) *big.Int {
	prev, exists := e.filled[commitment]
	undo := fillUndo{commitment: commitment}
	if exists {
		undo.prev = prev
	}
	j.fills = append(j.fills, undo)

	next := new(big.Int)
	if exists {
		next.Set(prev)
	}
	next.Add(next, amount)
	e.filled[commitment] = next
	return next
}

// ==============================
// Custody: deposit / withdraw
// ==============================

// Deposit moves amount of asset from the owner's external custody into the
// ledger. All-or-nothing: a vault failure leaves the ledger untouched.
func (e *Engine) Deposit(owner, asset common.Address, amount *big.Int) error {
	if asset == (common.Address{}) {
		return fmt.Errorf("%w: zero asset identifier", ErrInvalidAsset)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit must be positive", ErrInvalidAmount)
	}

	// Pull from external custody first; the ledger entry is only created once
	// the external move succeeded.
	if err := e.vault.TransferIn(owner, asset, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.mu.Lock()
	var j journal
	e.adjustBalance(&j, owner, asset, amount)
	if err := e.persist(&j); err != nil {
		e.rollback(&j)
		e.mu.Unlock()
		return fmt.Errorf("failed to persist deposit: %w", err)
	}
	e.mu.Unlock()

	e.log.Infow("deposit", "owner", owner.Hex(), "asset", asset.Hex(), "amount", amount.String())
	e.notify(Event{
		Kind:      EventDeposit,
		Owner:     owner,
		Asset:     asset,
		Amount:    new(big.Int).Set(amount),
		Timestamp: e.clock.Now().Unix(),
	})
	return nil
}

// Withdraw moves amount of asset from the ledger back to external custody.
// The ledger is decremented strictly before the vault is invoked, so a
// reentrant withdrawal observes the reduced balance and cannot double-spend.
// A vault failure restores the entry and fails the call.
func (e *Engine) Withdraw(owner, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdrawal must be positive", ErrInvalidAmount)
	}

	e.mu.Lock()
	if e.balanceLocked(owner, asset).Cmp(amount) < 0 {
		have := e.balanceLocked(owner, asset).String()
		e.mu.Unlock()
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, have, amount.String())
	}
	var j journal
	e.adjustBalance(&j, owner, asset, new(big.Int).Neg(amount))
	if err := e.persist(&j); err != nil {
		e.rollback(&j)
		e.mu.Unlock()
		return fmt.Errorf("failed to persist withdrawal: %w", err)
	}
	e.mu.Unlock()

	if err := e.vault.TransferOut(owner, asset, amount); err != nil {
		// Restore the entry: the external move never happened.
		e.mu.Lock()
		var restore journal
		e.adjustBalance(&restore, owner, asset, amount)
		if perr := e.persist(&restore); perr != nil {
			e.rollback(&restore)
			e.mu.Unlock()
			return fmt.Errorf("failed to persist withdrawal restore: %w", perr)
		}
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.log.Infow("withdrawal", "owner", owner.Hex(), "asset", asset.Hex(), "amount", amount.String())
	e.notify(Event{
		Kind:      EventWithdrawal,
		Owner:     owner,
		Asset:     asset,
		Amount:    new(big.Int).Set(amount),
		Timestamp: e.clock.Now().Unix(),
	})
	return nil
}

// ==============================
// Fill executor
// ==============================

// FillReceipt describes one committed fill.
type FillReceipt struct {
	Commitment    common.Hash    `json:"commitment"`
	Filler        common.Address `json:"filler"`
	AmountFilled  *big.Int       `json:"amountFilled"`  // units of AssetSell
	CounterAmount *big.Int       `json:"counterAmount"` // units of AssetBuy, floor-rounded
	TotalFilled   *big.Int       `json:"totalFilled"`   // cumulative for the order
	Status        OrderStatus    `json:"status"`
}

// FillOrder executes amountToFill units of the order's AssetSell against the
// caller. Checks run in a fixed sequence (expiration, taker authorization,
// cancellation, signature, remaining capacity, balances) and must all pass
// before any mutation; the four balance legs and the fill counter then commit
// together.
func (e *Engine) FillOrder(caller common.Address, order *Order, amountToFill *big.Int, signature []byte) (*FillReceipt, error) {
	e.mu.Lock()
	var j journal
	receipt, event, err := e.fillLocked(&j, caller, order, amountToFill, signature)
	if err != nil {
		e.rollback(&j)
		e.mu.Unlock()
		return nil, err
	}
	if err := e.persist(&j); err != nil {
		e.rollback(&j)
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to persist fill: %w", err)
	}
	e.mu.Unlock()

	e.log.Infow("order_filled",
		"commitment", receipt.Commitment.Hex(),
		"filler", caller.Hex(),
		"amount", receipt.AmountFilled.String(),
		"counter_amount", receipt.CounterAmount.String(),
		"total_filled", receipt.TotalFilled.String())
	e.notify(event)
	return receipt, nil
}

// fillLocked validates and applies a single fill under the engine mutex,
// journaling every mutation. The check order is load-bearing: expiration
// before authorization before cancellation before signature before capacity
// before funds.
func (e *Engine) fillLocked(j *journal, caller common.Address, order *Order, amountToFill *big.Int, signature []byte) (*FillReceipt, Event, error) {
	if err := order.Validate(); err != nil {
		return nil, Event{}, err
	}
	if amountToFill == nil || amountToFill.Sign() <= 0 {
		return nil, Event{}, fmt.Errorf("%w: fill amount must be positive", ErrInvalidAmount)
	}

	now := e.clock.Now().Unix()
	if now > order.Expiration {
		return nil, Event{}, fmt.Errorf("%w: expired at %d, now %d", ErrOrderExpired, order.Expiration, now)
	}

	if !order.Open() && order.Taker != caller {
		return nil, Event{}, fmt.Errorf("%w: order reserved for %s", ErrNotAuthorizedTaker, order.Taker.Hex())
	}

	commitment, err := e.hasher.Commitment(order)
	if err != nil {
		return nil, Event{}, err
	}
	if e.cancelled[commitment] {
		return nil, Event{}, fmt.Errorf("%w: %s", ErrOrderAlreadyCancelled, commitment.Hex())
	}

	signer, err := e.hasher.RecoverSigner(order, signature)
	if err != nil {
		return nil, Event{}, err
	}
	if signer != order.Maker {
		return nil, Event{}, fmt.Errorf("%w: signed by %s, maker is %s",
			ErrInvalidSignature, signer.Hex(), order.Maker.Hex())
	}

	remaining := new(big.Int).Sub(order.AmountSell, e.filledLocked(commitment))
	if remaining.Cmp(amountToFill) < 0 {
		return nil, Event{}, fmt.Errorf("%w: remaining %s, requested %s",
			ErrInsufficientOrderRemaining, remaining.String(), amountToFill.String())
	}

	// counterAmount = floor(amountBuy * amountToFill / amountSell).
	// Residual dust accrues to the maker across repeated partial fills and is
	// never refunded.
	counterAmount := new(big.Int).Mul(order.AmountBuy, amountToFill)
	counterAmount.Quo(counterAmount, order.AmountSell)

	if e.balanceLocked(order.Maker, order.AssetSell).Cmp(amountToFill) < 0 {
		return nil, Event{}, fmt.Errorf("%w: maker holds %s of %s, fill needs %s",
			ErrMakerInsufficientBalance,
			e.balanceLocked(order.Maker, order.AssetSell).String(),
			order.AssetSell.Hex(), amountToFill.String())
	}
	if e.balanceLocked(caller, order.AssetBuy).Cmp(counterAmount) < 0 {
		return nil, Event{}, fmt.Errorf("%w: taker holds %s of %s, fill needs %s",
			ErrTakerInsufficientBalance,
			e.balanceLocked(caller, order.AssetBuy).String(),
			order.AssetBuy.Hex(), counterAmount.String())
	}

	// Four-way balance update: maker loses AssetSell, gains AssetBuy; the
	// caller mirrors it. Conservation: each asset's total is unchanged.
	e.adjustBalance(j, order.Maker, order.AssetSell, new(big.Int).Neg(amountToFill))
	e.adjustBalance(j, caller, order.AssetSell, amountToFill)
	e.adjustBalance(j, caller, order.AssetBuy, new(big.Int).Neg(counterAmount))
	e.adjustBalance(j, order.Maker, order.AssetBuy, counterAmount)

	total := e.advanceFill(j, commitment, amountToFill)

	status := StatusPartiallyFilled
	if total.Cmp(order.AmountSell) == 0 {
		status = StatusFullyFilled
	}

	receipt := &FillReceipt{
		Commitment:    commitment,
		Filler:        caller,
		AmountFilled:  new(big.Int).Set(amountToFill),
		CounterAmount: counterAmount,
		TotalFilled:   new(big.Int).Set(total),
		Status:        status,
	}
	event := Event{
		Kind:       EventOrderFilled,
		Commitment: commitment,
		Filler:     caller,
		Maker:      order.Maker,
		Amount:     new(big.Int).Set(amountToFill),
		Timestamp:  now,
	}
	return receipt, event, nil
}

// ==============================
// Batch executor
// ==============================

// FillOrdersBatch applies the fills in array order as one atomic unit.
// Fail-fast: the first rejection rolls back every prior fill in the batch and
// the whole call has no effect.
func (e *Engine) FillOrdersBatch(caller common.Address, orders []*Order, amounts []*big.Int, signatures [][]byte) ([]*FillReceipt, error) {
	if len(orders) != len(amounts) || len(orders) != len(signatures) {
		return nil, fmt.Errorf("%w: %d orders, %d amounts, %d signatures",
			ErrArrayLengthMismatch, len(orders), len(amounts), len(signatures))
	}
	if len(orders) > e.maxBatch {
		return nil, fmt.Errorf("%w: %d > max %d", ErrTooManyOrders, len(orders), e.maxBatch)
	}

	e.mu.Lock()
	var j journal
	receipts := make([]*FillReceipt, 0, len(orders))
	events := make([]Event, 0, len(orders))
	for i := range orders {
		receipt, event, err := e.fillLocked(&j, caller, orders[i], amounts[i], signatures[i])
		if err != nil {
			e.rollback(&j)
			e.mu.Unlock()
			return nil, fmt.Errorf("batch fill %d: %w", i, err)
		}
		receipts = append(receipts, receipt)
		events = append(events, event)
	}
	if err := e.persist(&j); err != nil {
		e.rollback(&j)
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}
	e.mu.Unlock()

	e.log.Infow("batch_filled", "filler", caller.Hex(), "fills", len(receipts))
	for _, ev := range events {
		e.notify(ev)
	}
	return receipts, nil
}

// ==============================
// Cancellation registry
// ==============================

// CancelOrder permanently bars the order's commitment from further execution.
// Maker-only; idempotent (a repeat cancel re-emits the event and nothing else).
func (e *Engine) CancelOrder(caller common.Address, order *Order) (common.Hash, error) {
	e.mu.Lock()
	var j journal
	commitment, event, err := e.cancelLocked(&j, caller, order)
	if err != nil {
		e.mu.Unlock()
		return common.Hash{}, err
	}
	if err := e.persist(&j); err != nil {
		e.rollback(&j)
		e.mu.Unlock()
		return common.Hash{}, fmt.Errorf("failed to persist cancel: %w", err)
	}
	e.mu.Unlock()

	e.log.Infow("order_cancelled", "commitment", commitment.Hex(), "maker", caller.Hex())
	e.notify(event)
	return commitment, nil
}

func (e *Engine) cancelLocked(j *journal, caller common.Address, order *Order) (common.Hash, Event, error) {
	if order == nil {
		return common.Hash{}, Event{}, fmt.Errorf("%w: missing order", ErrInvalidOrder)
	}
	if caller != order.Maker {
		return common.Hash{}, Event{}, fmt.Errorf("%w: caller %s, maker %s",
			ErrOnlyMakerCanCancel, caller.Hex(), order.Maker.Hex())
	}

	commitment, err := e.hasher.Commitment(order)
	if err != nil {
		return common.Hash{}, Event{}, err
	}

	if !e.cancelled[commitment] {
		e.cancelled[commitment] = true
		j.cancels = append(j.cancels, commitment)
	}

	event := Event{
		Kind:       EventOrderCancelled,
		Commitment: commitment,
		Maker:      order.Maker,
		Timestamp:  e.clock.Now().Unix(),
	}
	return commitment, event, nil
}

// CancelOrdersBatch cancels up to MaxBatchSize orders. The maker check runs
// over the whole batch before anything is flagged, so a single foreign order
// fails the call with no partial cancellation.
func (e *Engine) CancelOrdersBatch(caller common.Address, orders []*Order) ([]common.Hash, error) {
	if len(orders) > e.maxBatch {
		return nil, fmt.Errorf("%w: %d > max %d", ErrTooManyOrders, len(orders), e.maxBatch)
	}
	for i, order := range orders {
		if order == nil {
			return nil, fmt.Errorf("batch cancel %d: %w: missing order", i, ErrInvalidOrder)
		}
		if caller != order.Maker {
			return nil, fmt.Errorf("batch cancel %d: %w: caller %s, maker %s",
				i, ErrOnlyMakerCanCancel, caller.Hex(), order.Maker.Hex())
		}
	}

	e.mu.Lock()
	var j journal
	commitments := make([]common.Hash, 0, len(orders))
	events := make([]Event, 0, len(orders))
	for i, order := range orders {
		commitment, event, err := e.cancelLocked(&j, caller, order)
		if err != nil {
			e.rollback(&j)
			e.mu.Unlock()
			return nil, fmt.Errorf("batch cancel %d: %w", i, err)
		}
		commitments = append(commitments, commitment)
		events = append(events, event)
	}
	if err := e.persist(&j); err != nil {
		e.rollback(&j)
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to persist batch cancel: %w", err)
	}
	e.mu.Unlock()

	e.log.Infow("batch_cancelled", "maker", caller.Hex(), "orders", len(commitments))
	for _, ev := range events {
		e.notify(ev)
	}
	return commitments, nil
}

// ==============================
// Queries
// ==============================

// BalanceOf returns the ledger quantity for (owner, asset). Never negative.
func (e *Engine) BalanceOf(owner, asset common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.balanceLocked(owner, asset))
}

// FilledAmount returns the cumulative amount of AssetSell executed for a
// commitment. Monotonically non-decreasing, bounded by the order's AmountSell.
func (e *Engine) FilledAmount(commitment common.Hash) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.filledLocked(commitment))
}

// IsCancelled reports whether a commitment is permanently barred.
func (e *Engine) IsCancelled(commitment common.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[commitment]
}

// StatusOf derives the order's lifecycle state from the registry and fill
// counter. Cancellation dominates: a cancelled order reports Cancelled even
// if it was partially filled first.
func (e *Engine) StatusOf(order *Order) (OrderStatus, common.Hash, error) {
	commitment, err := e.hasher.Commitment(order)
	if err != nil {
		return StatusUnseen, common.Hash{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled[commitment] {
		return StatusCancelled, commitment, nil
	}
	filled := e.filledLocked(commitment)
	switch {
	case filled.Sign() == 0:
		return StatusUnseen, commitment, nil
	case filled.Cmp(order.AmountSell) >= 0:
		return StatusFullyFilled, commitment, nil
	default:
		return StatusPartiallyFilled, commitment, nil
	}
}

func (e *Engine) notify(ev Event) {
	if e.OnEvent != nil {
		e.OnEvent(ev)
	}
}
