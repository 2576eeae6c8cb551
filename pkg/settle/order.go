package settle

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hashfill/hashfill/pkg/crypto"
)

// Order is a maker's signed intent to exchange a fixed quantity of AssetSell
// for AssetBuy before Expiration. Never mutated once signed; the commitment
// (EIP-712 digest), not the struct, is the key used everywhere internally.
type Order struct {
	Maker      common.Address `json:"maker"`
	Taker      common.Address `json:"taker"`      // zero address = open order, anyone may fill
	AssetSell  common.Address `json:"assetSell"`  // must not be the zero address
	AssetBuy   common.Address `json:"assetBuy"`   // must not be the zero address
	AmountSell *big.Int       `json:"amountSell"` // positive; total quantity offered
	AmountBuy  *big.Int       `json:"amountBuy"`  // positive; wanted for the full AmountSell
	Expiration int64          `json:"expiration"` // unix seconds; invalid strictly after
	Salt       *big.Int       `json:"salt"`
}

// Open reports whether any caller may fill the order.
func (o *Order) Open() bool {
	return o.Taker == (common.Address{})
}

// Validate checks the structural invariants of an order before any
// signature or state work is done. Safe on a nil receiver so a missing order
// in a decoded request surfaces as a rejection, not a panic.
func (o *Order) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: missing order", ErrInvalidOrder)
	}
	if o.AssetSell == (common.Address{}) || o.AssetBuy == (common.Address{}) {
		return fmt.Errorf("%w: zero asset identifier", ErrInvalidAsset)
	}
	if o.AmountSell == nil || o.AmountSell.Sign() <= 0 {
		return fmt.Errorf("%w: amountSell must be positive", ErrInvalidAmount)
	}
	if o.AmountBuy == nil || o.AmountBuy.Sign() <= 0 {
		return fmt.Errorf("%w: amountBuy must be positive", ErrInvalidAmount)
	}
	if o.Salt == nil {
		return fmt.Errorf("%w: missing salt", ErrInvalidAmount)
	}
	return nil
}

// ToEIP712 converts the order to its typed-data shape for hashing and signing.
func (o *Order) ToEIP712() *crypto.OrderEIP712 {
	return &crypto.OrderEIP712{
		Maker:      o.Maker,
		Taker:      o.Taker,
		AssetSell:  o.AssetSell,
		AssetBuy:   o.AssetBuy,
		AmountSell: o.AmountSell,
		AmountBuy:  o.AmountBuy,
		Expiration: big.NewInt(o.Expiration),
		Salt:       o.Salt,
	}
}

// OrderStatus is the per-commitment lifecycle state.
type OrderStatus int8

const (
	StatusUnseen OrderStatus = iota
	StatusPartiallyFilled
	StatusFullyFilled
	StatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusUnseen:
		return "unseen"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFullyFilled:
		return "fully_filled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Hasher computes order commitments and recovers signers under one
// EIP-712 domain.
type Hasher struct {
	signer *crypto.EIP712Signer
}

// NewHasher creates a Hasher bound to the given domain.
func NewHasher(domain crypto.EIP712Domain) *Hasher {
	return &Hasher{signer: crypto.NewEIP712Signer(domain)}
}

// Commitment returns the domain-separated digest of every order field.
func (h *Hasher) Commitment(o *Order) (common.Hash, error) {
	if o == nil {
		return common.Hash{}, fmt.Errorf("%w: missing order", ErrInvalidOrder)
	}
	digest, err := h.signer.HashOrder(o.ToEIP712())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// RecoverSigner returns the identity that produced signature over the order's
// commitment. Malformed signature encodings surface as ErrMalformedSignature.
func (h *Hasher) RecoverSigner(o *Order, signature []byte) (common.Address, error) {
	if o == nil {
		return common.Address{}, fmt.Errorf("%w: missing order", ErrInvalidOrder)
	}
	signer, err := h.signer.RecoverOrderSigner(o.ToEIP712(), signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return signer, nil
}
