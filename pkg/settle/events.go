package settle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind identifies the four settlement events the engine emits.
type EventKind string

const (
	EventDeposit        EventKind = "deposit"
	EventWithdrawal     EventKind = "withdrawal"
	EventOrderFilled    EventKind = "order_filled"
	EventOrderCancelled EventKind = "order_cancelled"
)

// Event describes a committed state change. Events are the only
// cross-component signal: the engine hands them to an injected sink and never
// touches a transport itself. Re-delivery after a crash is possible, so
// consumers apply events idempotently keyed by (commitment, kind).
type Event struct {
	Kind       EventKind      `json:"kind"`
	Owner      common.Address `json:"owner,omitempty"`      // deposit/withdrawal
	Asset      common.Address `json:"asset,omitempty"`      // deposit/withdrawal
	Amount     *big.Int       `json:"amount,omitempty"`     // quantity moved or filled
	Commitment common.Hash    `json:"commitment,omitempty"` // fill/cancel
	Filler     common.Address `json:"filler,omitempty"`     // fill
	Maker      common.Address `json:"maker,omitempty"`      // cancel
	Timestamp  int64          `json:"timestamp"`            // unix seconds at commit
}
