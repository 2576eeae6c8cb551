package settle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Vault is the external custody boundary. Deposits pull value in from it,
// withdrawals push value out to it; the ledger itself never creates or
// destroys quantity any other way.
//
// The engine updates its own bookkeeping strictly before TransferOut is
// invoked, so a reentrant withdrawal observes the already-decremented balance
// and cannot double-spend.
type Vault interface {
	// TransferIn moves amount of asset from owner's external custody into the
	// settlement program's custody.
	TransferIn(owner, asset common.Address, amount *big.Int) error
	// TransferOut moves amount of asset from the settlement program's custody
	// back to owner's external custody.
	TransferOut(owner, asset common.Address, amount *big.Int) error
}

// UnbackedVault is a vault with no external backing: every transfer succeeds.
// Used for devnets and tests where custody is simulated.
type UnbackedVault struct{}

func (UnbackedVault) TransferIn(owner, asset common.Address, amount *big.Int) error  { return nil }
func (UnbackedVault) TransferOut(owner, asset common.Address, amount *big.Int) error { return nil }
