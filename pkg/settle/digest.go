package settle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// CancelDigest is the message a maker signs to authorize cancelling an order
// remotely (over the API or gossip). Prefixed so an order signature can never
// be replayed as a cancellation, and vice versa.
func CancelDigest(commitment common.Hash) common.Hash {
	return ethcrypto.Keccak256Hash([]byte("\x19HashFill cancel:\n32"), commitment.Bytes())
}

// FillDigest is the message a filler signs to authorize debiting their own
// balance for a fill of exactly amount against the committed order. Binding
// the amount keeps a relay from stretching a small authorization into a
// larger fill.
func FillDigest(commitment common.Hash, amount *big.Int) common.Hash {
	return ethcrypto.Keccak256Hash([]byte("\x19HashFill fill:\n64"),
		commitment.Bytes(), common.BigToHash(amount).Bytes())
}
