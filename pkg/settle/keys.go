package settle

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Prefix-based so each of the three permanent tables can
// be range-scanned independently on startup.
const (
	prefixBalance   = "bal:"  // (owner, asset) balance
	prefixFilled    = "fill:" // per-commitment cumulative amount sold
	prefixCancelled = "cxl:"  // per-commitment cancellation flag
)

// balanceKey returns the key for a ledger entry.
// Format: "bal:{owner}:{asset}"
func balanceKey(owner, asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, owner.Hex(), asset.Hex()))
}

// balanceKeyParse extracts (owner, asset) from a balance key.
func balanceKeyParse(key []byte) (common.Address, common.Address, error) {
	parts := strings.Split(strings.TrimPrefix(string(key), prefixBalance), ":")
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
		return common.Address{}, common.Address{}, fmt.Errorf("invalid balance key: %s", key)
	}
	return common.HexToAddress(parts[0]), common.HexToAddress(parts[1]), nil
}

// filledKey returns the key for a fill counter.
// Format: "fill:{commitment}"
func filledKey(commitment common.Hash) []byte {
	return []byte(prefixFilled + commitment.Hex())
}

// cancelledKey returns the key for a cancellation flag.
// Format: "cxl:{commitment}"
func cancelledKey(commitment common.Hash) []byte {
	return []byte(prefixCancelled + commitment.Hex())
}

// commitmentFromKey extracts the commitment hash from a fill or cancel key.
func commitmentFromKey(key []byte, prefix string) (common.Hash, error) {
	rest := strings.TrimPrefix(string(key), prefix)
	if len(rest) != 66 { // "0x" + 64 hex chars
		return common.Hash{}, fmt.Errorf("invalid commitment key: %s", key)
	}
	return common.HexToHash(rest), nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
