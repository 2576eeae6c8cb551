package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain is the domain separator for typed-data hashing. It binds every
// commitment to one settlement program instance and version, so a signed order
// cannot be replayed against a different deployment.
type EIP712Domain struct {
	Name              string         // Protocol name (e.g., "HashFill")
	Version           string         // Protocol version (e.g., "1")
	ChainID           *big.Int       // Chain ID (1337 for local dev)
	VerifyingContract common.Address // Settlement program address (zero for off-chain)
}

// OrderEIP712 is the typed-data shape of a swap order that makers sign in
// their wallets. Taker is the zero address for open orders.
type OrderEIP712 struct {
	Maker      common.Address // Order originator (must match recovered signer)
	Taker      common.Address // Required counterparty, or zero = anyone may fill
	AssetSell  common.Address // Asset the maker gives up
	AssetBuy   common.Address // Asset the maker wants
	AmountSell *big.Int       // Total quantity of AssetSell offered
	AmountBuy  *big.Int       // Quantity of AssetBuy wanted for the full AmountSell
	Expiration *big.Int       // Unix seconds; order invalid strictly after this
	Salt       *big.Int       // Caller-chosen nonce, makes identical orders distinct
}

// EIP712Signer hashes and verifies orders under one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a typed-data signer with the given domain.
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the default HashFill signing domain.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "HashFill",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

func (e *EIP712Signer) orderTypes() apitypes.Types {
	return apitypes.Types{
		"EIP712Domain": []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"Order": []apitypes.Type{
			{Name: "maker", Type: "address"},
			{Name: "taker", Type: "address"},
			{Name: "assetSell", Type: "address"},
			{Name: "assetBuy", Type: "address"},
			{Name: "amountSell", Type: "uint256"},
			{Name: "amountBuy", Type: "uint256"},
			{Name: "expiration", Type: "uint256"},
			{Name: "salt", Type: "uint256"},
		},
	}
}

func (e *EIP712Signer) orderMessage(order *OrderEIP712) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"maker":      order.Maker.Hex(),
		"taker":      order.Taker.Hex(),
		"assetSell":  order.AssetSell.Hex(),
		"assetBuy":   order.AssetBuy.Hex(),
		"amountSell": order.AmountSell.String(),
		"amountBuy":  order.AmountBuy.String(),
		"expiration": order.Expiration.String(),
		"salt":       order.Salt.String(),
	}
}

// HashOrder computes the order commitment: the EIP-712 digest over every
// order field plus the domain separator. Deterministic; changing any single
// field changes the output.
func (e *EIP712Signer) HashOrder(order *OrderEIP712) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       e.orderTypes(),
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: e.orderMessage(order),
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// Final digest: keccak256("\x19\x01" || domainSeparator || structHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	digest := crypto.Keccak256Hash(rawData)

	return digest.Bytes(), nil
}

// SignOrder hashes and signs an order, returning the 65-byte signature.
func (e *EIP712Signer) SignOrder(signer *Signer, order *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}

	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	return signature, nil
}

// RecoverOrderSigner recovers the address that signed an order.
func (e *EIP712Signer) RecoverOrderSigner(order *OrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}

	return RecoverAddress(hash, signature)
}

// VerifyOrderSignature reports whether signature over the order was produced
// by the order's maker.
func (e *EIP712Signer) VerifyOrderSignature(order *OrderEIP712, signature []byte) (bool, error) {
	recovered, err := e.RecoverOrderSigner(order, signature)
	if err != nil {
		return false, err
	}
	return recovered == order.Maker, nil
}

// OrderToJSON renders the full eth_signTypedData_v4 payload for wallet signing.
func (e *EIP712Signer) OrderToJSON(order *OrderEIP712) (string, error) {
	typedData := map[string]interface{}{
		"types": map[string]interface{}{
			"EIP712Domain": []map[string]string{
				{"name": "name", "type": "string"},
				{"name": "version", "type": "string"},
				{"name": "chainId", "type": "uint256"},
				{"name": "verifyingContract", "type": "address"},
			},
			"Order": []map[string]string{
				{"name": "maker", "type": "address"},
				{"name": "taker", "type": "address"},
				{"name": "assetSell", "type": "address"},
				{"name": "assetBuy", "type": "address"},
				{"name": "amountSell", "type": "uint256"},
				{"name": "amountBuy", "type": "uint256"},
				{"name": "expiration", "type": "uint256"},
				{"name": "salt", "type": "uint256"},
			},
		},
		"primaryType": "Order",
		"domain": map[string]interface{}{
			"name":              e.domain.Name,
			"version":           e.domain.Version,
			"chainId":           e.domain.ChainID.String(),
			"verifyingContract": e.domain.VerifyingContract.Hex(),
		},
		"message": map[string]interface{}{
			"maker":      order.Maker.Hex(),
			"taker":      order.Taker.Hex(),
			"assetSell":  order.AssetSell.Hex(),
			"assetBuy":   order.AssetBuy.Hex(),
			"amountSell": order.AmountSell.String(),
			"amountBuy":  order.AmountBuy.String(),
			"expiration": order.Expiration.String(),
			"salt":       order.Salt.String(),
		},
	}

	jsonBytes, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(jsonBytes), nil
}
