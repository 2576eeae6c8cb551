package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hashfill/hashfill/pkg/crypto"
	"github.com/hashfill/hashfill/pkg/settle"
)

// Demonstrates the full maker flow: generate a key, build a swap order, sign
// its commitment, and print the JSON payload ready for POST /api/v1/orders.
func main() {
	// Step 1: Generate or load key
	var signer *crypto.Signer
	var err error
	if hexKey := os.Getenv("PRIVATE_KEY"); hexKey != "" {
		signer, err = crypto.FromPrivateKeyHex(hexKey)
	} else {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	// Step 2: Create order
	salt, err := crypto.GenerateSalt()
	if err != nil {
		fmt.Printf("Error generating salt: %v\n", err)
		os.Exit(1)
	}

	order := &settle.Order{
		Maker:      signer.Address(),
		Taker:      common.Address{}, // open to any filler
		AssetSell:  common.HexToAddress("0xA000000000000000000000000000000000000001"),
		AssetBuy:   common.HexToAddress("0xB000000000000000000000000000000000000002"),
		AmountSell: big.NewInt(1_000_000),
		AmountBuy:  big.NewInt(2_000_000),
		Expiration: time.Now().Add(24 * time.Hour).Unix(),
		Salt:       salt,
	}

	fmt.Println("Order Details:")
	fmt.Printf("  Maker:      %s\n", order.Maker.Hex())
	fmt.Printf("  AssetSell:  %s\n", order.AssetSell.Hex())
	fmt.Printf("  AssetBuy:   %s\n", order.AssetBuy.Hex())
	fmt.Printf("  AmountSell: %s\n", order.AmountSell.String())
	fmt.Printf("  AmountBuy:  %s\n", order.AmountBuy.String())
	fmt.Printf("  Expiration: %d\n", order.Expiration)
	fmt.Printf("  Salt:       %s\n\n", order.Salt.String())

	// Step 3: Hash and sign the commitment
	eip712Signer := crypto.NewEIP712Signer(crypto.DefaultDomain())
	hasher := settle.NewHasher(crypto.DefaultDomain())

	commitment, err := hasher.Commitment(order)
	if err != nil {
		fmt.Printf("Error hashing: %v\n", err)
		os.Exit(1)
	}
	signature, err := eip712Signer.SignOrder(signer, order.ToEIP712())
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Commitment: %s\n", commitment.Hex())
	fmt.Printf("Signature:  0x%x\n\n", signature)

	// Step 4: Verify round-trip
	recovered, err := hasher.RecoverSigner(order, signature)
	if err != nil {
		fmt.Printf("Error verifying: %v\n", err)
		os.Exit(1)
	}
	if recovered != order.Maker {
		fmt.Println("Signature does not recover to maker")
		os.Exit(1)
	}
	fmt.Printf("Signature valid, signer: %s\n\n", recovered.Hex())

	// Step 5: Print the submission payload
	payload := map[string]interface{}{
		"order":     order,
		"signature": fmt.Sprintf("0x%x", signature),
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("To submit this order:")
	fmt.Println("  POST http://localhost:8080/api/v1/orders")
	fmt.Println("  Content-Type: application/json")
	fmt.Println("  Body:")
	fmt.Println(string(body))
}
