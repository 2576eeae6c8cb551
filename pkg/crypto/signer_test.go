package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testOrder(maker common.Address) *OrderEIP712 {
	return &OrderEIP712{
		Maker:      maker,
		Taker:      common.Address{},
		AssetSell:  common.HexToAddress("0x1000000000000000000000000000000000000001"),
		AssetBuy:   common.HexToAddress("0x2000000000000000000000000000000000000002"),
		AmountSell: big.NewInt(100),
		AmountBuy:  big.NewInt(200),
		Expiration: big.NewInt(1924992000),
		Salt:       big.NewInt(42),
	}
}

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}

	if got := len(signer.PrivateKeyHex()); got != 64 {
		t.Errorf("private key hex length = %d, want 64", got)
	}

	if got := len(signer.PublicKeyHex()); got != 130 {
		t.Errorf("public key hex length = %d, want 130", got)
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	signer2, err := FromPrivateKeyHex(privHex)
	if err != nil {
		t.Fatalf("failed to load key: %v", err)
	}

	if signer2.Address() != signer1.Address() {
		t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
	}
}

func TestHashOrderDeterministic(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())
	order := testOrder(signer.Address())

	h1, err := e.HashOrder(order)
	if err != nil {
		t.Fatalf("failed to hash order: %v", err)
	}
	if len(h1) != 32 {
		t.Fatalf("commitment length = %d, want 32", len(h1))
	}

	h2, _ := e.HashOrder(order)
	if common.BytesToHash(h1) != common.BytesToHash(h2) {
		t.Error("identical orders produced different commitments")
	}
}

func TestHashOrderSaltChangesCommitment(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())

	a := testOrder(signer.Address())
	b := testOrder(signer.Address())
	b.Salt = big.NewInt(43)

	ha, _ := e.HashOrder(a)
	hb, _ := e.HashOrder(b)
	if common.BytesToHash(ha) == common.BytesToHash(hb) {
		t.Error("orders differing only in salt produced identical commitments")
	}
}

func TestHashOrderDomainSeparation(t *testing.T) {
	signer, _ := GenerateKey()
	order := testOrder(signer.Address())

	d1 := DefaultDomain()
	d2 := DefaultDomain()
	d2.Version = "2"

	h1, _ := NewEIP712Signer(d1).HashOrder(order)
	h2, _ := NewEIP712Signer(d2).HashOrder(order)
	if common.BytesToHash(h1) == common.BytesToHash(h2) {
		t.Error("different domains produced identical commitments")
	}
}

func TestSignAndRecoverOrder(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())
	order := testOrder(signer.Address())

	sig, err := e.SignOrder(signer, order)
	if err != nil {
		t.Fatalf("failed to sign order: %v", err)
	}
	if len(sig) != 65 {
		t.Errorf("signature length = %d, want 65", len(sig))
	}

	recovered, err := e.RecoverOrderSigner(order, sig)
	if err != nil {
		t.Fatalf("failed to recover signer: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered = %s, want %s", recovered.Hex(), signer.Address().Hex())
	}

	valid, err := e.VerifyOrderSignature(order, sig)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !valid {
		t.Error("signature did not verify against maker")
	}

	// Tampered order must not verify against the same signature
	tampered := testOrder(signer.Address())
	tampered.AmountBuy = big.NewInt(201)
	valid, err = e.VerifyOrderSignature(tampered, sig)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if valid {
		t.Error("tampered order verified")
	}
}

func TestRecoverAddressMalformed(t *testing.T) {
	if _, err := RecoverAddress(make([]byte, 32), []byte{1, 2, 3}); err == nil {
		t.Error("expected error for short signature")
	}
	if _, err := RecoverAddress([]byte("short"), make([]byte, 65)); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestSignatureToRSV(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())
	sig, _ := e.SignOrder(signer, testOrder(signer.Address()))

	r, s, v, err := SignatureToRSV(sig)
	if err != nil {
		t.Fatalf("failed to split signature: %v", err)
	}

	if r.Sign() == 0 || s.Sign() == 0 {
		t.Error("zero R or S component")
	}
	if v != 0 && v != 1 && v != 27 && v != 28 {
		t.Errorf("unexpected recovery id: %d", v)
	}
	if len(RSVToSignature(r, s, v)) != 65 {
		t.Error("reconstructed signature is not 65 bytes")
	}
}

func TestGenerateSalt(t *testing.T) {
	s1, err := GenerateSalt()
	if err != nil {
		t.Fatalf("failed to generate salt: %v", err)
	}
	s2, _ := GenerateSalt()
	if s1.Cmp(s2) == 0 {
		t.Error("generated identical salts (statistically impossible - retry)")
	}
}
