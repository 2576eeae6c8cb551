package p2p

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(OrderWire{})
	gob.Register(CancelWire{})
}

// OrderWire carries a maker-signed order between relays.
type OrderWire struct {
	Order     []byte // JSON-encoded settle.Order
	Signature []byte // 65-byte [R || S || V] over the order commitment
}

// CancelWire carries a maker-authorized cancellation.
type CancelWire struct {
	Order     []byte // JSON-encoded settle.Order
	Signature []byte // 65-byte [R || S || V] over the cancel digest
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
