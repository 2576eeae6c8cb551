package api

import (
	"math/big"

	"github.com/hashfill/hashfill/pkg/relay"
	"github.com/hashfill/hashfill/pkg/settle"
)

// Request and response types for REST endpoints and WebSocket messages.
// Signatures travel as 0x-prefixed hex; amounts as decimal strings to avoid
// JSON number precision loss on 256-bit values.

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders.
type SubmitOrderRequest struct {
	Order     *settle.Order `json:"order"`
	Signature string        `json:"signature"` // hex [R || S || V] over the order commitment
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel. The
// signature covers the cancel digest, not the order commitment, so a relayed
// order signature cannot be replayed as a cancellation.
type CancelOrderRequest struct {
	Order     *settle.Order `json:"order"`
	Signature string        `json:"signature"` // hex [R || S || V] over the cancel digest
}

// CancelBatchRequest cancels several orders at once. All orders must share
// one maker; the batch is rejected whole otherwise.
type CancelBatchRequest struct {
	Cancels []CancelOrderRequest `json:"cancels"`
}

// FillOrderRequest is the payload for POST /api/v1/fills. Signature is the
// maker's order signature; FillerSignature covers the fill digest for this
// (commitment, amount) pair and must recover to Filler, so nobody can spend a
// third party's balance by naming them as the filler.
type FillOrderRequest struct {
	Filler          string        `json:"filler"` // taker's address
	Order           *settle.Order `json:"order"`
	Amount          string        `json:"amount"` // decimal, denominated in assetSell
	Signature       string        `json:"signature"`
	FillerSignature string        `json:"fillerSignature"` // hex [R || S || V] over the fill digest
}

// FillItem is one order inside a batch fill. Each entry carries its own
// filler signature; all must recover to the batch's filler.
type FillItem struct {
	Order           *settle.Order `json:"order"`
	Amount          string        `json:"amount"`
	Signature       string        `json:"signature"`
	FillerSignature string        `json:"fillerSignature"`
}

// FillBatchRequest is the payload for POST /api/v1/fills/batch. Settles
// all-or-nothing.
type FillBatchRequest struct {
	Filler string     `json:"filler"`
	Fills  []FillItem `json:"fills"`
}

// TransferRequest is the payload for POST /api/v1/deposits and
// /api/v1/withdrawals.
type TransferRequest struct {
	Owner  string `json:"owner"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"` // decimal
}

// CommitmentRequest is the payload for POST /api/v1/commitment: a read-only
// probe that hashes an order and, when a signature is attached, reports who
// signed it.
type CommitmentRequest struct {
	Order     *settle.Order `json:"order"`
	Signature string        `json:"signature,omitempty"`
}

// ==============================
// REST Response Types
// ==============================

// OrderResponse mirrors a relay record.
type OrderResponse struct {
	Commitment string        `json:"commitment"`
	Order      *settle.Order `json:"order"`
	Status     string        `json:"status"`
	Filled     string        `json:"filled"` // decimal, denominated in assetSell
	CreatedAt  int64         `json:"createdAt"`
	UpdatedAt  int64         `json:"updatedAt"`
}

// SubmitOrderResponse is returned from order submission.
type SubmitOrderResponse struct {
	Status string        `json:"status"` // "accepted" or "duplicate"
	Order  OrderResponse `json:"order"`
}

// FillResponse reports one settled fill.
type FillResponse struct {
	Commitment    string `json:"commitment"`
	Filler        string `json:"filler"`
	AmountFilled  string `json:"amountFilled"`
	CounterAmount string `json:"counterAmount"`
	TotalFilled   string `json:"totalFilled"`
	Status        string `json:"status"`
}

// CancelResponse reports one cancellation.
type CancelResponse struct {
	Commitment string `json:"commitment"`
	Status     string `json:"status"` // always "CANCELLED"
}

// BalanceResponse reports one (owner, asset) ledger entry.
type BalanceResponse struct {
	Owner   string `json:"owner"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"` // decimal
}

// CommitmentResponse reports the derived commitment and, when a signature was
// supplied, the recovered signer.
type CommitmentResponse struct {
	Commitment string `json:"commitment"`
	Signer     string `json:"signer,omitempty"`
	Valid      bool   `json:"valid"` // signer == maker
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients to manage channel subscriptions,
// e.g. ["orders", "orders:0x...", "events"].
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSError is sent back to a single client when its message is rejected.
type WSError struct {
	Type    string `json:"type"` // "ERROR"
	Message string `json:"message"`
}

// OrderUpdate is broadcast whenever a relayed order transitions.
type OrderUpdate struct {
	Type       string `json:"type"` // "ORDER_UPDATE"
	Commitment string `json:"commitment"`
	Maker      string `json:"maker"`
	Status     string `json:"status"`
	Filled     string `json:"filled"`
	Timestamp  int64  `json:"timestamp"`
}

// EventUpdate is broadcast for every settlement event.
type EventUpdate struct {
	Type  string       `json:"type"` // "EVENT"
	Event settle.Event `json:"event"`
}

func orderResponse(record *relay.Record) OrderResponse {
	filled := record.Filled
	if filled == nil {
		filled = big.NewInt(0)
	}
	return OrderResponse{
		Commitment: record.Commitment.Hex(),
		Order:      record.Order,
		Status:     string(record.Status),
		Filled:     filled.String(),
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	}
}

func fillResponse(receipt *settle.FillReceipt) FillResponse {
	return FillResponse{
		Commitment:    receipt.Commitment.Hex(),
		Filler:        receipt.Filler.Hex(),
		AmountFilled:  receipt.AmountFilled.String(),
		CounterAmount: receipt.CounterAmount.String(),
		TotalFilled:   receipt.TotalFilled.String(),
		Status:        receipt.Status.String(),
	}
}
