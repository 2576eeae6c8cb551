package settle

import "errors"

// Settlement error taxonomy. Every rejection aborts the whole call with no
// partial mutation, and callers match kinds with errors.Is so the relay can
// map them to user-facing messages without re-deriving the cause.
var (
	// Input rejection (caller error, no state change)
	ErrInvalidOrder        = errors.New("invalid order")
	ErrInvalidAsset        = errors.New("invalid asset")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrMalformedSignature  = errors.New("malformed signature")
	ErrArrayLengthMismatch = errors.New("array length mismatch")
	ErrTooManyOrders       = errors.New("too many orders")

	// Authorization rejection
	ErrNotAuthorizedTaker  = errors.New("not authorized taker")
	ErrOnlyMakerCanCancel  = errors.New("only maker can cancel")
	ErrInvalidSignature    = errors.New("invalid signature")

	// State-consistency rejection
	ErrOrderExpired               = errors.New("order expired")
	ErrOrderAlreadyCancelled      = errors.New("order already cancelled")
	ErrInsufficientOrderRemaining = errors.New("insufficient order remaining")

	// Funds rejection
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrMakerInsufficientBalance = errors.New("maker insufficient balance")
	ErrTakerInsufficientBalance = errors.New("taker insufficient balance")

	// External-custody failure (deposit/withdraw only)
	ErrTransferFailed = errors.New("transfer failed")
)
