package presale

import "errors"

// Sentinel errors surfaced by the payment pipeline. Handlers translate these
// into HTTP status codes; everything else is treated as an internal failure.
var (
	// ErrLedgerUnavailable means every configured RPC endpoint failed the
	// liveness probe. Retryable; never a payment failure.
	ErrLedgerUnavailable = errors.New("ledger unavailable: all rpc endpoints failed")

	// ErrPresaleInactive is returned outside the configured presale window.
	ErrPresaleInactive = errors.New("presale is not active")

	// ErrInvalidAsset means the payment asset is not in the rate table.
	ErrInvalidAsset = errors.New("unsupported payment asset")

	// ErrInvalidAmount means the payment amount is malformed or outside the
	// per-asset bounds.
	ErrInvalidAmount = errors.New("payment amount out of bounds")

	// ErrInvalidAddress means a wallet address failed base58 validation.
	ErrInvalidAddress = errors.New("invalid wallet address")

	// ErrConfirmationTimeout means the ledger never confirmed the signature
	// within the polling budget. The verification record is marked rejected.
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")

	// ErrPaymentRejected means the ledger reported an execution error for the
	// payment transaction, or the landed transaction does not match the claim.
	ErrPaymentRejected = errors.New("payment transaction rejected")

	// ErrReplayExpired means the disbursement request timestamp is outside
	// the freshness window.
	ErrReplayExpired = errors.New("request timestamp outside freshness window")

	// ErrAmountOutOfBounds means the disbursement amount violates the
	// configured per-transaction transfer limits.
	ErrAmountOutOfBounds = errors.New("transfer amount out of bounds")

	// ErrRecipientNotAllowed means an allow-list is configured and the
	// recipient is not on it.
	ErrRecipientNotAllowed = errors.New("recipient not allowed")

	// ErrTransferFailed is the generic error returned to callers when
	// signing, broadcasting, or confirming the treasury transfer fails after
	// validation passed. The underlying cause is logged, never returned.
	ErrTransferFailed = errors.New("token transfer failed")
)
