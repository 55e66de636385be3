package ledger

import (
	"errors"
	"fmt"
)

// Ledger operation errors. Backends return these sentinels so callers can
// branch with errors.Is regardless of the storage engine.
var (
	// ErrAccountNotFound is returned when an account number or phone does
	// not resolve to a local account.
	ErrAccountNotFound = errors.New("ledger: account not found")

	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero. No partial effect is applied.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrDuplicateTransaction is returned when a transaction ID was
	// already recorded. The caller answers with the prior result instead
	// of moving money again.
	ErrDuplicateTransaction = errors.New("ledger: duplicate transaction id")

	// ErrCurrencyMismatch is returned when the legs of a transfer do not
	// share a currency. Cross-currency settlement is rejected, never
	// silently converted.
	ErrCurrencyMismatch = errors.New("ledger: currency mismatch")

	// ErrAccountInactive is returned when a BLOCKED or CLOSED account is
	// asked to send or receive funds.
	ErrAccountInactive = errors.New("ledger: account not active")

	// ErrCredentialMismatch is returned when the cedula does not match
	// the account holder's registered credential.
	ErrCredentialMismatch = errors.New("ledger: credential mismatch")

	// ErrInvalidAmount is returned when an amount is zero or negative.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrTxNotFound is returned when a transaction ID is unknown.
	ErrTxNotFound = errors.New("ledger: transaction not found")

	// ErrContention is returned when serializable-isolation retries were
	// exhausted. Transient: the caller may retry the whole operation.
	ErrContention = errors.New("ledger: transaction contention")
)

// IsNotFound checks whether err is an unknown-account or unknown-transaction
// error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrTxNotFound)
}

// IsInsufficientFunds checks whether err is an insufficient-funds rejection.
func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

// IsDuplicate checks whether err is an idempotent replay of a recorded
// transaction.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateTransaction)
}

// ClassifyError returns a stable string classification of the error for
// metrics labels and rejection reasons.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrTxNotFound):
		return "transaction_not_found"
	case errors.Is(err, ErrDuplicateTransaction):
		return "duplicate"
	case errors.Is(err, ErrCurrencyMismatch):
		return "currency_mismatch"
	case errors.Is(err, ErrAccountInactive):
		return "account_inactive"
	case errors.Is(err, ErrCredentialMismatch):
		return "credential_mismatch"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrContention):
		return "contention"
	default:
		return "other"
	}
}

// WrapError adds backend and operation context to a ledger error.
func WrapError(err error, backend, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ledger %s %s: %w", backend, operation, err)
}
