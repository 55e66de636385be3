package ledger

import (
	"errors"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "none"},
		{"insufficient funds", ErrInsufficientFunds, "insufficient_funds"},
		{"account not found", ErrAccountNotFound, "account_not_found"},
		{"transaction not found", ErrTxNotFound, "transaction_not_found"},
		{"duplicate", ErrDuplicateTransaction, "duplicate"},
		{"currency mismatch", ErrCurrencyMismatch, "currency_mismatch"},
		{"inactive", ErrAccountInactive, "account_inactive"},
		{"credential mismatch", ErrCredentialMismatch, "credential_mismatch"},
		{"invalid amount", ErrInvalidAmount, "invalid_amount"},
		{"contention", ErrContention, "contention"},
		{"wrapped sentinel", WrapError(ErrInsufficientFunds, "postgres", "debit"), "insufficient_funds"},
		{"unknown", errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapErrorPreservesSentinel(t *testing.T) {
	err := WrapError(ErrDuplicateTransaction, "memory", "record")
	if !IsDuplicate(err) {
		t.Errorf("wrapped error lost sentinel: %v", err)
	}
	if WrapError(nil, "memory", "record") != nil {
		t.Error("WrapError(nil) != nil")
	}
}

func TestErrorHelpers(t *testing.T) {
	if !IsNotFound(ErrAccountNotFound) || !IsNotFound(ErrTxNotFound) {
		t.Error("IsNotFound rejected a not-found sentinel")
	}
	if IsNotFound(ErrInsufficientFunds) {
		t.Error("IsNotFound accepted insufficient funds")
	}
	if !IsInsufficientFunds(WrapError(ErrInsufficientFunds, "memory", "debit")) {
		t.Error("IsInsufficientFunds rejected a wrapped sentinel")
	}
}
