// Package ledger defines the node's authoritative account and transaction
// store. The ledger exclusively owns balance mutation: protocol handlers and
// the settlement engine request mutation through it, never write rows
// themselves.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AccountState is the lifecycle state of an account.
type AccountState string

const (
	AccountActive  AccountState = "ACTIVE"
	AccountBlocked AccountState = "BLOCKED"
	AccountClosed  AccountState = "CLOSED"
)

// Account is a money-holding account owned by this node.
type Account struct {
	Number    string
	BankCode  string
	Holder    string
	Cedula    string
	Phone     string
	Balance   decimal.Decimal
	Currency  string
	State     AccountState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the account may send or receive funds.
func (a *Account) Active() bool {
	return a.State == AccountActive
}

// Kind classifies a transaction.
type Kind string

const (
	KindInternal Kind = "INTERNAL"
	KindExternal Kind = "EXTERNAL"
	KindMobile   Kind = "MOBILE"
)

// TxState is the lifecycle state of a transaction. A COMPLETED or REJECTED
// transaction is never resurrected.
type TxState string

const (
	TxPending   TxState = "PENDING"
	TxCompleted TxState = "COMPLETED"
	TxRejected  TxState = "REJECTED"
)

// Transaction is one append-mostly ledger row. The caller-supplied ID is the
// idempotency key: a duplicate ID is a replay, never re-applied.
type Transaction struct {
	ID                  string
	Origin              string
	Destination         string
	Amount              decimal.Decimal
	Currency            string
	Kind                Kind
	State               TxState
	Reason              string
	Digest              string
	NeedsReconciliation bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Ledger is the contract every backend implements. All money-moving methods
// are atomic units: either every balance change and row append in the call
// is visible, or none is. Balances never go negative.
type Ledger interface {
	// LookupAccount returns the account with the given number, or
	// ErrAccountNotFound.
	LookupAccount(ctx context.Context, number string) (*Account, error)

	// LookupPhone returns the account registered for the given phone
	// number, or ErrAccountNotFound.
	LookupPhone(ctx context.Context, phone string) (*Account, error)

	// VerifyCredential checks that the cedula matches the account holder.
	// Returns ErrCredentialMismatch or ErrAccountNotFound.
	VerifyCredential(ctx context.Context, number, cedula string) error

	// Debit atomically checks balance >= amount and decrements. Returns
	// ErrInsufficientFunds or ErrAccountNotFound.
	Debit(ctx context.Context, number string, amount decimal.Decimal) (*Account, error)

	// Credit atomically increments the balance.
	Credit(ctx context.Context, number string, amount decimal.Decimal) (*Account, error)

	// RecordTransaction appends a transaction row. A duplicate ID returns
	// ErrDuplicateTransaction.
	RecordTransaction(ctx context.Context, tx *Transaction) error

	// TransferAtomic moves tx.Amount from one local account to the other
	// and appends the COMPLETED row, all-or-nothing.
	TransferAtomic(ctx context.Context, from, to string, tx *Transaction) (*Transaction, error)

	// CreditRecorded credits a local account and appends the COMPLETED row
	// as one unit. Used for inbound external credits, where the sending
	// peer already debited its own side.
	CreditRecorded(ctx context.Context, to string, tx *Transaction) (*Transaction, error)

	// DebitRecorded debits a local account and appends the row as one
	// unit. Used for remote-authorized pull debits and originated
	// outbound transfers.
	DebitRecorded(ctx context.Context, from string, tx *Transaction) (*Transaction, error)

	// FindTransaction returns the transaction with the given ID, or
	// ErrTxNotFound.
	FindTransaction(ctx context.Context, id string) (*Transaction, error)

	// Resolve transitions a PENDING transaction to the given state,
	// recording the reason and the reconciliation flag.
	Resolve(ctx context.Context, id string, state TxState, reason string, reconcile bool) (*Transaction, error)

	// CompleteWithCredit credits the destination account and marks the
	// PENDING transaction COMPLETED as one unit (pull Phase B).
	CompleteWithCredit(ctx context.Context, id, to string, amount decimal.Decimal) (*Transaction, error)

	// RejectWithRefund credits the held debit back to the account and
	// marks the PENDING transaction REJECTED as one unit.
	RejectWithRefund(ctx context.Context, id, to string, amount decimal.Decimal, reason string) (*Transaction, error)
}
