// Package memory provides a mutex-guarded in-memory ledger backend. It
// implements the same contract as the postgres backend and backs tests and
// the dev-mode daemon.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"settlenet/pkg/ledger"
)

// MemoryLedger is an in-memory ledger.Ledger implementation. All operations
// take a single lock, so every money-moving call is trivially atomic.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]*ledger.Account
	byPhone  map[string]string
	txs      map[string]*ledger.Transaction
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[string]*ledger.Account),
		byPhone:  make(map[string]string),
		txs:      make(map[string]*ledger.Transaction),
	}
}

// AddAccount seeds an account. Intended for tests and dev-mode bootstrap.
func (m *MemoryLedger) AddAccount(a *ledger.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cp := *a
	if cp.State == "" {
		cp.State = ledger.AccountActive
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.accounts[cp.Number] = &cp
	if cp.Phone != "" {
		m.byPhone[cp.Phone] = cp.Number
	}
}

func (m *MemoryLedger) LookupAccount(ctx context.Context, number string) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(number)
}

func (m *MemoryLedger) LookupPhone(ctx context.Context, phone string) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	number, ok := m.byPhone[phone]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return m.lookupLocked(number)
}

func (m *MemoryLedger) VerifyCredential(ctx context.Context, number, cedula string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[number]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if a.Cedula != cedula {
		return ledger.ErrCredentialMismatch
	}
	return nil
}

func (m *MemoryLedger) Debit(ctx context.Context, number string, amount decimal.Decimal) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.debitLocked(number, amount)
	if err != nil {
		return nil, err
	}
	return clone(a), nil
}

func (m *MemoryLedger) Credit(ctx context.Context, number string, amount decimal.Decimal) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.creditLocked(number, amount)
	if err != nil {
		return nil, err
	}
	return clone(a), nil
}

func (m *MemoryLedger) RecordTransaction(ctx context.Context, tx *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *MemoryLedger) TransferAtomic(ctx context.Context, from, to string, tx *ledger.Transaction) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.txs[tx.ID]; dup {
		return nil, ledger.ErrDuplicateTransaction
	}
	src, err := m.lookupLocked(from)
	if err != nil {
		return nil, err
	}
	dst, err := m.lookupLocked(to)
	if err != nil {
		return nil, err
	}
	if src.Currency != dst.Currency || src.Currency != tx.Currency {
		return nil, ledger.ErrCurrencyMismatch
	}
	if _, err := m.debitLocked(from, tx.Amount); err != nil {
		return nil, err
	}
	if _, err := m.creditLocked(to, tx.Amount); err != nil {
		// Undo inside the same critical section; no partial effect is
		// ever observable.
		src.Balance = src.Balance.Add(tx.Amount)
		return nil, err
	}

	cp := *tx
	cp.State = ledger.TxCompleted
	if err := m.appendLocked(&cp); err != nil {
		src.Balance = src.Balance.Add(tx.Amount)
		dst.Balance = dst.Balance.Sub(tx.Amount)
		return nil, err
	}
	return txClone(m.txs[cp.ID]), nil
}

func (m *MemoryLedger) CreditRecorded(ctx context.Context, to string, tx *ledger.Transaction) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.txs[tx.ID]; dup {
		return nil, ledger.ErrDuplicateTransaction
	}
	if err := m.matchCurrencyLocked(to, tx.Currency); err != nil {
		return nil, err
	}
	dst, err := m.creditLocked(to, tx.Amount)
	if err != nil {
		return nil, err
	}
	cp := *tx
	if cp.State == "" {
		cp.State = ledger.TxCompleted
	}
	if err := m.appendLocked(&cp); err != nil {
		dst.Balance = dst.Balance.Sub(tx.Amount)
		return nil, err
	}
	return txClone(m.txs[cp.ID]), nil
}

func (m *MemoryLedger) DebitRecorded(ctx context.Context, from string, tx *ledger.Transaction) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.txs[tx.ID]; dup {
		return nil, ledger.ErrDuplicateTransaction
	}
	if err := m.matchCurrencyLocked(from, tx.Currency); err != nil {
		return nil, err
	}
	src, err := m.debitLocked(from, tx.Amount)
	if err != nil {
		return nil, err
	}
	cp := *tx
	if cp.State == "" {
		cp.State = ledger.TxCompleted
	}
	if err := m.appendLocked(&cp); err != nil {
		src.Balance = src.Balance.Add(tx.Amount)
		return nil, err
	}
	return txClone(m.txs[cp.ID]), nil
}

func (m *MemoryLedger) FindTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ledger.ErrTxNotFound
	}
	return txClone(tx), nil
}

func (m *MemoryLedger) Resolve(ctx context.Context, id string, state ledger.TxState, reason string, reconcile bool) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, err := m.pendingLocked(id)
	if err != nil {
		return nil, err
	}
	m.resolveLocked(tx, state, reason, reconcile)
	return txClone(tx), nil
}

func (m *MemoryLedger) CompleteWithCredit(ctx context.Context, id, to string, amount decimal.Decimal) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, err := m.pendingLocked(id)
	if err != nil {
		return nil, err
	}
	if _, err := m.creditLocked(to, amount); err != nil {
		return nil, err
	}
	m.resolveLocked(tx, ledger.TxCompleted, "", false)
	return txClone(tx), nil
}

func (m *MemoryLedger) RejectWithRefund(ctx context.Context, id, to string, amount decimal.Decimal, reason string) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, err := m.pendingLocked(id)
	if err != nil {
		return nil, err
	}
	if _, err := m.creditLocked(to, amount); err != nil {
		return nil, err
	}
	m.resolveLocked(tx, ledger.TxRejected, reason, false)
	return txClone(tx), nil
}

// matchCurrencyLocked rejects a money movement denominated in anything
// other than the account's own currency. Value is never converted.
func (m *MemoryLedger) matchCurrencyLocked(number, currency string) error {
	a, err := m.lookupLocked(number)
	if err != nil {
		return err
	}
	if a.Currency != currency {
		return ledger.ErrCurrencyMismatch
	}
	return nil
}

// lookupLocked returns the live account struct. Callers hold the lock.
func (m *MemoryLedger) lookupLocked(number string) (*ledger.Account, error) {
	a, ok := m.accounts[number]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return a, nil
}

func (m *MemoryLedger) debitLocked(number string, amount decimal.Decimal) (*ledger.Account, error) {
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	a, err := m.lookupLocked(number)
	if err != nil {
		return nil, err
	}
	if !a.Active() {
		return nil, ledger.ErrAccountInactive
	}
	if a.Balance.LessThan(amount) {
		return nil, ledger.ErrInsufficientFunds
	}
	a.Balance = a.Balance.Sub(amount)
	a.UpdatedAt = time.Now().UTC()
	return a, nil
}

func (m *MemoryLedger) creditLocked(number string, amount decimal.Decimal) (*ledger.Account, error) {
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	a, err := m.lookupLocked(number)
	if err != nil {
		return nil, err
	}
	if !a.Active() {
		return nil, ledger.ErrAccountInactive
	}
	a.Balance = a.Balance.Add(amount)
	a.UpdatedAt = time.Now().UTC()
	return a, nil
}

func (m *MemoryLedger) appendLocked(tx *ledger.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("ledger memory: missing transaction id")
	}
	if _, dup := m.txs[tx.ID]; dup {
		return ledger.ErrDuplicateTransaction
	}
	if !tx.Amount.IsPositive() {
		return ledger.ErrInvalidAmount
	}
	cp := *tx
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.State == "" {
		cp.State = ledger.TxPending
	}
	m.txs[cp.ID] = &cp
	return nil
}

// pendingLocked returns the live PENDING transaction. A terminal
// transaction is never resurrected.
func (m *MemoryLedger) pendingLocked(id string) (*ledger.Transaction, error) {
	tx, ok := m.txs[id]
	if !ok {
		return nil, ledger.ErrTxNotFound
	}
	if tx.State != ledger.TxPending {
		return nil, fmt.Errorf("%w: transaction %s already %s", ledger.ErrDuplicateTransaction, id, tx.State)
	}
	return tx, nil
}

func (m *MemoryLedger) resolveLocked(tx *ledger.Transaction, state ledger.TxState, reason string, reconcile bool) {
	tx.State = state
	tx.Reason = reason
	tx.NeedsReconciliation = reconcile
	tx.UpdatedAt = time.Now().UTC()
}

func clone(a *ledger.Account) *ledger.Account {
	cp := *a
	return &cp
}

func txClone(tx *ledger.Transaction) *ledger.Transaction {
	cp := *tx
	return &cp
}
