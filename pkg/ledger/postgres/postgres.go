// Package postgres provides the production PostgreSQL ledger backend.
//
// Every money-moving method runs inside a SERIALIZABLE transaction with a
// bounded internal retry on serialization failure, so two concurrent
// settlements touching the same account never interleave partial balance
// reads. The transactions table's primary key is the caller-supplied
// transaction id; the unique violation on insert is the idempotency guard.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"settlenet/pkg/ledger"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// MaxRetries bounds internal retries on serialization failures.
	MaxRetries int
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Host:       "localhost",
		Port:       5432,
		User:       "postgres",
		Password:   "postgres",
		Database:   "settlenet",
		SSLMode:    "disable",
		MaxRetries: 3,
	}
}

// PostgresLedger implements ledger.Ledger on PostgreSQL.
type PostgresLedger struct {
	db         *sql.DB
	maxRetries int
}

// NewPostgresLedger opens the connection pool, pings the server and creates
// the schema if needed.
func NewPostgresLedger(cfg Config) (*PostgresLedger, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	l := &PostgresLedger{db: db, maxRetries: retries}

	if err := l.initTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}
	return l, nil
}

// Close closes the connection pool.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

func (l *PostgresLedger) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			number TEXT PRIMARY KEY,
			bank_code TEXT NOT NULL,
			holder TEXT NOT NULL,
			cedula TEXT NOT NULL,
			phone TEXT UNIQUE,
			balance NUMERIC(19,2) NOT NULL CHECK (balance >= 0),
			currency TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			origin TEXT NOT NULL,
			destination TEXT NOT NULL,
			amount NUMERIC(19,2) NOT NULL CHECK (amount > 0),
			currency TEXT NOT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT,
			digest TEXT,
			needs_reconciliation BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_reconcile
			ON transactions(needs_reconciliation) WHERE needs_reconciliation`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_created_at
			ON transactions(created_at DESC)`,
	}
	for _, query := range queries {
		if _, err := l.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// withSerializable runs fn inside a SERIALIZABLE transaction, retrying a
// bounded number of times on serialization failure or deadlock.
func (l *PostgresLedger) withSerializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		err = fn(tx)
		if err == nil {
			if err = tx.Commit(); err == nil {
				return nil
			}
		}
		_ = tx.Rollback()
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ledger.ErrContention, lastErr)
}

// retryable reports whether the error is a serialization failure (40001) or
// deadlock (40P01).
func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// mapError converts driver errors to ledger sentinels.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return ledger.ErrDuplicateTransaction
		case "23514":
			// balance >= 0 check violated: the concurrent debit raced us
			return ledger.ErrInsufficientFunds
		}
	}
	return err
}

const accountCols = `number, bank_code, holder, cedula, COALESCE(phone, ''),
	balance, currency, state, created_at, updated_at`

func scanAccount(row *sql.Row) (*ledger.Account, error) {
	var a ledger.Account
	var balance string
	err := row.Scan(&a.Number, &a.BankCode, &a.Holder, &a.Cedula, &a.Phone,
		&balance, &a.Currency, &a.State, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("bad balance for %s: %w", a.Number, err)
	}
	return &a, nil
}

func (l *PostgresLedger) LookupAccount(ctx context.Context, number string) (*ledger.Account, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE number = $1`, number)
	return scanAccount(row)
}

func (l *PostgresLedger) LookupPhone(ctx context.Context, phone string) (*ledger.Account, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE phone = $1`, phone)
	return scanAccount(row)
}

func (l *PostgresLedger) VerifyCredential(ctx context.Context, number, cedula string) error {
	var stored string
	err := l.db.QueryRowContext(ctx,
		`SELECT cedula FROM accounts WHERE number = $1`, number).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if stored != cedula {
		return ledger.ErrCredentialMismatch
	}
	return nil
}

// debitTx decrements a balance inside an open transaction, enforcing the
// active-state and no-overdraft invariants.
func debitTx(ctx context.Context, tx *sql.Tx, number string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ledger.ErrInvalidAmount
	}
	var balance string
	var state ledger.AccountState
	err := tx.QueryRowContext(ctx,
		`SELECT balance, state FROM accounts WHERE number = $1 FOR UPDATE`,
		number).Scan(&balance, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if state != ledger.AccountActive {
		return ledger.ErrAccountInactive
	}
	current, err := decimal.NewFromString(balance)
	if err != nil {
		return fmt.Errorf("bad balance for %s: %w", number, err)
	}
	if current.LessThan(amount) {
		return ledger.ErrInsufficientFunds
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - $2, updated_at = NOW() WHERE number = $1`,
		number, amount.StringFixed(2))
	return mapError(err)
}

// creditTx increments a balance inside an open transaction.
func creditTx(ctx context.Context, tx *sql.Tx, number string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ledger.ErrInvalidAmount
	}
	var state ledger.AccountState
	err := tx.QueryRowContext(ctx,
		`SELECT state FROM accounts WHERE number = $1 FOR UPDATE`,
		number).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if state != ledger.AccountActive {
		return ledger.ErrAccountInactive
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = NOW() WHERE number = $1`,
		number, amount.StringFixed(2))
	return mapError(err)
}

// matchCurrencyTx rejects a money movement denominated in anything other
// than the account's own currency. Value is never converted.
func matchCurrencyTx(ctx context.Context, tx *sql.Tx, number, currency string) error {
	var cur string
	err := tx.QueryRowContext(ctx,
		`SELECT currency FROM accounts WHERE number = $1`, number).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if cur != currency {
		return ledger.ErrCurrencyMismatch
	}
	return nil
}

// appendTx inserts the transaction row. A primary-key violation means the
// id was already settled and surfaces as ErrDuplicateTransaction.
func appendTx(ctx context.Context, tx *sql.Tx, t *ledger.Transaction) error {
	state := t.State
	if state == "" {
		state = ledger.TxPending
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions
			(id, origin, destination, amount, currency, kind, state, reason,
			 digest, needs_reconciliation, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,NOW(),NOW())`,
		t.ID, t.Origin, t.Destination, t.Amount.StringFixed(2), t.Currency,
		t.Kind, state, t.Reason, t.Digest, t.NeedsReconciliation)
	return mapError(err)
}

func (l *PostgresLedger) Debit(ctx context.Context, number string, amount decimal.Decimal) (*ledger.Account, error) {
	err := l.withSerializable(ctx, func(tx *sql.Tx) error {
		return debitTx(ctx, tx, number, amount)
	})
	if err != nil {
		return nil, err
	}
	return l.LookupAccount(ctx, number)
}

func (l *PostgresLedger) Credit(ctx context.Context, number string, amount decimal.Decimal) (*ledger.Account, error) {
	err := l.withSerializable(ctx, func(tx *sql.Tx) error {
		return creditTx(ctx, tx, number, amount)
	})
	if err != nil {
		return nil, err
	}
	return l.LookupAccount(ctx, number)
}

func (l *PostgresLedger) RecordTransaction(ctx context.Context, t *ledger.Transaction) error {
	return l.withSerializable(ctx, func(tx *sql.Tx) error {
		return appendTx(ctx, tx, t)
	})
}

func (l *PostgresLedger) TransferAtomic(ctx context.Context, from, to string, t *ledger.Transaction) (*ledger.Transaction, error) {
	err := l.withSerializable(ctx, func(tx *sql.Tx) error {
		if err := matchCurrencyTx(ctx, tx, from, t.Currency); err != nil {
			return err
		}
		if err := matchCurrencyTx(ctx, tx, to, t.Currency); err != nil {
			return err
		}
		if err := debitTx(ctx, tx, from, t.Amount); err != nil {
			return err
		}
		if err := creditTx(ctx, tx, to, t.Amount); err != nil {
			return err
		}
		completed := *t
		completed.State = ledger.TxCompleted
		return appendTx(ctx, tx, &completed)
	})
	if err != nil {
		return nil, err
	}
	return l.FindTransaction(ctx, t.ID)
}

func (l *PostgresLedger) CreditRecorded(ctx context.Context, to string, t *ledger.Transaction) (*ledger.Transaction, error) {
	err := l.withSerializable(ctx, func(tx *sql.Tx) error {
		if err := matchCurrencyTx(ctx, tx, to, t.Currency); err != nil {
			return err
		}
		if err := creditTx(ctx, tx, to, t.Amount); err != nil {
			return err
		}
		return appendTx(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}
	return l.FindTransaction(ctx, t.ID)
}

func (l *PostgresLedger) DebitRecorded(ctx context.Context, from string, t *ledger.Transaction) (*ledger.Transaction, error) {
	err := l.withSerializable(ctx, func(tx *sql.Tx) error {
		if err := matchCurrencyTx(ctx, tx, from, t.Currency); err != nil {
			return err
		}
		if err := debitTx(ctx, tx, from, t.Amount); err != nil {
			return err
		}
		return appendTx(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}
	return l.FindTransaction(ctx, t.ID)
}

func (l *PostgresLedger) FindTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	var t ledger.Transaction
	var amount string
	var reason sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT id, origin, destination, amount, currency, kind, state,
			reason, COALESCE(digest, ''), needs_reconciliation,
			created_at, updated_at
		 FROM transactions WHERE id = $1`, id).
		Scan(&t.ID, &t.Origin, &t.Destination, &amount, &t.Currency, &t.Kind,
			&t.State, &reason, &t.Digest, &t.NeedsReconciliation,
			&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Reason = reason.String
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount for %s: %w", id, err)
	}
	return &t, nil
}

// resolveTx transitions a PENDING row to the given state. A terminal row is
// never updated again.
func resolveTx(ctx context.Context, tx *sql.Tx, id string, state ledger.TxState, reason string, reconcile bool) error {
	var current ledger.TxState
	err := tx.QueryRowContext(ctx,
		`SELECT state FROM transactions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrTxNotFound
	}
	if err != nil {
		return err
	}
	if current != ledger.TxPending {
		return fmt.Errorf("%w: transaction %s already %s", ledger.ErrDuplicateTransaction, id, current)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE transactions
		 SET state = $2, reason = NULLIF($3, ''), needs_reconciliation = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, state, reason, reconcile)
	return err
}

func (l *PostgresLedger) Resolve(ctx context.Context, id string, state ledger.TxState, reason string, reconcile bool) (*ledger.Transaction, error) {
	err := l.withSerializable(ctx, func(tx *sql.Tx) error {
		return resolveTx(ctx, tx, id, state, reason, reconcile)
	})
	if err != nil {
		return nil, err
	}
	return l.FindTransaction(ctx, id)
}

func (l *PostgresLedger) CompleteWithCredit(ctx context.Context, id, to string, amount decimal.Decimal) (*ledger.Transaction, error) {
	err := l.withSerializable(ctx, func(tx *sql.Tx) error {
		if err := creditTx(ctx, tx, to, amount); err != nil {
			return err
		}
		return resolveTx(ctx, tx, id, ledger.TxCompleted, "", false)
	})
	if err != nil {
		return nil, err
	}
	return l.FindTransaction(ctx, id)
}

func (l *PostgresLedger) RejectWithRefund(ctx context.Context, id, to string, amount decimal.Decimal, reason string) (*ledger.Transaction, error) {
	err := l.withSerializable(ctx, func(tx *sql.Tx) error {
		if err := creditTx(ctx, tx, to, amount); err != nil {
			return err
		}
		return resolveTx(ctx, tx, id, ledger.TxRejected, reason, false)
	})
	if err != nil {
		return nil, err
	}
	return l.FindTransaction(ctx, id)
}

// CreateAccount inserts a new account row. Used by node bootstrap, not by
// the settlement path.
func (l *PostgresLedger) CreateAccount(ctx context.Context, a *ledger.Account) error {
	state := a.State
	if state == "" {
		state = ledger.AccountActive
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO accounts
			(number, bank_code, holder, cedula, phone, balance, currency, state, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8,NOW(),NOW())
		 ON CONFLICT (number) DO NOTHING`,
		a.Number, a.BankCode, a.Holder, a.Cedula, a.Phone,
		a.Balance.StringFixed(2), a.Currency, state)
	return err
}
