package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"settlenet/pkg/ledger"
)

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seeded() *MemoryLedger {
	m := NewMemoryLedger()
	m.AddAccount(&ledger.Account{
		Number:   "CR000100000001",
		BankCode: "CR00",
		Holder:   "Ana Rojas",
		Cedula:   "1-1111-1111",
		Phone:    "88881111",
		Balance:  amt("1000.00"),
		Currency: "CRC",
	})
	m.AddAccount(&ledger.Account{
		Number:   "CR000200000002",
		BankCode: "CR00",
		Holder:   "Luis Mora",
		Cedula:   "2-2222-2222",
		Balance:  amt("500.00"),
		Currency: "CRC",
	})
	return m
}

func tx(id, origin, dest, amount string) *ledger.Transaction {
	return &ledger.Transaction{
		ID:          id,
		Origin:      origin,
		Destination: dest,
		Amount:      amt(amount),
		Currency:    "CRC",
		Kind:        ledger.KindInternal,
	}
}

func balance(t *testing.T, m *MemoryLedger, number string) decimal.Decimal {
	t.Helper()
	a, err := m.LookupAccount(context.Background(), number)
	if err != nil {
		t.Fatalf("LookupAccount(%s) error = %v", number, err)
	}
	return a.Balance
}

func TestTransferAtomicMovesFunds(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	got, err := m.TransferAtomic(ctx, "CR000100000001", "CR000200000002",
		tx("tx-1", "CR000100000001", "CR000200000002", "250.00"))
	if err != nil {
		t.Fatalf("TransferAtomic() error = %v", err)
	}
	if got.State != ledger.TxCompleted {
		t.Errorf("tx state = %s, want COMPLETED", got.State)
	}
	if b := balance(t, m, "CR000100000001"); !b.Equal(amt("750.00")) {
		t.Errorf("sender balance = %s, want 750.00", b)
	}
	if b := balance(t, m, "CR000200000002"); !b.Equal(amt("750.00")) {
		t.Errorf("receiver balance = %s, want 750.00", b)
	}
}

func TestTransferAtomicInsufficientFunds(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	_, err := m.TransferAtomic(ctx, "CR000100000001", "CR000200000002",
		tx("tx-1", "CR000100000001", "CR000200000002", "1000.01"))
	if !ledger.IsInsufficientFunds(err) {
		t.Fatalf("TransferAtomic() error = %v, want insufficient funds", err)
	}
	// No partial effect, no row.
	if b := balance(t, m, "CR000100000001"); !b.Equal(amt("1000.00")) {
		t.Errorf("sender balance = %s, want 1000.00", b)
	}
	if b := balance(t, m, "CR000200000002"); !b.Equal(amt("500.00")) {
		t.Errorf("receiver balance = %s, want 500.00", b)
	}
	if _, err := m.FindTransaction(ctx, "tx-1"); !errors.Is(err, ledger.ErrTxNotFound) {
		t.Errorf("FindTransaction() error = %v, want ErrTxNotFound", err)
	}
}

func TestTransferAtomicDuplicateID(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	if _, err := m.TransferAtomic(ctx, "CR000100000001", "CR000200000002",
		tx("tx-1", "CR000100000001", "CR000200000002", "100.00")); err != nil {
		t.Fatalf("first TransferAtomic() error = %v", err)
	}
	_, err := m.TransferAtomic(ctx, "CR000100000001", "CR000200000002",
		tx("tx-1", "CR000100000001", "CR000200000002", "100.00"))
	if !ledger.IsDuplicate(err) {
		t.Fatalf("second TransferAtomic() error = %v, want duplicate", err)
	}
	// Applied exactly once.
	if b := balance(t, m, "CR000100000001"); !b.Equal(amt("900.00")) {
		t.Errorf("sender balance = %s, want 900.00", b)
	}
}

func TestTransferAtomicCurrencyMismatch(t *testing.T) {
	m := seeded()
	m.AddAccount(&ledger.Account{
		Number:   "CR000300000003",
		BankCode: "CR00",
		Balance:  amt("100.00"),
		Currency: "USD",
	})
	_, err := m.TransferAtomic(context.Background(), "CR000100000001", "CR000300000003",
		tx("tx-1", "CR000100000001", "CR000300000003", "10.00"))
	if !errors.Is(err, ledger.ErrCurrencyMismatch) {
		t.Fatalf("TransferAtomic() error = %v, want ErrCurrencyMismatch", err)
	}
	if b := balance(t, m, "CR000100000001"); !b.Equal(amt("1000.00")) {
		t.Errorf("sender balance = %s, want 1000.00", b)
	}
}

func TestTransferAtomicInactiveAccount(t *testing.T) {
	m := seeded()
	m.AddAccount(&ledger.Account{
		Number:   "CR000400000004",
		BankCode: "CR00",
		Balance:  amt("100.00"),
		Currency: "CRC",
		State:    ledger.AccountBlocked,
	})
	_, err := m.TransferAtomic(context.Background(), "CR000100000001", "CR000400000004",
		tx("tx-1", "CR000100000001", "CR000400000004", "10.00"))
	if !errors.Is(err, ledger.ErrAccountInactive) {
		t.Fatalf("TransferAtomic() error = %v, want ErrAccountInactive", err)
	}
	if b := balance(t, m, "CR000100000001"); !b.Equal(amt("1000.00")) {
		t.Errorf("sender balance rolled back = %s, want 1000.00", b)
	}
}

func TestCreditRecorded(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	row := tx("tx-ext", "CR020000000042", "CR000200000002", "75.00")
	row.Kind = ledger.KindExternal
	got, err := m.CreditRecorded(ctx, "CR000200000002", row)
	if err != nil {
		t.Fatalf("CreditRecorded() error = %v", err)
	}
	if got.State != ledger.TxCompleted {
		t.Errorf("tx state = %s, want COMPLETED", got.State)
	}
	if b := balance(t, m, "CR000200000002"); !b.Equal(amt("575.00")) {
		t.Errorf("balance = %s, want 575.00", b)
	}

	if _, err := m.CreditRecorded(ctx, "CR000200000002", row); !ledger.IsDuplicate(err) {
		t.Errorf("replayed CreditRecorded() error = %v, want duplicate", err)
	}
	if b := balance(t, m, "CR000200000002"); !b.Equal(amt("575.00")) {
		t.Errorf("balance after replay = %s, want 575.00", b)
	}
}

func TestCreditRecordedCurrencyMismatch(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	row := tx("tx-usd", "CR020000000042", "CR000200000002", "250.00")
	row.Kind = ledger.KindExternal
	row.Currency = "USD"
	_, err := m.CreditRecorded(ctx, "CR000200000002", row)
	if !errors.Is(err, ledger.ErrCurrencyMismatch) {
		t.Fatalf("CreditRecorded() error = %v, want ErrCurrencyMismatch", err)
	}
	// No value conversion, no movement, no row.
	if b := balance(t, m, "CR000200000002"); !b.Equal(amt("500.00")) {
		t.Errorf("balance = %s, want 500.00", b)
	}
	if _, err := m.FindTransaction(ctx, "tx-usd"); !errors.Is(err, ledger.ErrTxNotFound) {
		t.Errorf("FindTransaction() error = %v, want ErrTxNotFound", err)
	}
}

func TestDebitRecordedCurrencyMismatch(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	row := tx("tx-usd", "CR000100000001", "CR020000000042", "100.00")
	row.Kind = ledger.KindExternal
	row.Currency = "USD"
	row.State = ledger.TxPending
	_, err := m.DebitRecorded(ctx, "CR000100000001", row)
	if !errors.Is(err, ledger.ErrCurrencyMismatch) {
		t.Fatalf("DebitRecorded() error = %v, want ErrCurrencyMismatch", err)
	}
	if b := balance(t, m, "CR000100000001"); !b.Equal(amt("1000.00")) {
		t.Errorf("balance = %s, want 1000.00", b)
	}
}

func TestDebitRecordedPendingThenComplete(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	row := tx("tx-pull", "CR020000000042", "CR000100000001", "200.00")
	row.Kind = ledger.KindExternal
	row.State = ledger.TxPending
	if err := m.RecordTransaction(ctx, row); err != nil {
		t.Fatalf("RecordTransaction() error = %v", err)
	}

	got, err := m.CompleteWithCredit(ctx, "tx-pull", "CR000100000001", amt("200.00"))
	if err != nil {
		t.Fatalf("CompleteWithCredit() error = %v", err)
	}
	if got.State != ledger.TxCompleted {
		t.Errorf("tx state = %s, want COMPLETED", got.State)
	}
	if b := balance(t, m, "CR000100000001"); !b.Equal(amt("1200.00")) {
		t.Errorf("balance = %s, want 1200.00", b)
	}

	// Terminal rows are never resurrected.
	if _, err := m.Resolve(ctx, "tx-pull", ledger.TxRejected, "late", false); !ledger.IsDuplicate(err) {
		t.Errorf("Resolve() on terminal tx error = %v, want duplicate", err)
	}
}

func TestRejectWithRefund(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	row := tx("tx-out", "CR000100000001", "CR020000000042", "300.00")
	row.State = ledger.TxPending
	if _, err := m.DebitRecorded(ctx, "CR000100000001", row); err != nil {
		t.Fatalf("DebitRecorded() error = %v", err)
	}
	if b := balance(t, m, "CR000100000001"); !b.Equal(amt("700.00")) {
		t.Fatalf("held balance = %s, want 700.00", b)
	}

	got, err := m.RejectWithRefund(ctx, "tx-out", "CR000100000001", amt("300.00"), "peer refused")
	if err != nil {
		t.Fatalf("RejectWithRefund() error = %v", err)
	}
	if got.State != ledger.TxRejected || got.Reason != "peer refused" {
		t.Errorf("tx = %s %q, want REJECTED with reason", got.State, got.Reason)
	}
	if b := balance(t, m, "CR000100000001"); !b.Equal(amt("1000.00")) {
		t.Errorf("refunded balance = %s, want 1000.00", b)
	}
}

func TestResolveReconciliationFlag(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	row := tx("tx-lost", "CR020000000042", "CR000100000001", "50.00")
	row.State = ledger.TxPending
	if err := m.RecordTransaction(ctx, row); err != nil {
		t.Fatalf("RecordTransaction() error = %v", err)
	}
	got, err := m.Resolve(ctx, "tx-lost", ledger.TxPending, "remote outcome unknown", true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !got.NeedsReconciliation {
		t.Error("NeedsReconciliation not set")
	}
	if got.State != ledger.TxPending {
		t.Errorf("tx state = %s, want PENDING", got.State)
	}
}

func TestVerifyCredential(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	tests := []struct {
		name    string
		number  string
		cedula  string
		wantErr error
	}{
		{"match", "CR000100000001", "1-1111-1111", nil},
		{"mismatch", "CR000100000001", "9-9999-9999", ledger.ErrCredentialMismatch},
		{"unknown account", "CR000900000009", "1-1111-1111", ledger.ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.VerifyCredential(ctx, tt.number, tt.cedula)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyCredential() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLookupPhone(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	a, err := m.LookupPhone(ctx, "88881111")
	if err != nil {
		t.Fatalf("LookupPhone() error = %v", err)
	}
	if a.Number != "CR000100000001" {
		t.Errorf("LookupPhone() = %s, want CR000100000001", a.Number)
	}
	if _, err := m.LookupPhone(ctx, "00000000"); !ledger.IsNotFound(err) {
		t.Errorf("LookupPhone(unknown) error = %v, want not found", err)
	}
}

func TestLookupAccountReturnsCopy(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	a, _ := m.LookupAccount(ctx, "CR000100000001")
	a.Balance = amt("0")
	if b := balance(t, m, "CR000100000001"); !b.Equal(amt("1000.00")) {
		t.Errorf("mutating the returned account leaked into the ledger: balance = %s", b)
	}
}

func TestConcurrentTransfersConserveMoney(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "CR000100000001", "CR000200000002"
			if i%2 == 1 {
				from, to = to, from
			}
			id := fmt.Sprintf("tx-conc-%d", i)
			_, _ = m.TransferAtomic(ctx, from, to, tx(id, from, to, "10.00"))
		}(i)
	}
	wg.Wait()

	total := balance(t, m, "CR000100000001").Add(balance(t, m, "CR000200000002"))
	if !total.Equal(amt("1500.00")) {
		t.Errorf("total balance = %s, want 1500.00", total)
	}
}
