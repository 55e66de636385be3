package settle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"settlenet/pkg/gateway"
	"settlenet/pkg/ledger"
	"settlenet/pkg/ledger/memory"
	metricsmem "settlenet/pkg/metrics/memory"
	"settlenet/pkg/msgauth"
	"settlenet/pkg/notify"
	"settlenet/pkg/routing"
	"settlenet/pkg/wire"
)

type peerCall struct {
	endpoint string
	path     string
	payload  []byte
}

// stubGateway scripts peer responses and records every outbound call.
type stubGateway struct {
	result gateway.Result
	calls  []peerCall
}

func (s *stubGateway) Post(ctx context.Context, endpoint, path string, payload []byte) gateway.Result {
	s.calls = append(s.calls, peerCall{endpoint: endpoint, path: path, payload: payload})
	return s.result
}

type stubSink struct {
	events []notify.Event
}

func (s *stubSink) FundsReceived(ev notify.Event) {
	s.events = append(s.events, ev)
}

func testAuthenticator() *msgauth.Authenticator {
	return msgauth.NewAuthenticator(msgauth.NewKeyring(
		map[string]string{
			"CR00:CR00": "s-00-00",
			"CR00:CR02": "s-00-02",
			"CR02:CR00": "s-02-00",
			"CR02:CR03": "s-02-03",
		},
		map[string]string{msgauth.ClassMobile: "s-mobile"},
	))
}

type testFixture struct {
	engine  *Engine
	ledger  *memory.MemoryLedger
	gw      *stubGateway
	sink    *stubSink
	metrics *metricsmem.MemoryCollector
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()

	ld := memory.NewMemoryLedger()
	ld.AddAccount(&ledger.Account{
		Number:   "CR000100000001",
		BankCode: "CR00",
		Holder:   "Ana Rojas",
		Cedula:   "1-1111-1111",
		Phone:    "88881111",
		Balance:  decimal.RequireFromString("1000.00"),
		Currency: "CRC",
	})
	ld.AddAccount(&ledger.Account{
		Number:   "CR000200000002",
		BankCode: "CR00",
		Holder:   "Luis Mora",
		Cedula:   "2-2222-2222",
		Phone:    "88882222",
		Balance:  decimal.RequireFromString("500.00"),
		Currency: "CRC",
	})

	gw := &stubGateway{result: gateway.Result{Outcome: gateway.Ack, Status: 200}}
	sink := &stubSink{}
	collector := metricsmem.NewMemoryCollector()

	engine, err := New(Config{
		Ledger: ld,
		Table: routing.NewTable("CR00", map[string]string{
			"CR02": "http://bank-cr02:8080",
			"CR03": "http://bank-cr03:8080",
		}),
		Gateway: gw,
		Auth:    testAuthenticator(),
		Sink:    sink,
		Metrics: collector,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testFixture{engine: engine, ledger: ld, gw: gw, sink: sink, metrics: collector}
}

// signedMessage builds, signs and serializes a transfer message.
func signedMessage(t *testing.T, f *testFixture, mutate func(*wire.TransferMessage)) ([]byte, *wire.TransferMessage) {
	t.Helper()
	m := &wire.TransferMessage{
		Version:       wire.Version,
		Timestamp:     "2026-08-29T10:15:00Z",
		TransactionID: "b6b7a632-41b7-4b66-a5ac-9d1cf683cdb2",
		Sender:        wire.Party{AccountNumber: "CR000100000001", BankCode: "CR00"},
		Receiver:      wire.Party{AccountNumber: "CR000200000002", BankCode: "CR00"},
		Amount:        wire.Amount{Value: decimal.RequireFromString("250.00"), Currency: "CRC"},
	}
	if mutate != nil {
		mutate(m)
	}
	if err := testAuthenticator().SignTransfer(m); err != nil {
		t.Fatalf("SignTransfer() error = %v", err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return raw, m
}

func checkBalance(t *testing.T, ld *memory.MemoryLedger, number, want string) {
	t.Helper()
	a, err := ld.LookupAccount(context.Background(), number)
	if err != nil {
		t.Fatalf("LookupAccount(%s) error = %v", number, err)
	}
	if !a.Balance.Equal(decimal.RequireFromString(want)) {
		t.Errorf("balance(%s) = %s, want %s", number, a.Balance, want)
	}
}

func TestSettleInternalTransfer(t *testing.T) {
	f := newFixture(t)
	raw, m := signedMessage(t, f, nil)

	out, err := f.engine.Settle(context.Background(), raw, m)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if out.Status != wire.StatusAck {
		t.Errorf("status = %s, want ACK", out.Status)
	}
	if out.Kind != "internal" {
		t.Errorf("kind = %s, want internal", out.Kind)
	}
	checkBalance(t, f.ledger, "CR000100000001", "750.00")
	checkBalance(t, f.ledger, "CR000200000002", "750.00")

	if len(f.sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(f.sink.events))
	}
	if ev := f.sink.events[0]; ev.Account != "CR000200000002" || !ev.Amount.Equal(m.Amount.Value) {
		t.Errorf("event = %+v", ev)
	}
	if f.metrics.SettlementCount("internal", "completed") != 1 {
		t.Error("settlement metric not recorded")
	}
	if len(f.gw.calls) != 0 {
		t.Errorf("internal transfer hit the gateway %d times", len(f.gw.calls))
	}
}

func TestSettleBadDigestNoMutation(t *testing.T) {
	f := newFixture(t)
	raw, m := signedMessage(t, f, nil)
	m.HMACMD5 = "00000000000000000000000000000000"

	_, err := f.engine.Settle(context.Background(), raw, m)
	if !msgauth.IsAuthFailure(err) {
		t.Fatalf("Settle() error = %v, want auth failure", err)
	}
	checkBalance(t, f.ledger, "CR000100000001", "1000.00")
	checkBalance(t, f.ledger, "CR000200000002", "500.00")
	if _, err := f.ledger.FindTransaction(context.Background(), m.TransactionID); !errors.Is(err, ledger.ErrTxNotFound) {
		t.Errorf("unexpected ledger row after auth failure: %v", err)
	}
}

func TestSettleValidationFailure(t *testing.T) {
	f := newFixture(t)
	raw, m := signedMessage(t, f, func(m *wire.TransferMessage) {
		m.Amount.Currency = "bad"
	})
	if _, err := f.engine.Settle(context.Background(), raw, m); !errors.Is(err, wire.ErrValidation) {
		t.Fatalf("Settle() error = %v, want validation failure", err)
	}
}

func TestSettleInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	raw, m := signedMessage(t, f, func(m *wire.TransferMessage) {
		m.Amount.Value = decimal.RequireFromString("1000.01")
	})

	_, err := f.engine.Settle(context.Background(), raw, m)
	if !ledger.IsInsufficientFunds(err) {
		t.Fatalf("Settle() error = %v, want insufficient funds", err)
	}
	checkBalance(t, f.ledger, "CR000100000001", "1000.00")
	checkBalance(t, f.ledger, "CR000200000002", "500.00")
}

func TestSettleReplayReturnsPriorResult(t *testing.T) {
	f := newFixture(t)
	raw, m := signedMessage(t, f, nil)
	ctx := context.Background()

	if _, err := f.engine.Settle(ctx, raw, m); err != nil {
		t.Fatalf("first Settle() error = %v", err)
	}
	out, err := f.engine.Settle(ctx, raw, m)
	if err != nil {
		t.Fatalf("replayed Settle() error = %v", err)
	}
	if !out.Duplicate {
		t.Error("replay not marked duplicate")
	}
	if out.Status != wire.StatusAck {
		t.Errorf("replay status = %s, want ACK", out.Status)
	}
	// Applied exactly once.
	checkBalance(t, f.ledger, "CR000100000001", "750.00")
	checkBalance(t, f.ledger, "CR000200000002", "750.00")
	if f.metrics.Duplicates != 1 {
		t.Errorf("duplicate metric = %d, want 1", f.metrics.Duplicates)
	}
}

func TestSettleIDReuseWithDifferentPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw, m := signedMessage(t, f, nil)
	if _, err := f.engine.Settle(ctx, raw, m); err != nil {
		t.Fatalf("first Settle() error = %v", err)
	}

	raw2, m2 := signedMessage(t, f, func(m *wire.TransferMessage) {
		m.Amount.Value = decimal.RequireFromString("999.00")
	})
	_, err := f.engine.Settle(ctx, raw2, m2)
	if !errors.Is(err, ErrIDConflict) {
		t.Fatalf("Settle() error = %v, want ErrIDConflict", err)
	}
	// The conflicting message moved nothing.
	checkBalance(t, f.ledger, "CR000100000001", "750.00")
}

func TestSettleExternalCredit(t *testing.T) {
	f := newFixture(t)
	raw, m := signedMessage(t, f, func(m *wire.TransferMessage) {
		m.Sender = wire.Party{AccountNumber: "CR020000000042", BankCode: "CR02"}
	})

	out, err := f.engine.Settle(context.Background(), raw, m)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if out.Status != wire.StatusAck || out.Kind != "external_credit" {
		t.Errorf("outcome = %s/%s, want ACK/external_credit", out.Status, out.Kind)
	}
	checkBalance(t, f.ledger, "CR000200000002", "750.00")

	tx, err := f.ledger.FindTransaction(context.Background(), m.TransactionID)
	if err != nil {
		t.Fatalf("FindTransaction() error = %v", err)
	}
	if tx.Origin != "CR020000000042" {
		t.Errorf("tx origin = %s, want external account", tx.Origin)
	}
	if tx.State != ledger.TxCompleted {
		t.Errorf("tx state = %s, want COMPLETED", tx.State)
	}
}

func TestSettleExternalCreditCurrencyMismatch(t *testing.T) {
	f := newFixture(t)
	raw, m := signedMessage(t, f, func(m *wire.TransferMessage) {
		m.Sender = wire.Party{AccountNumber: "CR020000000042", BankCode: "CR02"}
		m.Amount = wire.Amount{Value: decimal.RequireFromString("250.00"), Currency: "USD"}
	})

	_, err := f.engine.Settle(context.Background(), raw, m)
	if !errors.Is(err, ledger.ErrCurrencyMismatch) {
		t.Fatalf("Settle() error = %v, want ErrCurrencyMismatch", err)
	}
	// The USD value is never added to the CRC balance.
	checkBalance(t, f.ledger, "CR000200000002", "500.00")
	if _, err := f.ledger.FindTransaction(context.Background(), m.TransactionID); !errors.Is(err, ledger.ErrTxNotFound) {
		t.Errorf("unexpected ledger row after currency mismatch: %v", err)
	}
	if len(f.sink.events) != 0 {
		t.Errorf("events = %d, want 0", len(f.sink.events))
	}
}

func TestSettleForwardRelaysRawBytes(t *testing.T) {
	f := newFixture(t)
	raw, m := signedMessage(t, f, func(m *wire.TransferMessage) {
		m.Sender = wire.Party{AccountNumber: "CR020000000042", BankCode: "CR02"}
		m.Receiver = wire.Party{AccountNumber: "CR030000000007", BankCode: "CR03"}
	})

	out, err := f.engine.Settle(context.Background(), raw, m)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if out.Status != wire.StatusAck || out.Kind != "forward" {
		t.Errorf("outcome = %s/%s, want ACK/forward", out.Status, out.Kind)
	}

	if len(f.gw.calls) != 1 {
		t.Fatalf("gateway calls = %d, want 1", len(f.gw.calls))
	}
	call := f.gw.calls[0]
	if call.endpoint != "http://bank-cr03:8080" || call.path != TransferPath {
		t.Errorf("relayed to %s%s", call.endpoint, call.path)
	}
	if string(call.payload) != string(raw) {
		t.Error("relay rewrote the signed message bytes")
	}

	// Pure relay: no local balance, no local row.
	checkBalance(t, f.ledger, "CR000100000001", "1000.00")
	checkBalance(t, f.ledger, "CR000200000002", "500.00")
	if _, err := f.ledger.FindTransaction(context.Background(), m.TransactionID); !errors.Is(err, ledger.ErrTxNotFound) {
		t.Errorf("forward wrote a local row: %v", err)
	}
}

func TestSettleForwardNackPassthrough(t *testing.T) {
	f := newFixture(t)
	f.gw.result = gateway.Result{Outcome: gateway.Nack, Status: 404, Reason: "account not found"}

	raw, m := signedMessage(t, f, func(m *wire.TransferMessage) {
		m.Sender = wire.Party{AccountNumber: "CR020000000042", BankCode: "CR02"}
		m.Receiver = wire.Party{AccountNumber: "CR030000000007", BankCode: "CR03"}
	})

	out, err := f.engine.Settle(context.Background(), raw, m)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if out.Status != wire.StatusNack {
		t.Errorf("status = %s, want NACK", out.Status)
	}
	if out.PeerStatus != 404 || out.Reason != "account not found" {
		t.Errorf("peer status/reason = %d/%q", out.PeerStatus, out.Reason)
	}
}

func TestSettleForwardIndeterminate(t *testing.T) {
	f := newFixture(t)
	f.gw.result = gateway.Result{Outcome: gateway.Indeterminate, Reason: "transport failure"}

	raw, m := signedMessage(t, f, func(m *wire.TransferMessage) {
		m.Sender = wire.Party{AccountNumber: "CR020000000042", BankCode: "CR02"}
		m.Receiver = wire.Party{AccountNumber: "CR030000000007", BankCode: "CR03"}
	})

	_, err := f.engine.Settle(context.Background(), raw, m)
	if !errors.Is(err, ErrRemoteIndeterminate) {
		t.Fatalf("Settle() error = %v, want ErrRemoteIndeterminate", err)
	}
}

func TestSettleUnknownBankPair(t *testing.T) {
	f := newFixture(t)

	// No secret is configured for CR02:CR09; the message is rejected
	// before any routing decision.
	m := &wire.TransferMessage{
		Version:       wire.Version,
		Timestamp:     "2026-08-29T10:15:00Z",
		TransactionID: "c7d8e9f0-1234-4a5b-8c9d-0e1f2a3b4c5d",
		Sender:        wire.Party{AccountNumber: "CR020000000042", BankCode: "CR02"},
		Receiver:      wire.Party{AccountNumber: "CR090000000001", BankCode: "CR09"},
		Amount:        wire.Amount{Value: decimal.RequireFromString("10.00"), Currency: "CRC"},
	}
	other := msgauth.NewAuthenticator(msgauth.NewKeyring(map[string]string{"CR02:CR09": "s"}, nil))
	if err := other.SignTransfer(m); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Settle(context.Background(), raw, m); !msgauth.IsAuthFailure(err) {
		t.Fatalf("Settle() error = %v, want auth failure for unknown pair", err)
	}
	if len(f.gw.calls) != 0 {
		t.Error("unauthenticated message reached the gateway")
	}
}

func TestSettleMobileTransferKind(t *testing.T) {
	f := newFixture(t)
	raw, m := signedMessage(t, f, func(m *wire.TransferMessage) {
		m.Sender = wire.Party{PhoneNumber: "88881111", BankCode: "CR00"}
		m.Receiver = wire.Party{PhoneNumber: "88882222", BankCode: "CR00"}
	})

	out, err := f.engine.Settle(context.Background(), raw, m)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if out.Status != wire.StatusAck {
		t.Fatalf("status = %s, want ACK", out.Status)
	}
	tx, err := f.ledger.FindTransaction(context.Background(), m.TransactionID)
	if err != nil {
		t.Fatalf("FindTransaction() error = %v", err)
	}
	if tx.Kind != ledger.KindMobile {
		t.Errorf("tx kind = %s, want MOBILE", tx.Kind)
	}
	checkBalance(t, f.ledger, "CR000100000001", "750.00")
	checkBalance(t, f.ledger, "CR000200000002", "750.00")
}
