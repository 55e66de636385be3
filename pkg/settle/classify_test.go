package settle

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"settlenet/pkg/ledger"
	"settlenet/pkg/ledger/memory"
	"settlenet/pkg/wire"
)

func classifyLedger() *memory.MemoryLedger {
	m := memory.NewMemoryLedger()
	m.AddAccount(&ledger.Account{
		Number:   "CR000100000001",
		BankCode: "CR00",
		Phone:    "88881111",
		Balance:  decimal.RequireFromString("1000.00"),
		Currency: "CRC",
	})
	m.AddAccount(&ledger.Account{
		Number:   "CR000200000002",
		BankCode: "CR00",
		Phone:    "88882222",
		Balance:  decimal.RequireFromString("500.00"),
		Currency: "CRC",
	})
	return m
}

func classifyMsg(sender, receiver wire.Party) *wire.TransferMessage {
	return &wire.TransferMessage{
		Version:       wire.Version,
		Timestamp:     "2026-08-29T10:15:00Z",
		TransactionID: "tx-classify",
		Sender:        sender,
		Receiver:      receiver,
		Amount:        wire.Amount{Value: decimal.RequireFromString("10.00"), Currency: "CRC"},
	}
}

func TestClassify(t *testing.T) {
	dir := classifyLedger()
	ctx := context.Background()

	tests := []struct {
		name     string
		sender   wire.Party
		receiver wire.Party
		want     RouteKind
		wantBank string
		wantErr  error
	}{
		{
			name:     "both local is internal",
			sender:   wire.Party{AccountNumber: "CR000100000001", BankCode: "CR00"},
			receiver: wire.Party{AccountNumber: "CR000200000002", BankCode: "CR00"},
			want:     RouteInternal,
		},
		{
			name:     "receiver only is external credit",
			sender:   wire.Party{AccountNumber: "CR020000000042", BankCode: "CR02"},
			receiver: wire.Party{AccountNumber: "CR000200000002", BankCode: "CR00"},
			want:     RouteExternalCredit,
		},
		{
			name:     "foreign receiver is forward",
			sender:   wire.Party{AccountNumber: "CR000100000001", BankCode: "CR00"},
			receiver: wire.Party{AccountNumber: "CR020000000042", BankCode: "CR02"},
			want:     RouteForward,
			wantBank: "CR02",
		},
		{
			name:     "unknown local receiver is an error, not a forward",
			sender:   wire.Party{AccountNumber: "CR000100000001", BankCode: "CR00"},
			receiver: wire.Party{AccountNumber: "CR000900000009", BankCode: "CR00"},
			wantErr:  ledger.ErrAccountNotFound,
		},
		{
			name:     "mobile resolves by phone",
			sender:   wire.Party{PhoneNumber: "88881111", BankCode: "CR00"},
			receiver: wire.Party{PhoneNumber: "88882222", BankCode: "CR00"},
			want:     RouteInternal,
		},
		{
			name:     "mobile unknown foreign phone forwards",
			sender:   wire.Party{PhoneNumber: "88881111", BankCode: "CR00"},
			receiver: wire.Party{PhoneNumber: "70001111", BankCode: "CR02"},
			want:     RouteForward,
			wantBank: "CR02",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, err := Classify(ctx, dir, "CR00", classifyMsg(tt.sender, tt.receiver))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Classify() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if route.Kind != tt.want {
				t.Errorf("kind = %s, want %s", route.Kind, tt.want)
			}
			if route.ReceiverBank != tt.wantBank {
				t.Errorf("receiver bank = %q, want %q", route.ReceiverBank, tt.wantBank)
			}
			if tt.want == RouteInternal && (route.Sender == nil || route.Receiver == nil) {
				t.Error("internal route missing resolved accounts")
			}
			if tt.want == RouteExternalCredit && route.Receiver == nil {
				t.Error("external credit route missing resolved receiver")
			}
		})
	}
}

func TestReplayFilter(t *testing.T) {
	f := NewReplayFilter(1000, 0.01)
	if f.MaybeSeen("tx-1") {
		t.Error("empty filter reported tx-1 as seen")
	}
	f.Add("tx-1")
	if !f.MaybeSeen("tx-1") {
		t.Error("filter lost tx-1")
	}
}
