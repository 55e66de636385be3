package settle

import (
	"context"
	"fmt"

	"settlenet/pkg/ledger"
	"settlenet/pkg/wire"
)

// RouteKind tags how a transfer message settles.
type RouteKind int

const (
	// RouteInternal settles both legs against the local ledger.
	RouteInternal RouteKind = iota
	// RouteExternalCredit credits the local receiver; the sending peer
	// already debited its own side before forwarding.
	RouteExternalCredit
	// RouteForward relays the message to the bank owning the receiver.
	// Pure relay: no local balance is touched.
	RouteForward
)

// String returns the metrics label for the route kind.
func (k RouteKind) String() string {
	switch k {
	case RouteInternal:
		return "internal"
	case RouteExternalCredit:
		return "external_credit"
	default:
		return "forward"
	}
}

// Route is the classification decision, separated from execution so the
// dispatch rule stays a pure function.
type Route struct {
	Kind RouteKind

	// Sender and Receiver are the locally resolved accounts; nil when the
	// corresponding side is not ours.
	Sender   *ledger.Account
	Receiver *ledger.Account

	// ReceiverBank is the owning bank code for forwarded messages.
	ReceiverBank string
}

// Directory is the read-only account resolution view the classifier needs.
type Directory interface {
	LookupAccount(ctx context.Context, number string) (*ledger.Account, error)
	LookupPhone(ctx context.Context, phone string) (*ledger.Account, error)
}

// Classify decides how m settles on a node whose bank code is self,
// evaluating the rules in order:
//
//  1. both sides resolve locally: internal transfer;
//  2. only the receiver resolves locally: inbound external credit;
//  3. the receiver is not ours: forward to its bank.
//
// A message for this bank whose receiver does not resolve is an unknown
// local account, not a forwarding case.
func Classify(ctx context.Context, dir Directory, self string, m *wire.TransferMessage) (Route, error) {
	mobile := m.Mobile()

	receiver, err := resolve(ctx, dir, m.Receiver, mobile)
	if err != nil {
		if !ledger.IsNotFound(err) {
			return Route{}, err
		}
		if m.Receiver.BankCode == self {
			return Route{}, fmt.Errorf("%w: receiver %s", ledger.ErrAccountNotFound,
				m.Receiver.Identifier(mobile))
		}
		return Route{Kind: RouteForward, ReceiverBank: m.Receiver.BankCode}, nil
	}

	sender, err := resolve(ctx, dir, m.Sender, mobile)
	if err != nil {
		if !ledger.IsNotFound(err) {
			return Route{}, err
		}
		return Route{Kind: RouteExternalCredit, Receiver: receiver}, nil
	}

	return Route{Kind: RouteInternal, Sender: sender, Receiver: receiver}, nil
}

func resolve(ctx context.Context, dir Directory, p wire.Party, mobile bool) (*ledger.Account, error) {
	if mobile {
		return dir.LookupPhone(ctx, p.PhoneNumber)
	}
	return dir.LookupAccount(ctx, p.AccountNumber)
}
