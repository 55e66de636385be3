// Package msgauth authenticates interbank wire messages with a keyed digest
// over a canonical serialization of the message's money-moving fields.
package msgauth

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"settlenet/pkg/wire"
)

// ErrAuthentication marks a message whose digest does not match the
// canonical fields, or for which no shared secret is configured.
// Authentication failure is terminal for the message.
var ErrAuthentication = errors.New("msgauth: authentication failure")

// ClassMobile selects the shared secret for phone-number transfers.
const ClassMobile = "mobile"

// Compute returns the hex-encoded HMAC-MD5 digest over the canonical
// concatenation of identifier, ISO-8601 timestamp, transaction id and the
// amount formatted with exactly two fractional digits.
func Compute(secret, identifier, timestamp, transactionID string, amount decimal.Decimal) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(identifier + timestamp + transactionID + amount.StringFixed(2)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the digest over the canonical fields and compares it to
// the provided one in constant time. The comparison is case-insensitive on
// the hex encoding.
func Verify(secret, identifier, timestamp, transactionID string, amount decimal.Decimal, provided string) bool {
	want, err := hex.DecodeString(Compute(secret, identifier, timestamp, transactionID, amount))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

// Keyring resolves the shared secret for a message. Account-to-account
// messages use a per-(origin,destination) bank pair secret; mobile messages
// use a secret shared by the whole message class. Secrets are configured
// out-of-band and read-only here.
type Keyring struct {
	pairs   map[string]string
	classes map[string]string
}

// NewKeyring builds a keyring from pair secrets keyed "ORIGIN:DESTINATION"
// and message-class secrets keyed by class name.
func NewKeyring(pairs, classes map[string]string) *Keyring {
	if pairs == nil {
		pairs = map[string]string{}
	}
	if classes == nil {
		classes = map[string]string{}
	}
	return &Keyring{pairs: pairs, classes: classes}
}

// PairSecret returns the secret shared between an origin and a destination
// bank.
func (k *Keyring) PairSecret(origin, destination string) (string, bool) {
	s, ok := k.pairs[origin+":"+destination]
	return s, ok
}

// ClassSecret returns the secret shared by a message class.
func (k *Keyring) ClassSecret(class string) (string, bool) {
	s, ok := k.classes[class]
	return s, ok
}

// Authenticator verifies and signs wire messages against a keyring.
type Authenticator struct {
	ring *Keyring
}

// NewAuthenticator creates an authenticator over the given keyring.
func NewAuthenticator(ring *Keyring) *Authenticator {
	return &Authenticator{ring: ring}
}

// transferSecret picks the secret for a transfer message: the mobile class
// secret for phone transfers, the (sender bank, receiver bank) pair secret
// otherwise.
func (a *Authenticator) transferSecret(m *wire.TransferMessage) (string, error) {
	if m.Mobile() {
		if s, ok := a.ring.ClassSecret(ClassMobile); ok {
			return s, nil
		}
		return "", fmt.Errorf("%w: no mobile class secret configured", ErrAuthentication)
	}
	if s, ok := a.ring.PairSecret(m.Sender.BankCode, m.Receiver.BankCode); ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: no secret for bank pair %s:%s", ErrAuthentication,
		m.Sender.BankCode, m.Receiver.BankCode)
}

// VerifyTransfer checks a transfer message's digest. The canonical
// identifier is the sender's account number, or the sender's phone number
// for mobile messages; using the wrong class produces a mismatch and a
// rejection by construction.
func (a *Authenticator) VerifyTransfer(m *wire.TransferMessage) error {
	secret, err := a.transferSecret(m)
	if err != nil {
		return err
	}
	id := m.Sender.Identifier(m.Mobile())
	if !Verify(secret, id, m.Timestamp, m.TransactionID, m.Amount.Value, m.HMACMD5) {
		return fmt.Errorf("%w: digest mismatch for transaction %s", ErrAuthentication, m.TransactionID)
	}
	return nil
}

// SignTransfer computes and sets the digest on an outbound transfer message.
func (a *Authenticator) SignTransfer(m *wire.TransferMessage) error {
	secret, err := a.transferSecret(m)
	if err != nil {
		return err
	}
	id := m.Sender.Identifier(m.Mobile())
	m.HMACMD5 = Compute(secret, id, m.Timestamp, m.TransactionID, m.Amount.Value)
	return nil
}

// pullSecret picks the (requesting bank, remote bank) pair secret for a
// pull-debit request.
func (a *Authenticator) pullSecret(r *wire.PullDebitRequest) (string, error) {
	remoteBank, err := wire.BankCodeFromAccount(r.AccountNumberRemote)
	if err != nil {
		return "", err
	}
	if s, ok := a.ring.PairSecret(r.BankCode, remoteBank); ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: no secret for bank pair %s:%s", ErrAuthentication, r.BankCode, remoteBank)
}

// VerifyPullDebit checks a pull-debit request's digest. The canonical
// identifier is the remote account number being debited.
func (a *Authenticator) VerifyPullDebit(r *wire.PullDebitRequest) error {
	secret, err := a.pullSecret(r)
	if err != nil {
		return err
	}
	if !Verify(secret, r.AccountNumberRemote, r.Timestamp, r.TransactionID, r.Monto, r.HMACMD5) {
		return fmt.Errorf("%w: digest mismatch for transaction %s", ErrAuthentication, r.TransactionID)
	}
	return nil
}

// SignPullDebit computes and sets the digest on an outbound pull-debit
// request.
func (a *Authenticator) SignPullDebit(r *wire.PullDebitRequest) error {
	secret, err := a.pullSecret(r)
	if err != nil {
		return err
	}
	r.HMACMD5 = Compute(secret, r.AccountNumberRemote, r.Timestamp, r.TransactionID, r.Monto)
	return nil
}

// IsAuthFailure reports whether err is an authentication failure.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthentication)
}
