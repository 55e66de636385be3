package wire

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Version is the only wire protocol version this node speaks.
const Version = "1.0"

// Message acknowledgment statuses exchanged between nodes.
const (
	StatusAck  = "ACK"
	StatusNack = "NACK"
	// StatusPending marks a flow whose remote leg is unresolved and
	// flagged for reconciliation.
	StatusPending = "PENDING"
)

// DigestLen is the length of the hex-encoded message digest (128-bit MD5).
const DigestLen = 32

// bankCodeLen is the number of leading characters of an account number that
// encode the owning bank's code.
const bankCodeLen = 4

// ErrValidation marks a malformed or incomplete wire message.
var ErrValidation = errors.New("wire: validation failure")

// Party identifies one side of a transfer. Account-to-account messages carry
// an account number, mobile messages a phone number; exactly one class is
// used per message.
type Party struct {
	AccountNumber string `json:"account_number,omitempty"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	BankCode      string `json:"bank_code"`
	Name          string `json:"name,omitempty"`
}

// Identifier returns the party identifier for the given message class.
func (p Party) Identifier(mobile bool) string {
	if mobile {
		return p.PhoneNumber
	}
	return p.AccountNumber
}

// Amount is a positive monetary value with its 3-letter currency code.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// MarshalJSON emits the value as a JSON number, not a quoted string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`{"value":` + a.Value.String() + `,"currency":` + strconv.Quote(a.Currency) + `}`), nil
}

// TransferMessage is the signed interbank transfer message.
type TransferMessage struct {
	Version       string `json:"version"`
	Timestamp     string `json:"timestamp"`
	TransactionID string `json:"transaction_id"`
	Sender        Party  `json:"sender"`
	Receiver      Party  `json:"receiver"`
	Amount        Amount `json:"amount"`
	Description   string `json:"description,omitempty"`
	HMACMD5       string `json:"hmac_md5"`
}

// Mobile reports whether the message is a phone-number transfer.
func (m *TransferMessage) Mobile() bool {
	return m.Sender.PhoneNumber != "" || m.Receiver.PhoneNumber != ""
}

// Validate checks structural validity. It does not verify the digest.
func (m *TransferMessage) Validate() error {
	if m.Version != Version {
		return fmt.Errorf("%w: unsupported version %q", ErrValidation, m.Version)
	}
	if m.TransactionID == "" {
		return fmt.Errorf("%w: missing transaction_id", ErrValidation)
	}
	if _, err := time.Parse(time.RFC3339, m.Timestamp); err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrValidation, m.Timestamp)
	}
	mobile := m.Mobile()
	for side, p := range map[string]Party{"sender": m.Sender, "receiver": m.Receiver} {
		if p.BankCode == "" {
			return fmt.Errorf("%w: missing %s.bank_code", ErrValidation, side)
		}
		if p.Identifier(mobile) == "" {
			return fmt.Errorf("%w: missing %s identifier", ErrValidation, side)
		}
		if mobile && p.AccountNumber != "" {
			return fmt.Errorf("%w: %s mixes account and phone identifiers", ErrValidation, side)
		}
	}
	if !m.Amount.Value.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if err := validCurrency(m.Amount.Currency); err != nil {
		return err
	}
	return validDigest(m.HMACMD5)
}

// PullDebitRequest asks a peer bank to debit one of its own accounts on the
// requester's behalf. The remote account holder proves ownership with the
// cedula identity credential.
type PullDebitRequest struct {
	AccountNumberRemote string          `json:"account_number_remote"`
	Cedula              string          `json:"cedula"`
	Monto               decimal.Decimal `json:"monto"`
	Currency            string          `json:"currency"`
	TransactionID       string          `json:"transaction_id"`
	Timestamp           string          `json:"timestamp"`
	BankCode            string          `json:"bank_code"`
	DestinationAccount  string          `json:"destination_account"`
	HMACMD5             string          `json:"hmac_md5"`
}

// Validate checks structural validity. It does not verify the digest.
func (r *PullDebitRequest) Validate() error {
	if r.AccountNumberRemote == "" {
		return fmt.Errorf("%w: missing account_number_remote", ErrValidation)
	}
	if r.Cedula == "" {
		return fmt.Errorf("%w: missing cedula", ErrValidation)
	}
	if !r.Monto.IsPositive() {
		return fmt.Errorf("%w: monto must be positive", ErrValidation)
	}
	if r.TransactionID == "" {
		return fmt.Errorf("%w: missing transaction_id", ErrValidation)
	}
	if _, err := time.Parse(time.RFC3339, r.Timestamp); err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrValidation, r.Timestamp)
	}
	if r.BankCode == "" {
		return fmt.Errorf("%w: missing bank_code", ErrValidation)
	}
	if r.DestinationAccount == "" {
		return fmt.Errorf("%w: missing destination_account", ErrValidation)
	}
	if err := validCurrency(r.Currency); err != nil {
		return err
	}
	return validDigest(r.HMACMD5)
}

// PullDebitResponse is the peer's answer to a PullDebitRequest.
type PullDebitResponse struct {
	Status  string `json:"status"`
	Mensaje string `json:"mensaje,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Ack is the settlement result envelope returned for transfer messages.
type Ack struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// BankCodeFromAccount extracts the owning bank's code from an IBAN-like
// account number. The bank code is the fixed-width prefix of the number.
func BankCodeFromAccount(number string) (string, error) {
	if len(number) <= bankCodeLen {
		return "", fmt.Errorf("%w: account number %q too short", ErrValidation, number)
	}
	return number[:bankCodeLen], nil
}

func validCurrency(code string) error {
	if len(code) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code, got %q", ErrValidation, code)
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return fmt.Errorf("%w: currency must be a 3-letter code, got %q", ErrValidation, code)
		}
	}
	return nil
}

func validDigest(digest string) error {
	if len(digest) != DigestLen {
		return fmt.Errorf("%w: hmac_md5 must be %d hex characters", ErrValidation, DigestLen)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("%w: hmac_md5 is not hex", ErrValidation)
	}
	return nil
}
