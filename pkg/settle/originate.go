package settle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlenet/pkg/gateway"
	"settlenet/pkg/ledger"
	"settlenet/pkg/wire"
)

// OriginateRequest starts a transfer from a local account. When the
// receiver also resolves locally this is a plain internal transfer;
// otherwise the sender is debited, a PENDING row is held, and the signed
// message is delivered to the receiver's bank.
type OriginateRequest struct {
	FromAccount   string
	Receiver      wire.Party
	Amount        decimal.Decimal
	Currency      string
	Description   string
	TransactionID string
}

// Originate executes an outbound transfer. A peer NACK refunds the held
// debit in full; an indeterminate delivery keeps the debit held and flags
// the row for reconciliation, mirroring the pull policy: money whose remote
// leg is unknown is parked, never guessed.
func (e *Engine) Originate(ctx context.Context, req OriginateRequest) (Outcome, error) {
	start := time.Now()

	if err := e.validateOriginate(&req); err != nil {
		return Outcome{}, err
	}

	sender, err := e.ledger.LookupAccount(ctx, req.FromAccount)
	if err != nil {
		return Outcome{}, err
	}
	if !sender.Active() {
		return Outcome{}, ledger.ErrAccountInactive
	}
	if sender.Currency != req.Currency {
		return Outcome{}, ledger.ErrCurrencyMismatch
	}

	type originated struct {
		out Outcome
		err error
	}
	v, _, _ := e.sf.Do(req.TransactionID, func() (interface{}, error) {
		out, err := e.originate(ctx, start, req, sender)
		return originated{out, err}, nil
	})
	o := v.(originated)
	return o.out, o.err
}

func (e *Engine) validateOriginate(req *OriginateRequest) error {
	if req.FromAccount == "" {
		return fmt.Errorf("%w: missing from account", wire.ErrValidation)
	}
	if req.Receiver.BankCode == "" {
		return fmt.Errorf("%w: missing receiver bank_code", wire.ErrValidation)
	}
	if req.Receiver.AccountNumber == "" && req.Receiver.PhoneNumber == "" {
		return fmt.Errorf("%w: missing receiver identifier", wire.ErrValidation)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", wire.ErrValidation)
	}
	if req.TransactionID == "" {
		req.TransactionID = uuid.NewString()
	}
	return nil
}

func (e *Engine) originate(ctx context.Context, start time.Time, req OriginateRequest, sender *ledger.Account) (Outcome, error) {
	if prior, err := e.ledger.FindTransaction(ctx, req.TransactionID); err == nil {
		return e.priorOutcome(prior, "")
	}

	mobile := req.Receiver.PhoneNumber != ""
	if mobile && sender.Phone == "" {
		return Outcome{}, fmt.Errorf("%w: sender has no phone number for a mobile transfer", wire.ErrValidation)
	}

	// Receiver on this node: settle internally, no wire hop.
	if e.table.IsLocal(req.Receiver.BankCode) {
		return e.originateInternal(ctx, start, req, sender, mobile)
	}

	endpoint, err := e.table.Resolve(req.Receiver.BankCode)
	if err != nil {
		return Outcome{}, err
	}

	kind := ledger.KindExternal
	if mobile {
		kind = ledger.KindMobile
	}
	pending := &ledger.Transaction{
		ID:          req.TransactionID,
		Origin:      sender.Number,
		Destination: req.Receiver.Identifier(mobile),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Kind:        kind,
		State:       ledger.TxPending,
		Reason:      "awaiting peer acknowledgment",
	}
	if _, err := e.ledger.DebitRecorded(ctx, sender.Number, pending); err != nil {
		if ledger.IsDuplicate(err) {
			if prior, ferr := e.ledger.FindTransaction(ctx, req.TransactionID); ferr == nil {
				return e.priorOutcome(prior, "")
			}
		}
		return Outcome{}, err
	}

	msg := &wire.TransferMessage{
		Version:       wire.Version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		TransactionID: req.TransactionID,
		Sender: wire.Party{
			BankCode: e.table.Self(),
			Name:     sender.Holder,
		},
		Receiver:    req.Receiver,
		Amount:      wire.Amount{Value: req.Amount, Currency: req.Currency},
		Description: req.Description,
	}
	if mobile {
		msg.Sender.PhoneNumber = sender.Phone
	} else {
		msg.Sender.AccountNumber = sender.Number
	}
	if err := e.auth.SignTransfer(msg); err != nil {
		_, _ = e.ledger.RejectWithRefund(ctx, req.TransactionID, sender.Number, req.Amount, "cannot sign transfer")
		return Outcome{}, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Outcome{}, err
	}

	res := e.gw.Post(ctx, endpoint, TransferPath, payload)

	switch res.Outcome {
	case gateway.Ack:
		completed, err := e.ledger.Resolve(ctx, req.TransactionID, ledger.TxCompleted, "", false)
		if err != nil {
			return Outcome{}, err
		}
		e.replay.Add(req.TransactionID)
		e.metrics.RecordSettlement("originate", "completed", time.Since(start))
		e.logger.Info("outbound transfer delivered",
			zap.String("transaction_id", req.TransactionID),
			zap.String("receiver_bank", req.Receiver.BankCode),
			zap.String("amount", req.Amount.StringFixed(2)),
		)
		return Outcome{
			Status:        wire.StatusAck,
			TransactionID: req.TransactionID,
			Kind:          "originate",
			Tx:            completed,
		}, nil

	case gateway.Nack:
		// The peer refused: the held debit is returned in full.
		rejected, err := e.ledger.RejectWithRefund(ctx, req.TransactionID, sender.Number, req.Amount, res.Reason)
		if err != nil {
			return Outcome{}, err
		}
		e.replay.Add(req.TransactionID)
		e.metrics.RecordSettlement("originate", "rejected", time.Since(start))
		return Outcome{
			Status:        wire.StatusNack,
			TransactionID: req.TransactionID,
			Reason:        res.Reason,
			Kind:          "originate",
			PeerStatus:    res.Status,
			Tx:            rejected,
		}, nil

	default:
		// Delivery outcome unknown: the peer may have credited. The
		// debit stays held and the row is flagged, no silent refund.
		flagged, rerr := e.ledger.Resolve(ctx, req.TransactionID, ledger.TxPending,
			"peer delivery outcome unknown; flagged for reconciliation", true)
		if rerr != nil {
			return Outcome{}, rerr
		}
		e.metrics.RecordSettlement("originate", "reconcile_pending", time.Since(start))
		e.logger.Error("outbound transfer outcome unknown",
			zap.String("transaction_id", req.TransactionID),
			zap.String("receiver_bank", req.Receiver.BankCode),
			zap.Error(res.Err),
		)
		return Outcome{
			Status:           wire.StatusPending,
			TransactionID:    req.TransactionID,
			Reason:           flagged.Reason,
			Kind:             "originate",
			ReconcilePending: true,
			Tx:               flagged,
		}, fmt.Errorf("%w: delivery to %s", ErrRemoteIndeterminate, req.Receiver.BankCode)
	}
}

func (e *Engine) originateInternal(ctx context.Context, start time.Time, req OriginateRequest, sender *ledger.Account, mobile bool) (Outcome, error) {
	var receiver *ledger.Account
	var err error
	if mobile {
		receiver, err = e.ledger.LookupPhone(ctx, req.Receiver.PhoneNumber)
	} else {
		receiver, err = e.ledger.LookupAccount(ctx, req.Receiver.AccountNumber)
	}
	if err != nil {
		return Outcome{}, err
	}

	kind := ledger.KindInternal
	if mobile {
		kind = ledger.KindMobile
	}
	tx := &ledger.Transaction{
		ID:          req.TransactionID,
		Origin:      sender.Number,
		Destination: receiver.Number,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Kind:        kind,
	}
	recorded, err := e.ledger.TransferAtomic(ctx, sender.Number, receiver.Number, tx)
	if ledger.IsDuplicate(err) {
		if prior, ferr := e.ledger.FindTransaction(ctx, req.TransactionID); ferr == nil {
			return e.priorOutcome(prior, "")
		}
	}
	if err != nil {
		e.metrics.RecordSettlement("originate", ledger.ClassifyError(err), time.Since(start))
		return Outcome{}, err
	}

	e.replay.Add(req.TransactionID)
	e.emit(recorded)
	e.metrics.RecordSettlement("originate", "completed", time.Since(start))
	return Outcome{
		Status:        wire.StatusAck,
		TransactionID: recorded.ID,
		Kind:          "originate",
		Tx:            recorded,
	}, nil
}
