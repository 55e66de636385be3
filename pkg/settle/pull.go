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

// reconcileReason is the stable reason recorded when a remote leg's outcome
// is unknown.
const reconcileReason = "remote debit outcome unknown; flagged for reconciliation"

// PullRequest asks this node to pull funds from a remote account into a
// local one. The remote account holder's cedula proves the requester may
// debit it.
type PullRequest struct {
	LocalAccount  string
	RemoteAccount string
	Cedula        string
	Amount        decimal.Decimal
	Currency      string
	TransactionID string
}

// Pull runs the two-phase pull-funds flow: Phase A asks the remote bank to
// debit its own account; Phase B credits the local destination only on an
// acknowledged Phase A. An indeterminate Phase A leaves the transaction
// PENDING with the reconciliation flag; money is never credited blind.
//
// Once Phase A has been acknowledged the flow cannot be canceled.
func (e *Engine) Pull(ctx context.Context, req PullRequest) (Outcome, error) {
	start := time.Now()

	if err := e.validatePull(&req); err != nil {
		return Outcome{}, err
	}

	local, err := e.ledger.LookupAccount(ctx, req.LocalAccount)
	if err != nil {
		return Outcome{}, err
	}
	if !local.Active() {
		return Outcome{}, ledger.ErrAccountInactive
	}
	if local.Currency != req.Currency {
		return Outcome{}, ledger.ErrCurrencyMismatch
	}

	remoteBank, err := wire.BankCodeFromAccount(req.RemoteAccount)
	if err != nil {
		return Outcome{}, err
	}
	if e.table.IsLocal(remoteBank) {
		return Outcome{}, fmt.Errorf("%w: remote account %s is local", wire.ErrValidation, req.RemoteAccount)
	}
	endpoint, err := e.table.Resolve(remoteBank)
	if err != nil {
		return Outcome{}, err
	}

	type pulled struct {
		out Outcome
		err error
	}
	v, _, _ := e.sf.Do(req.TransactionID, func() (interface{}, error) {
		out, err := e.pull(ctx, start, req, local.Number, endpoint)
		return pulled{out, err}, nil
	})
	p := v.(pulled)
	return p.out, p.err
}

func (e *Engine) validatePull(req *PullRequest) error {
	if req.LocalAccount == "" {
		return fmt.Errorf("%w: missing local account", wire.ErrValidation)
	}
	if req.RemoteAccount == "" {
		return fmt.Errorf("%w: missing remote account", wire.ErrValidation)
	}
	if req.Cedula == "" {
		return fmt.Errorf("%w: missing cedula", wire.ErrValidation)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", wire.ErrValidation)
	}
	if req.TransactionID == "" {
		req.TransactionID = uuid.NewString()
	}
	return nil
}

func (e *Engine) pull(ctx context.Context, start time.Time, req PullRequest, localNumber, endpoint string) (Outcome, error) {
	// A replayed pull id answers with the prior result instead of asking
	// the remote bank to debit twice.
	if prior, err := e.ledger.FindTransaction(ctx, req.TransactionID); err == nil {
		return e.priorOutcome(prior, "")
	}

	pending := &ledger.Transaction{
		ID:          req.TransactionID,
		Origin:      req.RemoteAccount,
		Destination: localNumber,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Kind:        ledger.KindExternal,
		State:       ledger.TxPending,
		Reason:      "awaiting remote debit",
	}
	if err := e.ledger.RecordTransaction(ctx, pending); err != nil {
		if ledger.IsDuplicate(err) {
			if prior, ferr := e.ledger.FindTransaction(ctx, req.TransactionID); ferr == nil {
				return e.priorOutcome(prior, "")
			}
		}
		return Outcome{}, err
	}

	debit := &wire.PullDebitRequest{
		AccountNumberRemote: req.RemoteAccount,
		Cedula:              req.Cedula,
		Monto:               req.Amount,
		Currency:            req.Currency,
		TransactionID:       req.TransactionID,
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
		BankCode:            e.table.Self(),
		DestinationAccount:  localNumber,
	}
	if err := e.auth.SignPullDebit(debit); err != nil {
		_, _ = e.ledger.Resolve(ctx, req.TransactionID, ledger.TxRejected, "cannot sign pull request", false)
		return Outcome{}, err
	}
	payload, err := json.Marshal(debit)
	if err != nil {
		return Outcome{}, err
	}

	res := e.gw.Post(ctx, endpoint, PullDebitPath, payload)

	switch res.Outcome {
	case gateway.Ack:
		// Phase B: the remote debit is guaranteed, credit locally.
		completed, err := e.ledger.CompleteWithCredit(ctx, req.TransactionID, localNumber, req.Amount)
		if err != nil {
			// The remote side debited but our credit failed. Keep the
			// row pending for reconciliation rather than losing money.
			_, _ = e.ledger.Resolve(ctx, req.TransactionID, ledger.TxPending, reconcileReason, true)
			e.metrics.RecordPull("reconcile_pending", time.Since(start))
			return Outcome{}, fmt.Errorf("pull credit after remote ack: %w", err)
		}
		e.replay.Add(req.TransactionID)
		e.emit(completed)
		e.metrics.RecordPull("completed", time.Since(start))
		e.logger.Info("pull completed",
			zap.String("transaction_id", req.TransactionID),
			zap.String("remote_account", req.RemoteAccount),
			zap.String("amount", req.Amount.StringFixed(2)),
		)
		return Outcome{
			Status:        wire.StatusAck,
			TransactionID: req.TransactionID,
			Kind:          "pull",
			Tx:            completed,
		}, nil

	case gateway.Nack:
		rejected, err := e.ledger.Resolve(ctx, req.TransactionID, ledger.TxRejected, res.Reason, false)
		if err != nil {
			return Outcome{}, err
		}
		e.replay.Add(req.TransactionID)
		e.metrics.RecordPull("rejected", time.Since(start))
		return Outcome{
			Status:        wire.StatusNack,
			TransactionID: req.TransactionID,
			Reason:        res.Reason,
			Kind:          "pull",
			PeerStatus:    res.Status,
			Tx:            rejected,
		}, nil

	default:
		// Money may or may not have left the remote side. No blind
		// credit; the row stays PENDING and flagged for manual
		// reconciliation.
		flagged, rerr := e.ledger.Resolve(ctx, req.TransactionID, ledger.TxPending, reconcileReason, true)
		if rerr != nil {
			return Outcome{}, rerr
		}
		e.metrics.RecordPull("reconcile_pending", time.Since(start))
		e.logger.Error("pull outcome unknown",
			zap.String("transaction_id", req.TransactionID),
			zap.String("remote_account", req.RemoteAccount),
			zap.Error(res.Err),
		)
		return Outcome{
			Status:           wire.StatusPending,
			TransactionID:    req.TransactionID,
			Reason:           reconcileReason,
			Kind:             "pull",
			ReconcilePending: true,
			Tx:               flagged,
		}, fmt.Errorf("%w: pull debit at %s", ErrRemoteIndeterminate, req.RemoteAccount)
	}
}

// AuthorizeDebit is the peer-facing half of the pull flow: a remote bank
// asks this node to debit one of its own accounts on the requester's
// behalf. Ownership is proven by the cedula credential; the debit and its
// transaction row are one atomic unit.
func (e *Engine) AuthorizeDebit(ctx context.Context, req *wire.PullDebitRequest) (Outcome, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	if err := e.auth.VerifyPullDebit(req); err != nil {
		return Outcome{}, err
	}
	bank, err := wire.BankCodeFromAccount(req.AccountNumberRemote)
	if err != nil {
		return Outcome{}, err
	}
	if !e.table.IsLocal(bank) {
		return Outcome{}, fmt.Errorf("%w: account %s", ledger.ErrAccountNotFound, req.AccountNumberRemote)
	}
	if err := e.ledger.VerifyCredential(ctx, req.AccountNumberRemote, req.Cedula); err != nil {
		return Outcome{}, err
	}
	acct, err := e.ledger.LookupAccount(ctx, req.AccountNumberRemote)
	if err != nil {
		return Outcome{}, err
	}
	if acct.Currency != req.Currency {
		return Outcome{}, ledger.ErrCurrencyMismatch
	}

	tx := &ledger.Transaction{
		ID:          req.TransactionID,
		Origin:      req.AccountNumberRemote,
		Destination: req.DestinationAccount,
		Amount:      req.Monto,
		Currency:    req.Currency,
		Kind:        ledger.KindExternal,
		State:       ledger.TxCompleted,
		Reason:      "pull debit authorized by " + req.BankCode,
		Digest:      req.HMACMD5,
	}
	recorded, err := e.ledger.DebitRecorded(ctx, req.AccountNumberRemote, tx)
	if ledger.IsDuplicate(err) {
		if prior, ferr := e.ledger.FindTransaction(ctx, req.TransactionID); ferr == nil {
			return e.priorOutcome(prior, req.HMACMD5)
		}
	}
	if err != nil {
		e.metrics.RecordSettlement("pull_debit", ledger.ClassifyError(err), time.Since(start))
		return Outcome{}, err
	}

	e.replay.Add(req.TransactionID)
	e.metrics.RecordSettlement("pull_debit", "completed", time.Since(start))
	e.logger.Info("pull debit authorized",
		zap.String("transaction_id", req.TransactionID),
		zap.String("account", req.AccountNumberRemote),
		zap.String("requesting_bank", req.BankCode),
		zap.String("amount", req.Monto.StringFixed(2)),
	)
	return Outcome{
		Status:        wire.StatusAck,
		TransactionID: recorded.ID,
		Kind:          "pull_debit",
		Tx:            recorded,
	}, nil
}
