// Package settle is the settlement engine: it authenticates inbound wire
// messages, classifies them as internal, external credit or forward, and
// executes the corresponding sequence against the ledger, the routing table
// and the outbound gateway. It also runs the two-phase pull-funds flow and
// locally originated outbound transfers.
package settle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"settlenet/pkg/gateway"
	"settlenet/pkg/ledger"
	"settlenet/pkg/logging"
	"settlenet/pkg/metrics"
	"settlenet/pkg/msgauth"
	"settlenet/pkg/notify"
	"settlenet/pkg/routing"
	"settlenet/pkg/wire"
)

// TransferPath is the peer endpoint transfer messages are relayed to.
const TransferPath = "/v1/transfer"

// PullDebitPath is the peer endpoint pull-debit authorizations are sent to.
const PullDebitPath = "/v1/pull/debit"

var (
	// ErrRemoteIndeterminate means an outbound call's outcome is unknown
	// (timeout, transport failure). State stays consistent and flagged
	// for reconciliation; success is never assumed.
	ErrRemoteIndeterminate = errors.New("settle: remote outcome indeterminate")

	// ErrIDConflict means a transaction id arrived again with a different
	// payload. Distinct from an idempotent replay, which answers with the
	// prior result.
	ErrIDConflict = errors.New("settle: transaction id reused with different payload")
)

// Forwarder is the outbound call surface the engine needs. Satisfied by
// *gateway.Gateway.
type Forwarder interface {
	Post(ctx context.Context, endpoint, path string, payload []byte) gateway.Result
}

// Outcome is the terminal result of a settlement operation.
type Outcome struct {
	// Status is ACK, NACK or PENDING (reconciliation).
	Status        string
	TransactionID string
	Reason        string
	// Kind labels the executed path for logs and metrics.
	Kind string
	// Duplicate marks an absorbed idempotent replay.
	Duplicate bool
	// ReconcilePending marks a flow waiting on manual reconciliation.
	ReconcilePending bool
	// PeerStatus is the HTTP status a peer answered with on relayed
	// requests, 0 for locally decided outcomes.
	PeerStatus int
	// Tx is the recorded transaction for paths that write one.
	Tx *ledger.Transaction
}

// Config assembles an Engine.
type Config struct {
	Ledger  ledger.Ledger
	Table   *routing.Table
	Gateway Forwarder
	Auth    *msgauth.Authenticator
	Sink    notify.Sink
	Metrics metrics.Collector
	Logger  *logging.Logger

	// ReplayExpectedItems sizes the replay pre-filter.
	ReplayExpectedItems uint
}

// Engine orchestrates settlement. Safe for concurrent use; every inbound
// request runs on its own handler goroutine.
type Engine struct {
	ledger  ledger.Ledger
	table   *routing.Table
	gw      Forwarder
	auth    *msgauth.Authenticator
	sink    notify.Sink
	metrics metrics.Collector
	logger  *logging.Logger

	sf     singleflight.Group
	replay *ReplayFilter
}

// New creates a settlement engine.
func New(config Config) (*Engine, error) {
	if config.Ledger == nil {
		return nil, errors.New("settle: ledger required")
	}
	if config.Table == nil {
		return nil, errors.New("settle: routing table required")
	}
	if config.Gateway == nil {
		return nil, errors.New("settle: gateway required")
	}
	if config.Auth == nil {
		return nil, errors.New("settle: authenticator required")
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NoOpCollector{}
	}
	if config.Logger == nil {
		config.Logger = logging.NewNoOpLogger()
	}
	return &Engine{
		ledger:  config.Ledger,
		table:   config.Table,
		gw:      config.Gateway,
		auth:    config.Auth,
		sink:    config.Sink,
		metrics: config.Metrics,
		logger:  config.Logger.Named("settle"),
		replay:  NewReplayFilter(config.ReplayExpectedItems, 0.01),
	}, nil
}

// Settle authenticates, classifies and executes one inbound transfer
// message. raw is the message exactly as received; forwarded messages relay
// those bytes unchanged so the peer can verify the original signature.
func (e *Engine) Settle(ctx context.Context, raw []byte, m *wire.TransferMessage) (Outcome, error) {
	start := time.Now()

	if err := m.Validate(); err != nil {
		return Outcome{}, err
	}
	if err := e.auth.VerifyTransfer(m); err != nil {
		return Outcome{}, err
	}

	// Coalesce concurrent duplicates: a re-sent message racing the first
	// delivery waits for and shares its result.
	type settled struct {
		out Outcome
		err error
	}
	v, _, _ := e.sf.Do(m.TransactionID, func() (interface{}, error) {
		out, err := e.settleAuthenticated(ctx, start, raw, m)
		return settled{out, err}, nil
	})
	s := v.(settled)
	return s.out, s.err
}

func (e *Engine) settleAuthenticated(ctx context.Context, start time.Time, raw []byte, m *wire.TransferMessage) (Outcome, error) {
	if e.replay.MaybeSeen(m.TransactionID) {
		if prior, err := e.ledger.FindTransaction(ctx, m.TransactionID); err == nil {
			return e.priorOutcome(prior, m.HMACMD5)
		}
	}

	route, err := Classify(ctx, e.ledger, e.table.Self(), m)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	switch route.Kind {
	case RouteInternal:
		out, err = e.settleInternal(ctx, m, route)
	case RouteExternalCredit:
		out, err = e.settleExternalCredit(ctx, m, route)
	case RouteForward:
		out, err = e.forward(ctx, start, raw, m, route)
		return out, err
	}

	if ledger.IsDuplicate(err) {
		if prior, ferr := e.ledger.FindTransaction(ctx, m.TransactionID); ferr == nil {
			return e.priorOutcome(prior, m.HMACMD5)
		}
		return Outcome{}, err
	}
	if err != nil {
		e.metrics.RecordSettlement(route.Kind.String(), ledger.ClassifyError(err), time.Since(start))
		return Outcome{}, err
	}

	e.replay.Add(m.TransactionID)
	e.metrics.RecordSettlement(route.Kind.String(), "completed", time.Since(start))
	e.logger.Info("transfer settled",
		zap.String("transaction_id", m.TransactionID),
		zap.String("kind", out.Kind),
		zap.String("amount", m.Amount.Value.StringFixed(2)),
		zap.String("currency", m.Amount.Currency),
	)
	return out, nil
}

func (e *Engine) settleInternal(ctx context.Context, m *wire.TransferMessage, route Route) (Outcome, error) {
	tx := &ledger.Transaction{
		ID:          m.TransactionID,
		Origin:      route.Sender.Number,
		Destination: route.Receiver.Number,
		Amount:      m.Amount.Value,
		Currency:    m.Amount.Currency,
		Kind:        transferKind(m, ledger.KindInternal),
		Digest:      m.HMACMD5,
	}
	recorded, err := e.ledger.TransferAtomic(ctx, route.Sender.Number, route.Receiver.Number, tx)
	if err != nil {
		return Outcome{}, err
	}
	e.emit(recorded)
	return Outcome{
		Status:        wire.StatusAck,
		TransactionID: recorded.ID,
		Kind:          RouteInternal.String(),
		Tx:            recorded,
	}, nil
}

func (e *Engine) settleExternalCredit(ctx context.Context, m *wire.TransferMessage, route Route) (Outcome, error) {
	// The origin stays the external identifier: the sending bank owns
	// that side of the ledger and already debited it.
	tx := &ledger.Transaction{
		ID:          m.TransactionID,
		Origin:      m.Sender.Identifier(m.Mobile()),
		Destination: route.Receiver.Number,
		Amount:      m.Amount.Value,
		Currency:    m.Amount.Currency,
		Kind:        transferKind(m, ledger.KindExternal),
		State:       ledger.TxCompleted,
		Digest:      m.HMACMD5,
	}
	recorded, err := e.ledger.CreditRecorded(ctx, route.Receiver.Number, tx)
	if err != nil {
		return Outcome{}, err
	}
	e.emit(recorded)
	return Outcome{
		Status:        wire.StatusAck,
		TransactionID: recorded.ID,
		Kind:          RouteExternalCredit.String(),
		Tx:            recorded,
	}, nil
}

// forward relays the original signed message to the receiver's bank. The
// local node touches no balance and writes no row; the ledger entry is the
// peer's bookkeeping.
func (e *Engine) forward(ctx context.Context, start time.Time, raw []byte, m *wire.TransferMessage, route Route) (Outcome, error) {
	endpoint, err := e.table.Resolve(route.ReceiverBank)
	if err != nil {
		e.metrics.RecordForward("unroutable", time.Since(start))
		return Outcome{}, err
	}

	res := e.gw.Post(ctx, endpoint, TransferPath, raw)
	e.metrics.RecordForward(res.Outcome.String(), time.Since(start))

	switch res.Outcome {
	case gateway.Ack:
		return Outcome{
			Status:        wire.StatusAck,
			TransactionID: m.TransactionID,
			Reason:        res.Reason,
			Kind:          RouteForward.String(),
			PeerStatus:    res.Status,
		}, nil
	case gateway.Nack:
		return Outcome{
			Status:        wire.StatusNack,
			TransactionID: m.TransactionID,
			Reason:        res.Reason,
			Kind:          RouteForward.String(),
			PeerStatus:    res.Status,
		}, nil
	default:
		e.logger.Error("relay outcome unknown",
			zap.String("transaction_id", m.TransactionID),
			zap.String("peer", route.ReceiverBank),
			zap.Error(res.Err),
		)
		return Outcome{}, fmt.Errorf("%w: relay to %s: %s", ErrRemoteIndeterminate, route.ReceiverBank, res.Reason)
	}
}

// priorOutcome absorbs a replayed transaction id. An identical message gets
// the previously recorded result; a different payload under the same id is
// a conflict, not a replay.
func (e *Engine) priorOutcome(prior *ledger.Transaction, digest string) (Outcome, error) {
	if prior.Digest != "" && digest != "" && prior.Digest != digest {
		return Outcome{}, fmt.Errorf("%w: %s", ErrIDConflict, prior.ID)
	}
	e.metrics.RecordDuplicate()

	out := Outcome{
		TransactionID:    prior.ID,
		Reason:           prior.Reason,
		Kind:             "replay",
		Duplicate:        true,
		ReconcilePending: prior.NeedsReconciliation,
		Tx:               prior,
	}
	switch prior.State {
	case ledger.TxCompleted:
		out.Status = wire.StatusAck
	case ledger.TxRejected:
		out.Status = wire.StatusNack
	default:
		out.Status = wire.StatusPending
	}
	return out, nil
}

// emit pushes a funds-received event for the credited account.
// Fire-and-forget: the sink never blocks or fails settlement.
func (e *Engine) emit(tx *ledger.Transaction) {
	if e.sink == nil {
		return
	}
	e.sink.FundsReceived(notify.Event{
		Account:       tx.Destination,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		TransactionID: tx.ID,
		OccurredAt:    time.Now().UTC(),
	})
}

func transferKind(m *wire.TransferMessage, fallback ledger.Kind) ledger.Kind {
	if m.Mobile() {
		return ledger.KindMobile
	}
	return fallback
}
