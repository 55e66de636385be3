package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlenet/pkg/ledger"
	"settlenet/pkg/msgauth"
	"settlenet/pkg/routing"
	"settlenet/pkg/settle"
	"settlenet/pkg/wire"
)

// maxBodyBytes caps inbound message size.
const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

// handleTransfer accepts an inbound signed wire message. The raw bytes are
// kept so a forwarded message is relayed exactly as received.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeAck(w, http.StatusBadRequest, wire.Ack{Status: wire.StatusNack, Reason: "unreadable body"})
		return
	}
	var m wire.TransferMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		writeAck(w, http.StatusBadRequest, wire.Ack{Status: wire.StatusNack, Reason: "malformed message"})
		return
	}

	out, err := s.engine.Settle(r.Context(), raw, &m)
	if err != nil {
		s.writeSettleError(w, m.TransactionID, err, out)
		return
	}
	writeAck(w, statusForOutcome(out), wire.Ack{
		Status:        out.Status,
		TransactionID: out.TransactionID,
		Reason:        out.Reason,
	})
}

// handlePullDebit is the peer-facing debit authorization endpoint.
func (s *Server) handlePullDebit(w http.ResponseWriter, r *http.Request) {
	var req wire.PullDebitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.PullDebitResponse{Status: wire.StatusNack, Error: "malformed request"})
		return
	}

	out, err := s.engine.AuthorizeDebit(r.Context(), &req)
	if err != nil {
		status, reason := mapError(err)
		s.logger.Warn("pull debit refused",
			zap.String("transaction_id", req.TransactionID),
			zap.String("reason", reason),
		)
		writeJSON(w, status, wire.PullDebitResponse{Status: wire.StatusNack, Error: reason})
		return
	}
	writeJSON(w, http.StatusOK, wire.PullDebitResponse{Status: out.Status, Mensaje: "debit authorized"})
}

// pullBody is the local initiation payload for a pull-funds flow.
type pullBody struct {
	AccountNumberLocal  string          `json:"account_number_local"`
	AccountNumberRemote string          `json:"account_number_remote"`
	Cedula              string          `json:"cedula"`
	Monto               decimal.Decimal `json:"monto"`
	Currency            string          `json:"currency"`
	TransactionID       string          `json:"transaction_id"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var body pullBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeAck(w, http.StatusBadRequest, wire.Ack{Status: wire.StatusNack, Reason: "malformed request"})
		return
	}

	out, err := s.engine.Pull(r.Context(), settle.PullRequest{
		LocalAccount:  body.AccountNumberLocal,
		RemoteAccount: body.AccountNumberRemote,
		Cedula:        body.Cedula,
		Amount:        body.Monto,
		Currency:      body.Currency,
		TransactionID: body.TransactionID,
	})
	if err != nil {
		s.writeSettleError(w, out.TransactionID, err, out)
		return
	}
	writeAck(w, statusForOutcome(out), wire.Ack{
		Status:        out.Status,
		TransactionID: out.TransactionID,
		Reason:        out.Reason,
	})
}

// originateBody is the local initiation payload for an outbound transfer.
type originateBody struct {
	FromAccount   string      `json:"from_account"`
	Receiver      wire.Party  `json:"receiver"`
	Amount        wire.Amount `json:"amount"`
	Description   string      `json:"description"`
	TransactionID string      `json:"transaction_id"`
}

func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var body originateBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeAck(w, http.StatusBadRequest, wire.Ack{Status: wire.StatusNack, Reason: "malformed request"})
		return
	}

	out, err := s.engine.Originate(r.Context(), settle.OriginateRequest{
		FromAccount:   body.FromAccount,
		Receiver:      body.Receiver,
		Amount:        body.Amount.Value,
		Currency:      body.Amount.Currency,
		Description:   body.Description,
		TransactionID: body.TransactionID,
	})
	if err != nil {
		s.writeSettleError(w, out.TransactionID, err, out)
		return
	}
	writeAck(w, statusForOutcome(out), wire.Ack{
		Status:        out.Status,
		TransactionID: out.TransactionID,
		Reason:        out.Reason,
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tx, err := s.ledger.FindTransaction(r.Context(), id)
	if err != nil {
		status, reason := mapError(err)
		writeJSON(w, status, map[string]any{"error": reason})
		return
	}
	writeJSON(w, http.StatusOK, transactionView(tx))
}

func transactionView(tx *ledger.Transaction) map[string]any {
	return map[string]any{
		"id":                   tx.ID,
		"origin":               tx.Origin,
		"destination":          tx.Destination,
		"amount":               tx.Amount.StringFixed(2),
		"currency":             tx.Currency,
		"kind":                 tx.Kind,
		"state":                tx.State,
		"reason":               tx.Reason,
		"needs_reconciliation": tx.NeedsReconciliation,
		"created_at":           tx.CreatedAt,
		"updated_at":           tx.UpdatedAt,
	}
}

// writeSettleError maps an engine error onto the protocol's status codes.
// An indeterminate remote outcome still reports the PENDING transaction so
// the caller can track reconciliation.
func (s *Server) writeSettleError(w http.ResponseWriter, txID string, err error, out settle.Outcome) {
	status, reason := mapError(err)
	ack := wire.Ack{Status: wire.StatusNack, TransactionID: txID, Reason: reason}
	if errors.Is(err, settle.ErrRemoteIndeterminate) && out.ReconcilePending {
		ack.Status = wire.StatusPending
		ack.TransactionID = out.TransactionID
		ack.Reason = out.Reason
	}
	writeAck(w, status, ack)
}

// statusForOutcome maps a successful settlement outcome to its HTTP status.
// Peer refusals on relayed messages pass the peer's own status through.
func statusForOutcome(out settle.Outcome) int {
	switch out.Status {
	case wire.StatusAck:
		return http.StatusOK
	case wire.StatusNack:
		if out.PeerStatus >= 400 && out.PeerStatus < 500 {
			return out.PeerStatus
		}
		return http.StatusBadRequest
	case wire.StatusPending:
		// A replayed transaction still awaiting reconciliation answers the
		// same way as the first indeterminate attempt.
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// mapError converts the error taxonomy to HTTP statuses: 400 malformed or
// rejected, 401 authentication, 403 credential mismatch, 404 unknown
// account/bank/route, 409 id conflict, 502 indeterminate remote outcome,
// 500 internal.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, wire.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case msgauth.IsAuthFailure(err):
		return http.StatusUnauthorized, "authentication failure"
	case errors.Is(err, ledger.ErrCredentialMismatch):
		return http.StatusForbidden, "credential mismatch"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, routing.ErrNotConfigured):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, settle.ErrIDConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusBadRequest, "insufficient funds"
	case errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, ledger.ErrAccountInactive),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrDuplicateTransaction):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, settle.ErrRemoteIndeterminate):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeAck(w http.ResponseWriter, status int, ack wire.Ack) {
	writeJSON(w, status, ack)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
