package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wopr-platform/controlplane/internal/core"
	"github.com/wopr-platform/controlplane/internal/ledger"
)

var validTxTypes = map[core.TransactionType]bool{
	core.TxSignupGrant:      true,
	core.TxPurchase:         true,
	core.TxConsumption:      true,
	core.TxRefund:           true,
	core.TxCorrection:       true,
	core.TxDividend:         true,
	core.TxAffiliateBonus:   true,
	core.TxRuntimeDeduction: true,
}

type creditRequest struct {
	Amount        core.Credit          `json:"amount"`
	Type          core.TransactionType `json:"type"`
	Description   string               `json:"description,omitempty"`
	ReferenceID   string               `json:"reference_id,omitempty"`
	FundingSource string               `json:"funding_source,omitempty"`
}

type ledgerOp func(ctx context.Context, tenantID string, amount core.Credit,
	txType core.TransactionType, p ledger.EntryParams) (*core.CreditTransaction, error)

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	s.writeLedgerEntry(w, r, s.deps.Ledger.Credit, "credit")
}

func (s *Server) handleDebit(w http.ResponseWriter, r *http.Request) {
	s.writeLedgerEntry(w, r, s.deps.Ledger.Debit, "debit")
}

// writeLedgerEntry is the shared body of the credit and debit routes.
// A duplicate reference id answers 200: the entry already took effect.
func (s *Server) writeLedgerEntry(w http.ResponseWriter, r *http.Request, op ledgerOp, kind string) {
	tenantID := mux.Vars(r)["tenant_id"]

	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !validTxTypes[req.Type] {
		respondError(w, http.StatusBadRequest, "unknown transaction type")
		return
	}

	tx, err := op(r.Context(), tenantID, req.Amount, req.Type, ledger.EntryParams{
		Description:   req.Description,
		ReferenceID:   req.ReferenceID,
		FundingSource: req.FundingSource,
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateReference):
		s.countLedger(kind, "duplicate")
		balance, berr := s.deps.Ledger.Balance(r.Context(), tenantID)
		if berr != nil {
			respondError(w, http.StatusInternalServerError, "balance lookup failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status":          "duplicate",
			"tenant_id":       tenantID,
			"balance_credits": balance,
		})
	case errors.Is(err, ledger.ErrInvalidAmount):
		s.countLedger(kind, "invalid")
		respondError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.countLedger(kind, "error")
		s.logger.Printf("%s for %s failed: %v", kind, tenantID, err)
		respondError(w, http.StatusInternalServerError, "ledger write failed")
	default:
		s.countLedger(kind, "ok")
		respondJSON(w, http.StatusCreated, tx)
	}
}

func (s *Server) countLedger(kind, outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.LedgerTransactions.WithLabelValues(kind, outcome).Inc()
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	balance, err := s.deps.Ledger.Balance(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":       tenantID,
		"balance_credits": balance,
		"balance_usd":     balance.USD(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	history, err := s.deps.Ledger.History(r.Context(), tenantID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	if history == nil {
		history = []core.CreditTransaction{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":    tenantID,
		"transactions": history,
	})
}
