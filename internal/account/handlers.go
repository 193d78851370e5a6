package account

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/store"
)

// --- Request/Response types ---

// CreateRequest is the JSON body for POST /accounts.
type CreateRequest struct {
	ID         string `json:"id"`
	ReferredBy string `json:"referred_by,omitempty"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Source Source          `json:"source,omitempty"` // withdrawals only; "rewards" (default) or "stake"
}

// ReferrerRequest is the JSON body for POST /accounts/{accountID}/referrer.
type ReferrerRequest struct {
	Referrer string `json:"referrer"`
}

// PremiumRequest is the JSON body for POST /accounts/{accountID}/premium.
type PremiumRequest struct {
	Days int             `json:"days"`
	Rate decimal.Decimal `json:"rate"` // 0 → policy premium rate
}

// AccountView is the JSON body returned from GET /accounts/{accountID}.
type AccountView struct {
	Account      *model.Account      `json:"account"`
	Transactions []model.Transaction `json:"transactions"`
	Referrals    []model.Referral    `json:"referrals"`
}

// --- HTTP Handlers ---

// Create handles POST /api/v1/accounts. Repeated calls for the same ID
// return the existing account.
func (s *Service) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	acct, created, err := s.GetOrCreate(ctx, req.ID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if created && req.ReferredBy != "" {
		if acct, err = s.SetReferrer(ctx, req.ID, req.ReferredBy); err != nil {
			writeError(w, err.Error(), statusFor(err))
			return
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, acct)
}

// Get handles GET /api/v1/accounts/{accountID}
func (s *Service) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	ctx := r.Context()

	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	txs, err := s.store.TransactionsByAccount(ctx, id)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	refs, err := s.store.ReferralsByReferrer(ctx, id)
	if err != nil {
		writeError(w, "failed to load referrals", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	if refs == nil {
		refs = []model.Referral{}
	}
	writeJSON(w, http.StatusOK, AccountView{Account: acct, Transactions: txs, Referrals: refs})
}

// HandleDeposit handles POST /api/v1/accounts/{accountID}/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct, err := s.Deposit(r.Context(), chi.URLParam(r, "accountID"), req.Amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleWithdraw handles POST /api/v1/accounts/{accountID}/withdraw
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct, err := s.Withdraw(r.Context(), chi.URLParam(r, "accountID"), req.Amount, req.Source)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleSetReferrer handles POST /api/v1/accounts/{accountID}/referrer
func (s *Service) HandleSetReferrer(w http.ResponseWriter, r *http.Request) {
	var req ReferrerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Referrer == "" {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct, err := s.SetReferrer(r.Context(), chi.URLParam(r, "accountID"), req.Referrer)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleActivatePremium handles POST /api/v1/accounts/{accountID}/premium
func (s *Service) HandleActivatePremium(w http.ResponseWriter, r *http.Request) {
	var req PremiumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	d := time.Duration(req.Days) * 24 * time.Hour
	acct, err := s.ActivatePremium(r.Context(), chi.URLParam(r, "accountID"), d, req.Rate)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSelfReferral), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidDuration), errors.Is(err, ErrInvalidSource):
		return http.StatusBadRequest
	case errors.Is(err, ErrReferralCycle), errors.Is(err, ErrReferrerAlreadySet), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	default:
		slog.Error("account request failed", "err", err)
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
