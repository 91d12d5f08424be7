/**
 * @description
 * HTTP handlers for the reward service.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/habithero/reward-service/internal/app"
	"github.com/habithero/reward-service/internal/domain"
	"github.com/habithero/reward-service/pkg/payments"
)

// RewardService is the application surface exposed over HTTP.
type RewardService interface {
	Contribute(ctx context.Context, userID, familyID string, amount int64) (*domain.Pool, error)
	ContributeFlatFee(ctx context.Context, userID, familyID string) (*domain.Pool, error)
	GetCurrentPool(ctx context.Context, familyID string) (*domain.Pool, error)
	ClosePool(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error)
	CloseExpiredPools(ctx context.Context) (*app.CloseResult, error)
	Settle(ctx context.Context, familyID string) (*app.SettlementResult, error)
	SettleAll(ctx context.Context) (*app.SettlementResult, error)
	RetryFailedPayments(ctx context.Context) (*app.RetryResult, error)
	GetPaymentStats(ctx context.Context) (*domain.PaymentStats, error)
	SetPrimaryPaymentMethod(ctx context.Context, userID, provider, accountID string) (*domain.PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, userID string) ([]domain.PaymentMethod, error)
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service RewardService
	logger  *slog.Logger
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service RewardService, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type contributeRequest struct {
	FamilyID    string `json:"family_id"`
	AmountCents *int64 `json:"amount_cents,omitempty"`
}

type setPrimaryRequest struct {
	Provider  string `json:"provider"`
	AccountID string `json:"account_id"`
}

func (h *Handler) handleContribute(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req contributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.FamilyID) == "" {
		http.Error(w, "family_id is required", http.StatusBadRequest)
		return
	}

	var (
		pool *domain.Pool
		err  error
	)
	if req.AmountCents != nil {
		pool, err = h.service.Contribute(r.Context(), userID, req.FamilyID, *req.AmountCents)
	} else {
		pool, err = h.service.ContributeFlatFee(r.Context(), userID, req.FamilyID)
	}
	if err != nil {
		h.writeServiceError(w, "contribute", err)
		return
	}

	respondWithJSON(w, http.StatusCreated, pool)
}

func (h *Handler) handleGetCurrentPool(w http.ResponseWriter, r *http.Request) {
	familyID := strings.TrimSpace(r.URL.Query().Get("family_id"))
	if familyID == "" {
		http.Error(w, "family_id is required", http.StatusBadRequest)
		return
	}

	pool, err := h.service.GetCurrentPool(r.Context(), familyID)
	if err != nil {
		h.writeServiceError(w, "get current pool", err)
		return
	}

	respondWithJSON(w, http.StatusOK, pool)
}

func (h *Handler) handleListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	methods, err := h.service.ListPaymentMethods(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "list payment methods", err)
		return
	}

	respondWithJSON(w, http.StatusOK, methods)
}

func (h *Handler) handleSetPrimaryPaymentMethod(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req setPrimaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}

	method, err := h.service.SetPrimaryPaymentMethod(r.Context(), userID, req.Provider, req.AccountID)
	if err != nil {
		h.writeServiceError(w, "set primary payment method", err)
		return
	}

	respondWithJSON(w, http.StatusOK, method)
}

func (h *Handler) handleClosePool(w http.ResponseWriter, r *http.Request) {
	poolID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid pool ID", http.StatusBadRequest)
		return
	}

	pool, err := h.service.ClosePool(r.Context(), poolID)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyClosed) && pool != nil {
			respondWithJSON(w, http.StatusOK, pool)
			return
		}
		h.writeServiceError(w, "close pool", err)
		return
	}

	respondWithJSON(w, http.StatusOK, pool)
}

func (h *Handler) handleCloseExpiredPools(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.CloseExpiredPools(r.Context())
	if err != nil {
		h.writeServiceError(w, "close expired pools", err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSettleFamily(w http.ResponseWriter, r *http.Request) {
	familyID := strings.TrimSpace(chi.URLParam(r, "familyID"))
	if familyID == "" {
		http.Error(w, "Family ID is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.Settle(r.Context(), familyID)
	if err != nil {
		h.writeServiceError(w, "settle family", err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSettleAll(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.SettleAll(r.Context())
	if err != nil {
		h.writeServiceError(w, "settle all families", err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRetryFailedPayments(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RetryFailedPayments(r.Context())
	if err != nil {
		h.writeServiceError(w, "retry failed payments", err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetPaymentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetPaymentStats(r.Context())
	if err != nil {
		h.writeServiceError(w, "get payment stats", err)
		return
	}

	respondWithJSON(w, http.StatusOK, stats)
}

// writeServiceError maps domain errors to HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrUnsupportedProvider):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPoolNotFound), errors.Is(err, domain.ErrPaymentMethodNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyClosed), errors.Is(err, domain.ErrAlreadyPaidOut), errors.Is(err, app.ErrSettlementInProgress):
		status = http.StatusConflict
	case payments.IsConfigurationError(err):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError && h.logger != nil {
		h.logger.Error("request failed", "op", op, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
