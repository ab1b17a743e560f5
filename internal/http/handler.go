package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"PeachCredit/internal/auth"
	"PeachCredit/internal/broker"
	"PeachCredit/internal/generation"
	"PeachCredit/internal/ledger"
	"PeachCredit/internal/logging"
	"PeachCredit/internal/models"
	"PeachCredit/internal/notify"
	"PeachCredit/internal/payments"
	"PeachCredit/internal/pricing"
	"PeachCredit/internal/services"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	Ledger    *ledger.Ledger
	Payments  *payments.Reconciler
	Checkout  services.CheckoutService
	Catalogue *pricing.Catalogue
	Broker    *broker.Broker
	Hub       *notify.Hub
	// HistoryLimit caps /credits/history page size.
	HistoryLimit int
	Log          *zap.Logger
}

type checkoutRequest struct {
	Package string `json:"package"`
	Gateway string `json:"gateway"`
}

type checkoutResponse struct {
	OrderID     string `json:"orderId"`
	Gateway     string `json:"gateway"`
	PaymentID   string `json:"paymentId,omitempty"`
	CheckoutURL string `json:"checkoutUrl"`
	Credits     int64  `json:"credits"`
}

type returnResponse struct {
	Outcome payments.Outcome `json:"outcome"`
	OrderID string           `json:"orderId,omitempty"`
	Credits int64            `json:"credits,omitempty"`
	Balance *int64           `json:"balance,omitempty"`
}

type balanceResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

type operationResponse struct {
	Result  *generation.Result `json:"result"`
	Balance int64              `json:"balance"`
}

// Webhook receives provider notifications. Any 2xx stops redelivery, so
// only unauthenticated, unreadable and storage-failure cases return errors.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")
	g, err := h.Payments.Gateways.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown gateway")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := h.Payments.HandleNotification(r.Context(), name, body, r.Header.Get(g.SignatureHeader()))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, models.ErrUnparsablePayload):
			writeError(w, http.StatusBadRequest, "unparsable payload")
		default:
			h.log().Error("webhook processing failed", zap.String("gateway", name), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "processing failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]payments.Outcome{"outcome": res.Outcome})
}

// Return handles the user's browser coming back from checkout. It checks
// the payment with the provider instead of trusting the redirect, and
// credits go to the user inside the order token, so no login is needed.
// The caller's balance is included when a valid token is present.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")
	q := r.URL.Query()
	paymentID := q.Get("payment_id")
	if paymentID == "" {
		paymentID = q.Get("NP_id")
	}
	if paymentID == "" {
		writeError(w, http.StatusBadRequest, "missing payment id")
		return
	}

	res, err := h.Payments.ReconcileByPaymentID(r.Context(), name, paymentID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnknownGateway):
			writeError(w, http.StatusNotFound, "unknown gateway")
		case errors.Is(err, models.ErrGatewayNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "gateway not configured")
		default:
			h.log().Error("return reconcile failed", zap.String("gateway", name), zap.String("payment_id", paymentID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "reconcile failed")
		}
		return
	}

	resp := returnResponse{
		Outcome: res.Outcome,
		OrderID: res.OrderID,
		Credits: res.Credits,
	}
	if userID := auth.UserFrom(r.Context()); userID != "" {
		balance, err := h.Ledger.GetBalance(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "get balance failed")
			return
		}
		resp.Balance = &balance
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Packages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"packages": h.Catalogue.List()})
}

func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	attempt, err := h.Checkout.Create(r.Context(), auth.UserFrom(r.Context()), req.Package, req.Gateway)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrMissingUserID):
			writeError(w, http.StatusUnauthorized, "missing user id")
		case errors.Is(err, models.ErrUnknownPackage):
			writeError(w, http.StatusBadRequest, "unknown package")
		case errors.Is(err, models.ErrUnknownGateway):
			writeError(w, http.StatusBadRequest, "unknown gateway")
		case errors.Is(err, models.ErrGatewayNotConfigured), errors.Is(err, services.ErrPublicURLNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "payments not configured")
		default:
			h.log().Error("create checkout failed", zap.String("gateway", req.Gateway), zap.Error(err))
			writeError(w, http.StatusBadGateway, "create checkout failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{
		OrderID:     attempt.OrderID,
		Gateway:     string(attempt.Gateway),
		PaymentID:   attempt.ProviderPaymentID,
		CheckoutURL: attempt.CheckoutURL,
		Credits:     attempt.Credits,
	})
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFrom(r.Context())
	balance, err := h.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get balance failed")
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit := h.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, limit)
	}

	entries, err := h.Ledger.History(r.Context(), auth.UserFrom(r.Context()), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get history failed")
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Stream upgrades to a WebSocket that pushes the caller's balance.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFrom(r.Context())
	balance, err := h.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get balance failed")
		return
	}
	h.Hub.ServeWS(w, r, userID, balance)
}

func (h *Handler) RunOperation(w http.ResponseWriter, r *http.Request) {
	tier := pricing.Tier(chi.URLParam(r, "tier"))
	var req generation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "empty prompt")
		return
	}

	res, balance, err := h.Broker.Generate(r.Context(), auth.UserFrom(r.Context()), tier, req)
	if err != nil {
		var insufficient *models.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":     "insufficient credits",
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
		case errors.Is(err, models.ErrUnknownTier):
			writeError(w, http.StatusBadRequest, "unknown tier")
		case errors.Is(err, models.ErrRefundFailure):
			writeError(w, http.StatusInternalServerError, "operation failed and refund is pending")
		case errors.Is(err, models.ErrLedgerWrite):
			writeError(w, http.StatusInternalServerError, "ledger unavailable")
		default:
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":   "operation failed; credits refunded",
				"balance": balance,
			})
		}
		return
	}
	writeJSON(w, http.StatusOK, operationResponse{Result: res, Balance: balance})
}

func (h *Handler) log() *zap.Logger {
	return logging.OrNop(h.Log)
}
