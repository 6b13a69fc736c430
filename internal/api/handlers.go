package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"exchange/internal/auth"
	"exchange/internal/engine"
	"exchange/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type contextKey string

// userIDKey carries the authenticated user ID through the request context.
const userIDKey contextKey = "user_id"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Engine      *engine.Engine
	AuthService *auth.AuthService
	Log         *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(eng *engine.Engine, authService *auth.AuthService, log *zap.Logger) *Handler {
	return &Handler{Engine: eng, AuthService: authService, Log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrInsufficientBalance),
		errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrInvalidOrderState),
		errors.Is(err, models.ErrQuantityBelowFilled),
		errors.Is(err, models.ErrNoLiquidity):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.Log.Error("failed to register user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value(userIDKey).(int64)
	return userID, ok
}

// PlaceOrder handles order placement and matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Symbol    string          `json:"symbol"`
		Side      string          `json:"side"`
		Quantity  decimal.Decimal `json:"quantity"`
		Price     decimal.Decimal `json:"price"`
		OrderType string          `json:"order_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrderType == "" {
		req.OrderType = string(models.OrderTypeLimit)
	}

	order, err := h.Engine.SubmitOrder(r.Context(), userID, req.Symbol,
		models.Side(strings.ToUpper(req.Side)),
		models.OrderType(strings.ToUpper(req.OrderType)),
		req.Quantity, req.Price)
	if err != nil && !errors.Is(err, models.ErrMatchingIncomplete) {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{
		"message": "order placed",
		"order":   order,
	}
	// The order exists even when matching stopped partway; tell the
	// caller it may not be matched as expected.
	if err != nil {
		h.Log.Error("matching incomplete", zap.Int64("order_id", order.ID), zap.Error(err))
		resp["warning"] = "order accepted but matching incomplete"
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetOpenOrders returns the active order book, optionally filtered by
// symbol, in price-time priority order.
func (h *Handler) GetOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Engine.OpenOrders(r.Context(), r.URL.Query().Get("symbol"))
	if err != nil {
		h.Log.Error("failed to get open orders", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// GetOrder retrieves a single order by ID.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := userFrom(r); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	order, err := h.Engine.Order(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

// GetUserOrders retrieves the authenticated user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orders, err := h.Engine.UserOrders(r.Context(), userID)
	if err != nil {
		h.Log.Error("failed to get user orders", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// CancelOrder cancels an active order owned by the caller.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	if err := h.Engine.CancelOrder(r.Context(), userID, orderID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "order cancelled and balances released"})
}

// ModifyOrder rewrites an active order's terms.
func (h *Handler) ModifyOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	var req struct {
		Symbol   string          `json:"symbol"`
		Side     string          `json:"side"`
		Price    decimal.Decimal `json:"price"`
		Quantity decimal.Decimal `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.Engine.ModifyOrder(r.Context(), userID, orderID, req.Symbol,
		models.Side(strings.ToUpper(req.Side)), req.Price, req.Quantity)
	if err != nil && !errors.Is(err, models.ErrMatchingIncomplete) {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{
		"message": "order updated with balance adjustments",
		"order":   order,
	}
	if err != nil {
		h.Log.Error("matching incomplete after modify", zap.Int64("order_id", orderID), zap.Error(err))
		resp["warning"] = "order updated but matching incomplete"
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUserBalances returns the caller's balances keyed by asset.
func (h *Handler) GetUserBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	balances, err := h.Engine.Balances(r.Context(), userID)
	if err != nil {
		h.Log.Error("failed to get balances", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve balances")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

// UpdateUserBalance sets the caller's absolute balance for one asset
// (deposits/withdrawals, outside the matching path).
func (h *Handler) UpdateUserBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	asset := strings.ToUpper(chi.URLParam(r, "asset"))

	var req struct {
		Available decimal.Decimal `json:"available"`
		Reserved  decimal.Decimal `json:"reserved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.Engine.SetBalance(r.Context(), userID, asset, req.Available, req.Reserved); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "balance updated for " + asset})
}

// GetTransactions returns the public trade history, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	trades, err := h.Engine.TradeHistory(r.Context(), 0, 0)
	if err != nil {
		h.Log.Error("failed to get trades", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve trades")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": trades})
}

// GetUserTransactions returns the caller's trade history, newest first.
func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	trades, err := h.Engine.TradeHistory(r.Context(), userID, 0)
	if err != nil {
		h.Log.Error("failed to get user trades", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve trades")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": trades})
}
