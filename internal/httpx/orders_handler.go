package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/ariefcatur/order-saga/internal/saga"
	"github.com/ariefcatur/order-saga/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"

// OrderCache is satisfied by *redisx.OrderCache.
type OrderCache interface {
	Get(ctx context.Context, orderID string) (orders.Order, bool, error)
	Put(ctx context.Context, o orders.Order) error
}

type OrdersHandler struct {
	Intake    *orders.Intake
	Repo      *orders.Repository
	Canceller *saga.Canceller
	// Cache is optional.
	Cache OrderCache
	Log   *zap.Logger
}

type ErrorResp struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// CreateOrderResp is the stored order, plus a message when the request was
// a duplicate.
type CreateOrderResp struct {
	orders.Order
	Message string `json:"message,omitempty"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Delete("/orders/{id}", h.cancelOrder)
	r.Get("/stores/{storeId}/orders", h.listStoreOrders)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, ErrorResp{Code: code, Message: msg, Details: details})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "request body is not valid JSON", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, existed, err := h.Intake.Submit(ctx, r.Header.Get(HeaderIdempotencyKey), req)
	var verr *orders.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "request validation failed", verr.Fields)
		return
	case err != nil:
		h.Log.Error("create order failed", zap.String("customer_id", req.CustomerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not create order", nil)
		return
	}

	if existed {
		writeJSON(w, http.StatusOK, CreateOrderResp{Order: o, Message: "order already exists"})
		return
	}
	writeJSON(w, http.StatusCreated, CreateOrderResp{Order: o})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// terminal orders never change, so the cache can serve them
	if h.Cache != nil {
		if o, ok, err := h.Cache.Get(ctx, orderID); err == nil && ok {
			writeJSON(w, http.StatusOK, o)
			return
		} else if err != nil {
			h.Log.Warn("order cache read failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	o, err := h.Repo.GetByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
		return
	}
	if err != nil {
		h.Log.Error("get order failed", zap.String("order_id", orderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not load order", nil)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Put(ctx, o); err != nil {
			h.Log.Warn("order cache write failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customerId")
	if customerID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "customerId is required", nil)
		return
	}
	h.list(w, r, func(ctx context.Context, token string, limit int) (orders.Page, error) {
		return h.Repo.ListByCustomer(ctx, customerID, token, limit)
	})
}

func (h *OrdersHandler) listStoreOrders(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeId")
	h.list(w, r, func(ctx context.Context, token string, limit int) (orders.Page, error) {
		return h.Repo.ListByStore(ctx, storeID, token, limit)
	})
}

func (h *OrdersHandler) list(w http.ResponseWriter, r *http.Request, query func(ctx context.Context, token string, limit int) (orders.Page, error)) {
	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 100", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	page, err := query(ctx, r.URL.Query().Get("nextToken"), limit)
	if errors.Is(err, store.ErrInvalidCursor) {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "nextToken is invalid", nil)
		return
	}
	if err != nil {
		h.Log.Error("list orders failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not list orders", nil)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseLimit(s string) (int, bool) {
	if s == "" {
		return orders.DefaultPageSize, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > orders.MaxPageSize {
		return 0, false
	}
	return n, true
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Canceller.Cancel(ctx, orderID)
	var cerr *saga.ConflictError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
	case errors.As(err, &cerr):
		writeError(w, http.StatusConflict, "CONFLICT", cerr.Error(), map[string]string{"status": string(cerr.Status)})
	case err != nil:
		h.Log.Error("cancel order failed", zap.String("order_id", orderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not cancel order", nil)
	default:
		writeJSON(w, http.StatusOK, o)
	}
}
