// Package handler содержит HTTP-обработчики API магазина кредитов.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditstore/internal/apperr"
	"github.com/mmeshcher/creditstore/internal/fulfillment"
	"github.com/mmeshcher/creditstore/internal/middleware"
	"github.com/mmeshcher/creditstore/internal/model"
	"github.com/mmeshcher/creditstore/internal/partner"
	"github.com/mmeshcher/creditstore/internal/service"
	"github.com/mmeshcher/creditstore/internal/validation"
	"github.com/mmeshcher/creditstore/internal/webhook"
)

// WebhookTokenHeader содержит имя заголовка с общим секретом платёжного шлюза.
const WebhookTokenHeader = "asaas-access-token"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, user service.User, productID uuid.UUID, customerName *string) (*model.Order, error)
	GetOrderStatus(ctx context.Context, userID, orderID uuid.UUID) (*service.OrderStatus, error)
	CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*model.Order, error)
	ConfigureDelivery(ctx context.Context, userID, orderID uuid.UUID, req partner.DeliveryRequest) (*partner.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID) ([]service.OrderView, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	GetWallet(ctx context.Context, userID uuid.UUID) (*model.Wallet, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]model.Transaction, error)
}

// Fulfiller выполняет выдачу кредитов по записи заказа.
type Fulfiller interface {
	Fulfill(ctx context.Context, order model.Order) (fulfillment.Result, error)
}

// PaymentProcessor применяет события платёжного шлюза.
type PaymentProcessor interface {
	Process(ctx context.Context, ev webhook.Event) (webhook.Outcome, error)
}

// Requeuer повторно ставит заказ в очередь выдачи.
type Requeuer interface {
	Requeue(ctx context.Context, orderID uuid.UUID) (bool, error)
}

// Pinger проверяет доступность хранилища.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Params содержит зависимости обработчика.
type Params struct {
	Service      Service
	Fulfiller    Fulfiller
	Payments     PaymentProcessor
	Requeuer     Requeuer
	Health       Pinger
	Auth         *middleware.AuthMiddleware
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
	WebhookToken string
}

// Handler реализует HTTP-обработчики API магазина кредитов.
type Handler struct {
	service        Service
	fulfiller      Fulfiller
	payments       PaymentProcessor
	requeuer       Requeuer
	health         Pinger
	authMiddleware *middleware.AuthMiddleware
	gatherer       prometheus.Gatherer
	logger         *zap.Logger
	webhookToken   string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(p Params) *Handler {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		service:        p.Service,
		fulfiller:      p.Fulfiller,
		payments:       p.Payments,
		requeuer:       p.Requeuer,
		health:         p.Health,
		authMiddleware: p.Auth,
		gatherer:       gatherer,
		logger:         logger,
		webhookToken:   p.WebhookToken,
	}
}

type createOrderRequest struct {
	ProductID    string  `json:"productId" validate:"required,uuid"`
	CustomerName *string `json:"customerName" validate:"omitempty,max=200"`
}

// CreateOrder покупает пакет кредитов за счёт кошелька текущего пользователя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), user, uuid.MustParse(req.ProductID), req.CustomerName)
	if err != nil {
		h.writeError(w, r, err, zap.String("product_id", req.ProductID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"order":   service.NewOrderView(*order),
	})
}

type triggerRequest struct {
	Record *model.Order `json:"record" validate:"required"`
}

type triggerResponse struct {
	Success   bool   `json:"success"`
	Outcome   string `json:"outcome,omitempty"`
	Link      string `json:"link,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// TriggerFulfillment запускает выдачу кредитов по записи заказа. Повторные вызовы безопасны.
func (h *Handler) TriggerFulfillment(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Record.ID == uuid.Nil {
		h.writeError(w, r, validation.Errorf("record.id is required"))
		return
	}

	res, err := h.fulfiller.Fulfill(r.Context(), *req.Record)
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("fulfillment trigger error", zap.Error(err), zap.String("order_id", req.Record.ID.String()))
		} else {
			h.logger.Warn("fulfillment trigger rejected", zap.Error(err), zap.String("order_id", req.Record.ID.String()))
		}
		writeJSON(w, status, triggerResponse{
			Outcome:   res.Outcome,
			Reason:    res.Reason,
			Error:     apperr.Public(err),
			Retryable: apperr.Retryable(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, triggerResponse{
		Success: true,
		Outcome: res.Outcome,
		Link:    res.Link,
		Reason:  res.Reason,
	})
}

// RequeueFulfillment повторно ставит заказ в очередь выдачи, например после dead-letter.
func (h *Handler) RequeueFulfillment(w http.ResponseWriter, r *http.Request) {
	var req orderIDRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	queued, err := h.requeuer.Requeue(r.Context(), uuid.MustParse(req.OrderID))
	if err != nil {
		h.writeError(w, r, err, zap.String("order_id", req.OrderID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "queued": queued})
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// PaymentWebhook принимает события платёжного шлюза. 500 возвращается только
// при сбое хранилища, чтобы шлюз повторил доставку.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookToken != "" {
		got := r.Header.Get(WebhookTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookToken)) != 1 {
			h.logger.Warn("payment webhook with invalid token")
			h.writeError(w, r, apperr.ErrUnauthorized)
			return
		}
	}

	var ev webhook.Event
	r.Body = http.MaxBytesReader(w, r.Body, validation.MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Error("payment webhook body too large", zap.Int64("limit", tooLarge.Limit))
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}
		h.logger.Error("CRITICAL: payment webhook body is not valid json", zap.Error(err))
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: string(webhook.OutcomeMalformed)})
		return
	}

	outcome, err := h.payments.Process(r.Context(), ev)
	if err != nil {
		h.logger.Error("payment webhook error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": apperr.Public(err)})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: string(outcome)})
}

type orderIDRequest struct {
	OrderID string `json:"orderId" validate:"required,uuid"`
}

// OrderStatus возвращает статус заказа, по возможности полученный у партнёра.
func (h *Handler) OrderStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req orderIDRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	st, err := h.service.GetOrderStatus(r.Context(), user.ID, uuid.MustParse(req.OrderID))
	if err != nil {
		h.writeError(w, r, err, zap.String("order_id", req.OrderID))
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*service.OrderStatus
	}{Success: true, OrderStatus: st})
}

// CancelOrder отменяет заказ у партнёра и возвращает средства на кошелёк.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req orderIDRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.service.CancelOrder(r.Context(), user.ID, uuid.MustParse(req.OrderID))
	if err != nil {
		h.writeError(w, r, err, zap.String("order_id", req.OrderID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"order":   service.NewOrderView(*order),
	})
}

type deliveryRequest struct {
	OrderID           string `json:"orderId" validate:"required,uuid"`
	TipoEntrega       string `json:"tipoEntrega" validate:"required,max=32"`
	EmailContaLovable string `json:"emailContaLovable" validate:"omitempty,email"`
}

// ConfigureDelivery меняет способ доставки кредитов у партнёра.
func (h *Handler) ConfigureDelivery(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req deliveryRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	updated, err := h.service.ConfigureDelivery(r.Context(), user.ID, uuid.MustParse(req.OrderID), partner.DeliveryRequest{
		TipoEntrega:       req.TipoEntrega,
		EmailContaLovable: req.EmailContaLovable,
	})
	if err != nil {
		h.writeError(w, r, err, zap.String("order_id", req.OrderID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": updated})
}

// ListOrders возвращает заказы текущего пользователя.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	orders, err := h.service.ListOrders(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []service.OrderView{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orders": orders})
}

// ListProducts возвращает активные пакеты кредитов.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if products == nil {
		products = []model.Product{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "products": products})
}

type walletResponse struct {
	Success   bool            `json:"success"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt *time.Time      `json:"updatedAt"`
}

// GetWallet возвращает баланс текущего пользователя.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	wallet, err := h.service.GetWallet(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := walletResponse{Success: true, Balance: wallet.Balance}
	if !wallet.UpdatedAt.IsZero() {
		resp.UpdatedAt = &wallet.UpdatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListTransactions возвращает журнал операций кошелька, новые записи первыми.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, r, validation.Errorf("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	txs, err := h.service.ListTransactions(r.Context(), user.ID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactions": txs})
}

// Healthz проверяет доступность базы данных.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func currentUser(w http.ResponseWriter, r *http.Request) (service.User, bool) {
	u, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": apperr.Public(apperr.ErrUnauthorized)})
		return service.User{}, false
	}
	return service.User{ID: u.ID, Email: u.Email}, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, fields ...zap.Field) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		fields = append(fields, zap.Error(err), zap.String("path", r.URL.Path))
		h.logger.Error("request failed", fields...)
	}
	writeJSON(w, status, map[string]string{"error": apperr.Public(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
