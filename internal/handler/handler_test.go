package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditstore/internal/apperr"
	"github.com/mmeshcher/creditstore/internal/fulfillment"
	"github.com/mmeshcher/creditstore/internal/middleware"
	"github.com/mmeshcher/creditstore/internal/model"
	"github.com/mmeshcher/creditstore/internal/partner"
	"github.com/mmeshcher/creditstore/internal/service"
	"github.com/mmeshcher/creditstore/internal/webhook"
)

const (
	testSecret     = "test-secret"
	testServiceKey = "service-key"
)

type stubService struct {
	createUser      service.User
	createProductID uuid.UUID
	createOrder     *model.Order
	createErr       error

	status    *service.OrderStatus
	statusErr error

	cancelOrder *model.Order
	cancelErr   error

	delivery    partner.DeliveryRequest
	deliveryOut *partner.Order
	deliveryErr error

	orders   []service.OrderView
	products []model.Product
	wallet   *model.Wallet

	txLimit int
	txs     []model.Transaction
	txErr   error
}

func (s *stubService) CreateOrder(ctx context.Context, user service.User, productID uuid.UUID, customerName *string) (*model.Order, error) {
	s.createUser = user
	s.createProductID = productID
	return s.createOrder, s.createErr
}

func (s *stubService) GetOrderStatus(ctx context.Context, userID, orderID uuid.UUID) (*service.OrderStatus, error) {
	return s.status, s.statusErr
}

func (s *stubService) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*model.Order, error) {
	return s.cancelOrder, s.cancelErr
}

func (s *stubService) ConfigureDelivery(ctx context.Context, userID, orderID uuid.UUID, req partner.DeliveryRequest) (*partner.Order, error) {
	s.delivery = req
	return s.deliveryOut, s.deliveryErr
}

func (s *stubService) ListOrders(ctx context.Context, userID uuid.UUID) ([]service.OrderView, error) {
	return s.orders, nil
}

func (s *stubService) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.products, nil
}

func (s *stubService) GetWallet(ctx context.Context, userID uuid.UUID) (*model.Wallet, error) {
	return s.wallet, nil
}

func (s *stubService) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]model.Transaction, error) {
	s.txLimit = limit
	return s.txs, s.txErr
}

type stubFulfiller struct {
	calls int
	got   model.Order
	res   fulfillment.Result
	err   error
}

func (f *stubFulfiller) Fulfill(ctx context.Context, order model.Order) (fulfillment.Result, error) {
	f.calls++
	f.got = order
	return f.res, f.err
}

type stubPayments struct {
	calls   int
	outcome webhook.Outcome
	err     error
}

func (p *stubPayments) Process(ctx context.Context, ev webhook.Event) (webhook.Outcome, error) {
	p.calls++
	return p.outcome, p.err
}

type stubRequeuer struct {
	got    uuid.UUID
	queued bool
	err    error
}

func (q *stubRequeuer) Requeue(ctx context.Context, orderID uuid.UUID) (bool, error) {
	q.got = orderID
	return q.queued, q.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

type testEnv struct {
	svc      *stubService
	ful      *stubFulfiller
	payments *stubPayments
	requeuer *stubRequeuer
	auth     *middleware.AuthMiddleware
	router   http.Handler
	user     middleware.User
	token    string
}

func newTestEnv(t *testing.T, webhookToken string) *testEnv {
	t.Helper()

	env := &testEnv{
		svc:      &stubService{},
		ful:      &stubFulfiller{},
		payments: &stubPayments{outcome: webhook.OutcomeApplied},
		requeuer: &stubRequeuer{queued: true},
		auth:     middleware.NewAuthMiddleware(testSecret, testServiceKey),
		user:     middleware.User{ID: uuid.New(), Email: "buyer@example.com"},
	}

	token, err := env.auth.IssueToken(env.user, "authenticated", time.Hour)
	require.NoError(t, err)
	env.token = token

	h := NewHandler(Params{
		Service:      env.svc,
		Fulfiller:    env.ful,
		Payments:     env.payments,
		Requeuer:     env.requeuer,
		Health:       stubPinger{},
		Auth:         env.auth,
		Gatherer:     prometheus.NewRegistry(),
		Logger:       zap.NewNop(),
		WebhookToken: webhookToken,
	})
	env.router = h.SetupRouter()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestCreateOrder_Success(t *testing.T) {
	env := newTestEnv(t, "")
	productID := uuid.New()
	env.svc.createOrder = &model.Order{ID: uuid.New(), Status: model.OrderStatusCompleted, Price: decimal.RequireFromString("45")}

	rec := env.do(t, http.MethodPost, "/api/orders", fmt.Sprintf(`{"productId":%q,"customerName":"Ana"}`, productID), env.token)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, productID, env.svc.createProductID)
	assert.Equal(t, env.user.ID, env.svc.createUser.ID)
	assert.Equal(t, env.user.Email, env.svc.createUser.Email)

	order := body["order"].(map[string]any)
	assert.Equal(t, "unclaimed", order["fulfillment_state"])
}

func TestCreateOrder_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		token  bool
		svcErr error
		want   int
		msg    string
	}{
		{name: "unauthenticated", body: `{}`, want: http.StatusUnauthorized, msg: "authentication required"},
		{name: "missing product", body: `{}`, token: true, want: http.StatusBadRequest, msg: "productId is required"},
		{name: "bad product id", body: `{"productId":"x"}`, token: true, want: http.StatusBadRequest, msg: "productId must be a valid uuid"},
		{name: "insufficient balance", body: `{"productId":"` + uuid.NewString() + `"}`, token: true, svcErr: apperr.ErrInsufficientBalance, want: http.StatusBadRequest, msg: "insufficient balance"},
		{name: "product not found", body: `{"productId":"` + uuid.NewString() + `"}`, token: true, svcErr: apperr.ErrProductNotFound, want: http.StatusBadRequest, msg: "product not found or inactive"},
		{name: "store error", body: `{"productId":"` + uuid.NewString() + `"}`, token: true, svcErr: fmt.Errorf("%w: boom", apperr.ErrStore), want: http.StatusInternalServerError, msg: "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			env.svc.createErr = tt.svcErr

			bearer := ""
			if tt.token {
				bearer = env.token
			}
			rec := env.do(t, http.MethodPost, "/api/orders", tt.body, bearer)

			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, decodeBody(t, rec)["error"], tt.msg)
		})
	}
}

func TestTriggerFulfillment(t *testing.T) {
	orderID := uuid.New()
	record := fmt.Sprintf(`{"record":{"id":%q,"status":"completed","credits_amount":100,"delivery_link":null}}`, orderID)

	t.Run("delivered", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.ful.res = fulfillment.Result{Outcome: "delivered", Link: "https://x/abc123"}

		rec := env.do(t, http.MethodPost, "/api/fulfillment/trigger", record, testServiceKey)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"success":true,"outcome":"delivered","link":"https://x/abc123"}`, rec.Body.String())
		assert.Equal(t, orderID, env.ful.got.ID)
		assert.Equal(t, 100, env.ful.got.CreditsQuantity())
	})

	t.Run("noop is success", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.ful.res = fulfillment.Result{Outcome: "noop", Reason: "already claimed"}

		rec := env.do(t, http.MethodPost, "/api/fulfillment/trigger", record, testServiceKey)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decodeBody(t, rec)["success"])
	})

	t.Run("upstream failure", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.ful.res = fulfillment.Result{Outcome: "failed", Reason: "UPSTREAM:TIMEOUT"}
		env.ful.err = fmt.Errorf("create partner order: %w", apperr.ErrUpstream)

		rec := env.do(t, http.MethodPost, "/api/fulfillment/trigger", record, testServiceKey)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "UPSTREAM:TIMEOUT", body["reason"])
		assert.Equal(t, "processing error", body["error"])
		assert.NotContains(t, body, "retryable")
	})

	t.Run("store failure is retryable", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.ful.err = fmt.Errorf("claim order: %w", apperr.ErrStore)

		rec := env.do(t, http.MethodPost, "/api/fulfillment/trigger", record, testServiceKey)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, true, decodeBody(t, rec)["retryable"])
	})

	t.Run("user token rejected", func(t *testing.T) {
		env := newTestEnv(t, "")

		rec := env.do(t, http.MethodPost, "/api/fulfillment/trigger", record, env.token)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, env.ful.calls)
	})

	t.Run("missing record", func(t *testing.T) {
		env := newTestEnv(t, "")

		rec := env.do(t, http.MethodPost, "/api/fulfillment/trigger", `{}`, testServiceKey)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["error"], "record is required")
		assert.Zero(t, env.ful.calls)
	})

	t.Run("record without id", func(t *testing.T) {
		env := newTestEnv(t, "")

		rec := env.do(t, http.MethodPost, "/api/fulfillment/trigger", `{"record":{"status":"completed"}}`, testServiceKey)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Zero(t, env.ful.calls)
	})
}

func TestPaymentWebhook(t *testing.T) {
	event := `{"event":"PAYMENT_CONFIRMED","payment":{"id":"pay_1","value":50,"externalReference":"` + uuid.NewString() + `"}}`

	tests := []struct {
		name       string
		token      string
		header     string
		body       string
		outcome    webhook.Outcome
		processErr error
		want       int
		wantStatus string
		wantCalls  int
	}{
		{name: "applied", body: event, outcome: webhook.OutcomeApplied, want: http.StatusOK, wantStatus: "applied", wantCalls: 1},
		{name: "duplicate", body: event, outcome: webhook.OutcomeDuplicate, want: http.StatusOK, wantStatus: "duplicate", wantCalls: 1},
		{name: "store error", body: event, processErr: errors.New("store down"), want: http.StatusInternalServerError, wantCalls: 1},
		{name: "invalid json acknowledged", body: `{`, want: http.StatusOK, wantStatus: "malformed"},
		{name: "valid token", token: "secret", header: "secret", body: event, outcome: webhook.OutcomeApplied, want: http.StatusOK, wantStatus: "applied", wantCalls: 1},
		{name: "invalid token", token: "secret", header: "nope", body: event, want: http.StatusUnauthorized},
		{name: "missing token", token: "secret", body: event, want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.token)
			env.payments.outcome = tt.outcome
			env.payments.err = tt.processErr

			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", strings.NewReader(tt.body))
			if tt.header != "" {
				req.Header.Set(WebhookTokenHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.wantCalls, env.payments.calls)
			if tt.wantStatus != "" {
				assert.Equal(t, tt.wantStatus, decodeBody(t, rec)["status"])
			}
		})
	}
}

func TestOrderStatus(t *testing.T) {
	env := newTestEnv(t, "")
	env.svc.status = &service.OrderStatus{
		Order:           service.NewOrderView(model.Order{ID: uuid.New(), Status: model.OrderStatusCompleted}),
		Status:          "pending",
		LocalStatusOnly: true,
	}

	rec := env.do(t, http.MethodPost, "/api/orders/status", `{"orderId":"`+uuid.NewString()+`"}`, env.token)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["localStatusOnly"])
	assert.Equal(t, "pending", body["status"])
	assert.NotContains(t, body, "data")
}

func TestOrderStatus_NotFound(t *testing.T) {
	env := newTestEnv(t, "")
	env.svc.statusErr = apperr.ErrNotFound

	rec := env.do(t, http.MethodPost, "/api/orders/status", `{"orderId":"`+uuid.NewString()+`"}`, env.token)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"order not found"}`, rec.Body.String())
}

func TestCancelOrder(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "cancelled", want: http.StatusOK},
		{name: "nothing to cancel", err: apperr.ErrNothingToCancel, want: http.StatusBadRequest},
		{name: "not owner", err: apperr.ErrNotFound, want: http.StatusNotFound},
		{name: "store error", err: fmt.Errorf("%w: tx", apperr.ErrStore), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			env.svc.cancelOrder = &model.Order{ID: uuid.New(), Status: model.OrderStatusCancelled}
			env.svc.cancelErr = tt.err

			rec := env.do(t, http.MethodPost, "/api/orders/cancel", `{"orderId":"`+uuid.NewString()+`"}`, env.token)

			assert.Equal(t, tt.want, rec.Code)
			if tt.err == nil {
				assert.Equal(t, true, decodeBody(t, rec)["success"])
			}
		})
	}
}

func TestConfigureDelivery(t *testing.T) {
	env := newTestEnv(t, "")
	env.svc.deliveryOut = &partner.Order{ID: "abc123", DeliveryURL: "https://x/abc123"}

	rec := env.do(t, http.MethodPost, "/api/orders/delivery",
		`{"orderId":"`+uuid.NewString()+`","tipoEntrega":"email","emailContaLovable":"dev@example.com"}`, env.token)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, partner.DeliveryRequest{TipoEntrega: "email", EmailContaLovable: "dev@example.com"}, env.svc.delivery)
	data := decodeBody(t, rec)["data"].(map[string]any)
	assert.Equal(t, "abc123", data["id"])

	rec = env.do(t, http.MethodPost, "/api/orders/delivery", `{"orderId":"`+uuid.NewString()+`"}`, env.token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "tipoEntrega is required")
}

func TestListEndpoints_EmptyArrays(t *testing.T) {
	env := newTestEnv(t, "")

	for path, key := range map[string]string{
		"/api/orders":              "orders",
		"/api/products":            "products",
		"/api/wallet/transactions": "transactions",
	} {
		rec := env.do(t, http.MethodGet, path, "", env.token)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, []any{}, decodeBody(t, rec)[key], path)
	}
}

func TestListTransactions_Limit(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/wallet/transactions?limit=20", "", env.token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, env.svc.txLimit)

	rec = env.do(t, http.MethodGet, "/api/wallet/transactions?limit=abc", "", env.token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWallet(t *testing.T) {
	env := newTestEnv(t, "")
	env.svc.wallet = &model.Wallet{UserID: env.user.ID, Balance: decimal.RequireFromString("55")}

	rec := env.do(t, http.MethodGet, "/api/wallet", "", env.token)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"balance":"55","updatedAt":null}`, rec.Body.String())
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz_DatabaseDown(t *testing.T) {
	h := NewHandler(Params{Health: stubPinger{err: errors.New("down")}, Auth: middleware.NewAuthMiddleware(testSecret, "")})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/unknown", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentWebhook_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, "")
	body := `{"event":"PAYMENT_CONFIRMED","payment":{"description":"` + strings.Repeat("a", 2<<20) + `"}}`

	rec := env.do(t, http.MethodPost, "/api/webhooks/payment", body, "")

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, env.payments.calls)
}

func TestRequeueFulfillment(t *testing.T) {
	orderID := uuid.New()
	body := `{"orderId":"` + orderID.String() + `"}`

	t.Run("queued", func(t *testing.T) {
		env := newTestEnv(t, "")

		rec := env.do(t, http.MethodPost, "/api/fulfillment/requeue", body, testServiceKey)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"success":true,"queued":true}`, rec.Body.String())
		assert.Equal(t, orderID, env.requeuer.got)
	})

	t.Run("unknown order", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.requeuer.err = apperr.ErrNotFound

		rec := env.do(t, http.MethodPost, "/api/fulfillment/requeue", body, testServiceKey)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("user token rejected", func(t *testing.T) {
		env := newTestEnv(t, "")

		rec := env.do(t, http.MethodPost, "/api/fulfillment/requeue", body, env.token)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, uuid.Nil, env.requeuer.got)
	})
}
