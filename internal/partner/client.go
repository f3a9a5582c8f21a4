// Package partner предоставляет клиент API партнёра, выпускающего кредиты.
package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/creditstore/internal/apperr"
	"github.com/mmeshcher/creditstore/internal/metrics"
)

const apiKeyHeader = "X-API-Key"

// Client инкапсулирует HTTP-взаимодействие с API партнёра.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// Order описывает заказ на стороне партнёра.
type Order struct {
	ID          string    `json:"id"`
	Quantity    int       `json:"quantity"`
	Status      string    `json:"status"`
	DeliveryURL string    `json:"delivery_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeliveryRequest задаёт способ доставки кредитов.
type DeliveryRequest struct {
	TipoEntrega       string `json:"tipoEntrega"`
	EmailContaLovable string `json:"emailContaLovable"`
}

// CodeEmptyResponse обозначает успешный ответ без идентификатора заказа.
const CodeEmptyResponse = "EMPTY_RESPONSE"

// APIError описывает отказ партнёра. Оборачивает apperr.ErrUpstream.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("partner api: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return apperr.ErrUpstream
}

// ErrorCode возвращает код ошибки партнёра или транспортный класс ошибки.
func ErrorCode(err error) string {
	var (
		apiErr *APIError
		netErr net.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &apiErr):
		if apiErr.Code != "" {
			return apiErr.Code
		}
		return "HTTP_" + strconv.Itoa(apiErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "TIMEOUT"
	default:
		return "TRANSPORT"
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewClient создаёт клиент API партнёра по указанному адресу.
func NewClient(baseURL, apiKey string, timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		metrics: m,
	}
}

// CreateOrder создаёт у партнёра заказ на указанное количество кредитов.
func (c *Client) CreateOrder(ctx context.Context, quantity int) (*Order, error) {
	var res Order
	if err := c.do(ctx, "create_order", http.MethodPost, "/orders", map[string]int{"quantity": quantity}, &res); err != nil {
		return nil, err
	}
	if res.ID == "" {
		return nil, &APIError{
			StatusCode: http.StatusOK,
			Code:       CodeEmptyResponse,
			Message:    "order id missing in success response",
		}
	}
	return &res, nil
}

// GetOrder возвращает заказ партнёра по идентификатору.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var res Order
	if err := c.do(ctx, "get_order", http.MethodGet, "/orders/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListRecentOrders возвращает первую страницу последних заказов партнёра.
func (c *Client) ListRecentOrders(ctx context.Context, limit int) ([]Order, error) {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("limit", strconv.Itoa(limit))

	var res []Order
	if err := c.do(ctx, "list_orders", http.MethodGet, "/orders?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// SetDeliveryType задаёт способ доставки заказа и возвращает обновлённый заказ.
func (c *Client) SetDeliveryType(ctx context.Context, id string, req DeliveryRequest) (*Order, error) {
	var res Order
	if err := c.do(ctx, "set_delivery", http.MethodPut, "/orders/"+url.PathEscape(id)+"/delivery", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelOrder отменяет заказ у партнёра.
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	return c.do(ctx, "cancel_order", http.MethodPost, "/orders/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// OrderLink возвращает ссылку на заказ партнёра, если партнёр не прислал delivery_url.
// Последний сегмент ссылки всегда равен идентификатору заказа.
func (c *Client) OrderLink(id string) string {
	return c.baseURL + "/orders/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("partner client not configured")
	}

	start := time.Now()
	defer func() {
		c.metrics.ObservePartnerRequest(op, err == nil, time.Since(start))
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= 300 || !env.Success {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}

	return nil
}
