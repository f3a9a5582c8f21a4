// Package apperr содержит классификацию ошибок сервиса и их отображение в HTTP.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrUnauthorized возвращается при отсутствующем или неверном bearer-токене.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound возвращается и для отсутствующего ресурса, и для чужого: владельца не раскрываем.
	ErrNotFound = errors.New("not found")
	// ErrValidation возвращается при неполном или некорректном запросе.
	ErrValidation = errors.New("validation failed")
	// ErrProductNotFound возвращается, если продукт не найден или неактивен.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientBalance возвращается, если баланса кошелька не хватает на покупку.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUpstream возвращается при отказе API партнёра.
	ErrUpstream = errors.New("partner api error")
	// ErrStore возвращается при сбое хранилища; запрос можно повторить.
	ErrStore = errors.New("store error")
	// ErrNothingToCancel возвращается, если у заказа нет внешней ссылки для отмены.
	ErrNothingToCancel = errors.New("order has no external reference to cancel")
	// ErrNotCancellable возвращается для уже отменённого заказа.
	ErrNotCancellable = errors.New("order cannot be cancelled")
)

// Kind возвращает устойчивое строковое имя класса ошибки.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNothingToCancel):
		return "nothing_to_cancel"
	case errors.Is(err, ErrNotCancellable):
		return "not_cancellable"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

// HTTPStatus отображает ошибку в HTTP-статус ответа.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrProductNotFound),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrNothingToCancel),
		errors.Is(err, ErrNotCancellable),
		errors.Is(err, ErrUpstream):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var publicMessages = map[string]string{
	"unauthorized":         "authentication required",
	"not_found":            "order not found",
	"product_not_found":    "product not found or inactive",
	"insufficient_balance": "insufficient balance",
	"nothing_to_cancel":    "order has no external reference to cancel",
	"not_cancellable":      "order cannot be cancelled",
	"upstream":             "processing error",
	"timeout":              "upstream timeout",
}

// Public возвращает понятную клиенту причину ошибки без внутренних подробностей.
// Для ошибок валидации возвращается полный текст, он формируется нашим кодом.
func Public(err error) string {
	kind := Kind(err)
	if kind == "validation" {
		return err.Error()
	}
	if msg, ok := publicMessages[kind]; ok {
		return msg
	}
	return "internal error"
}

// Retryable сообщает, имеет ли смысл вызывающей стороне повторить запрос.
func Retryable(err error) bool {
	return errors.Is(err, ErrStore) || errors.Is(err, context.DeadlineExceeded)
}
