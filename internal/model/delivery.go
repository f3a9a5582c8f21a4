package model

import (
	"net/url"
	"strings"
)

// DeliveryState описывает состояние выдачи кредитов по заказу.
type DeliveryState string

const (
	DeliveryUnclaimed DeliveryState = "unclaimed"
	DeliveryClaimed   DeliveryState = "claimed"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

const (
	// ProgressSentinel записывается в delivery_link при захвате заказа.
	ProgressSentinel = "processing"
	// ErrorPrefix открывает значение delivery_link при окончательной ошибке выдачи.
	ErrorPrefix = "ERROR:"
)

// Причины ошибок выдачи, сохраняемые после ErrorPrefix.
const (
	FailureInvalidQuantity = "INVALID_QUANTITY"
	FailureUpstream        = "UPSTREAM"
	FailureStaleClaim      = "STALE_CLAIM"
)

// Delivery хранит разобранное значение delivery_link.
type Delivery struct {
	State      DeliveryState `json:"state"`
	URL        string        `json:"url,omitempty"`
	ExternalID string        `json:"external_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// ParseDelivery разбирает delivery_link в Delivery.
func ParseDelivery(link *string) Delivery {
	if link == nil || strings.TrimSpace(*link) == "" {
		return Delivery{State: DeliveryUnclaimed}
	}

	v := strings.TrimSpace(*link)
	switch {
	case v == ProgressSentinel:
		return Delivery{State: DeliveryClaimed}
	case strings.HasPrefix(v, ErrorPrefix):
		return Delivery{State: DeliveryFailed, Reason: strings.TrimPrefix(v, ErrorPrefix)}
	}

	id, _ := ExternalIDFromURL(v)
	return Delivery{State: DeliveryDelivered, URL: v, ExternalID: id}
}

// Link возвращает значение delivery_link для состояния.
func (d Delivery) Link() *string {
	var v string
	switch d.State {
	case DeliveryUnclaimed:
		return nil
	case DeliveryClaimed:
		v = ProgressSentinel
	case DeliveryFailed:
		v = FailureLink(d.Reason)
	default:
		v = d.URL
	}
	return &v
}

// FailureLink собирает значение delivery_link для окончательной ошибки.
func FailureLink(reason string) string {
	return ErrorPrefix + reason
}

// UpstreamFailureReason собирает причину ошибки партнёра с его кодом.
func UpstreamFailureReason(code string) string {
	if code == "" {
		code = "UNKNOWN"
	}
	return FailureUpstream + ":" + code
}

// ExternalIDFromURL извлекает последний непустой сегмент пути ссылки выдачи,
// который является идентификатором заказа у партнёра.
func ExternalIDFromURL(raw string) (string, bool) {
	path := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		path = u.Path
	}

	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}

	if path == "" {
		return "", false
	}
	return path, true
}
