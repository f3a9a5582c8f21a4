// Package metrics содержит метрики Prometheus магазина кредитов.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы выдачи кредитов по заказу.
const (
	OutcomeDelivered = "delivered"
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
	OutcomeNoop      = "noop"
	OutcomeError     = "error"
)

// Metrics содержит счётчики выдачи, вебхуков и запросов к партнёру.
// Методы безопасны для нулевого указателя, поэтому метрики можно не передавать в тестах.
type Metrics struct {
	fulfillment *prometheus.CounterVec
	webhook     *prometheus.CounterVec
	partner     *prometheus.HistogramVec
}

// New регистрирует метрики в указанном регистраторе.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	fulfillment := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_outcomes_total",
		Help: "Fulfillment invocations by outcome.",
	}, []string{"outcome"})
	webhook := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Payment webhook events by result.",
	}, []string{"result"})
	partner := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "partner_request_duration_seconds",
		Help:    "Duration of partner credits API requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "result"})
	reg.MustRegister(fulfillment, webhook, partner)
	return &Metrics{
		fulfillment: fulfillment,
		webhook:     webhook,
		partner:     partner,
	}
}

// FulfillmentOutcome увеличивает счётчик исходов выдачи.
func (m *Metrics) FulfillmentOutcome(outcome string) {
	if m == nil || m.fulfillment == nil {
		return
	}
	m.fulfillment.WithLabelValues(outcome).Inc()
}

// WebhookEvent увеличивает счётчик обработанных событий платёжного вебхука.
func (m *Metrics) WebhookEvent(result string) {
	if m == nil || m.webhook == nil {
		return
	}
	m.webhook.WithLabelValues(result).Inc()
}

// ObservePartnerRequest записывает длительность запроса к API партнёра.
func (m *Metrics) ObservePartnerRequest(op string, ok bool, d time.Duration) {
	if m == nil || m.partner == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.partner.WithLabelValues(op, result).Observe(d.Seconds())
}
