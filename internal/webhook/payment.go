// Package webhook обрабатывает уведомления платёжного шлюза о подтверждённых платежах.
package webhook

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditstore/internal/metrics"
	"github.com/mmeshcher/creditstore/internal/model"
	"github.com/mmeshcher/creditstore/internal/repository"
)

// События шлюза, по которым зачисляется депозит.
const (
	EventPaymentReceived  = "PAYMENT_RECEIVED"
	EventPaymentConfirmed = "PAYMENT_CONFIRMED"
)

// Outcome описывает итог обработки события.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeMalformed Outcome = "malformed"
	OutcomeError     Outcome = "error"
)

// Event описывает конверт события платёжного шлюза.
type Event struct {
	Event   string   `json:"event"`
	Payment *Payment `json:"payment"`
}

// Payment содержит данные платежа из события.
type Payment struct {
	ID                string          `json:"id"`
	Value             decimal.Decimal `json:"value"`
	ExternalReference string          `json:"externalReference"`
	Description       string          `json:"description"`
}

// Store применяет депозит идемпотентно по идентификатору платежа.
type Store interface {
	ApplyDeposit(ctx context.Context, in repository.DepositInput) (model.DepositResult, error)
}

// Processor применяет события платёжного шлюза к кошелькам.
type Processor struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewProcessor создаёт обработчик платёжных событий.
func NewProcessor(store Store, logger *zap.Logger, m *metrics.Metrics) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, logger: logger, metrics: m}
}

// Process обрабатывает одно событие. Ошибка возвращается только при сбое хранилища,
// когда шлюзу нужно повторить доставку; все остальные события подтверждаются.
func (p *Processor) Process(ctx context.Context, ev Event) (outcome Outcome, err error) {
	defer func() { p.metrics.WebhookEvent(string(outcome)) }()

	if ev.Payment == nil {
		return OutcomeIgnored, nil
	}
	if ev.Event != EventPaymentReceived && ev.Event != EventPaymentConfirmed {
		return OutcomeIgnored, nil
	}

	log := p.logger.With(zap.String("event", ev.Event), zap.String("payment_id", ev.Payment.ID))

	ref := strings.TrimSpace(ev.Payment.ExternalReference)
	if ref == "" {
		log.Error("CRITICAL: payment event without externalReference, deposit cannot be applied")
		return OutcomeMalformed, nil
	}
	userID, err := uuid.Parse(ref)
	if err != nil {
		log.Error("CRITICAL: payment externalReference is not a user id",
			zap.String("external_reference", ref))
		return OutcomeMalformed, nil
	}
	if ev.Payment.ID == "" || !ev.Payment.Value.IsPositive() {
		log.Error("CRITICAL: payment event without id or positive value",
			zap.String("value", ev.Payment.Value.String()))
		return OutcomeMalformed, nil
	}

	description := ev.Payment.Description
	if description == "" {
		description = "deposit: payment " + ev.Payment.ID
	}

	res, err := p.store.ApplyDeposit(ctx, repository.DepositInput{
		UserID:      userID,
		Amount:      ev.Payment.Value,
		PaymentID:   ev.Payment.ID,
		Description: description,
	})
	if err != nil {
		log.Error("apply deposit failed", zap.Error(err))
		return OutcomeError, fmt.Errorf("apply deposit: %w", err)
	}

	if res == model.DepositDuplicate {
		log.Info("payment already applied")
		return OutcomeDuplicate, nil
	}

	log.Info("deposit applied",
		zap.String("user_id", userID.String()),
		zap.String("amount", ev.Payment.Value.String()),
	)
	return OutcomeApplied, nil
}
