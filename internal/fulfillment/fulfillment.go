// Package fulfillment реализует выдачу кредитов по оплаченному заказу через API партнёра.
//
// Заказ захватывается условным обновлением delivery_link, после чего один вызов
// доводит его до DELIVERED или FAILED. Если партнёр ещё не вызывался, захват снимается.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditstore/internal/apperr"
	"github.com/mmeshcher/creditstore/internal/metrics"
	"github.com/mmeshcher/creditstore/internal/model"
	"github.com/mmeshcher/creditstore/internal/partner"
)

const (
	// DeliveryTypeEmail задаёт способ доставки кредитов на аккаунт по email.
	DeliveryTypeEmail = "email"

	defaultRecoveryPageSize = 10
	commitTimeout           = 10 * time.Second
)

// Store описывает операции хранилища, нужные для протокола захвата.
type Store interface {
	ClaimOrder(ctx context.Context, id uuid.UUID) (bool, error)
	CompleteDelivery(ctx context.Context, id uuid.UUID, link string, quantity int) error
	FailDelivery(ctx context.Context, id uuid.UUID, reason string) error
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
}

// Partner описывает операции API партнёра, нужные для выдачи.
type Partner interface {
	CreateOrder(ctx context.Context, quantity int) (*partner.Order, error)
	ListRecentOrders(ctx context.Context, limit int) ([]partner.Order, error)
	SetDeliveryType(ctx context.Context, id string, req partner.DeliveryRequest) (*partner.Order, error)
	OrderLink(id string) string
}

// Config содержит задержки и окна алгоритма выдачи.
type Config struct {
	ClaimJitterMin   time.Duration
	ClaimJitterMax   time.Duration
	RecoveryDelay    time.Duration
	RecoveryWindow   time.Duration
	RecoveryPageSize int
}

// Result описывает итог одного вызова Fulfill.
type Result struct {
	Outcome string `json:"outcome"`
	Link    string `json:"link,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Orchestrator выполняет выдачу кредитов по заказам.
type Orchestrator struct {
	store   Store
	partner Partner
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	jitter func(lo, hi time.Duration) time.Duration
}

// New создаёт оркестратор выдачи кредитов.
func New(store Store, p Partner, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if cfg.RecoveryPageSize <= 0 {
		cfg.RecoveryPageSize = defaultRecoveryPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:   store,
		partner: p,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		sleep:   sleepOrDone,
		now:     time.Now,
		jitter:  randomBetween,
	}
}

// Fulfill выдаёт кредиты по заказу. Вызов может повторяться для одного заказа сколько угодно раз:
// партнёр вызывается не более одного раза, остальные вызовы возвращают Outcome noop.
func (o *Orchestrator) Fulfill(ctx context.Context, order model.Order) (res Result, err error) {
	log := o.logger.With(zap.String("order_id", order.ID.String()))
	defer func() {
		if err != nil && res.Outcome == "" {
			res.Outcome = metrics.OutcomeError
		}
		o.metrics.FulfillmentOutcome(res.Outcome)
	}()

	if !order.Status.Fulfillable() {
		return Result{Outcome: metrics.OutcomeNoop, Reason: "status " + string(order.Status)}, nil
	}
	if d := order.Delivery(); d.State != model.DeliveryUnclaimed {
		return Result{Outcome: metrics.OutcomeNoop, Reason: "already " + string(d.State)}, nil
	}

	if err := o.sleep(ctx, o.jitter(o.cfg.ClaimJitterMin, o.cfg.ClaimJitterMax)); err != nil {
		return Result{}, err
	}

	claimed, err := o.store.ClaimOrder(ctx, order.ID)
	if err != nil {
		return Result{}, fmt.Errorf("claim order: %w", err)
	}
	if !claimed {
		log.Info("order already claimed")
		return Result{Outcome: metrics.OutcomeNoop, Reason: "already claimed"}, nil
	}

	// После захвата отмена вызывающего не прерывает выдачу: партнёр мог уже получить запрос,
	// и без поиска ghost-заказа выданные кредиты были бы записаны как ошибка.
	// Вызовы партнёра ограничены таймаутом его клиента.
	workCtx := context.WithoutCancel(ctx)
	commitCtx, cancel := context.WithTimeout(workCtx, commitTimeout)
	defer cancel()

	quantity := order.CreditsQuantity()
	if quantity <= 0 {
		if err := o.fail(commitCtx, log, order.ID, model.FailureInvalidQuantity); err != nil {
			o.release(commitCtx, log, order.ID)
			return Result{}, err
		}
		return Result{Outcome: metrics.OutcomeFailed, Reason: model.FailureInvalidQuantity},
			fmt.Errorf("%w: credits quantity must be positive", apperr.ErrValidation)
	}

	outcome := metrics.OutcomeDelivered
	created, createErr := o.partner.CreateOrder(workCtx, quantity)
	if createErr == nil && (created == nil || created.ID == "") {
		createErr = &partner.APIError{StatusCode: 200, Code: partner.CodeEmptyResponse}
	}
	if createErr != nil {
		log.Warn("partner create order failed, trying ghost recovery",
			zap.Int("quantity", quantity), zap.Error(createErr))

		created = o.recoverGhost(workCtx, log, quantity)
		if created == nil {
			reason := model.UpstreamFailureReason(partner.ErrorCode(createErr))
			if err := o.fail(commitCtx, log, order.ID, reason); err != nil {
				return Result{}, err
			}
			if !errors.Is(createErr, apperr.ErrUpstream) {
				createErr = fmt.Errorf("%w: %w", apperr.ErrUpstream, createErr)
			}
			return Result{Outcome: metrics.OutcomeFailed, Reason: reason}, fmt.Errorf("create partner order: %w", createErr)
		}
		outcome = metrics.OutcomeRecovered
		log.Info("ghost order recovered", zap.String("external_id", created.ID))
	}

	link := o.configureDelivery(workCtx, log, created, order.Email)

	if err := o.store.CompleteDelivery(commitCtx, order.ID, link, quantity); err != nil {
		// Партнёр уже выдал кредиты: захват не снимаем, его закроет фоновая сверка.
		log.Error("commit delivered order failed", zap.String("link", link), zap.Error(err))
		return Result{}, fmt.Errorf("commit delivery: %w", err)
	}

	log.Info("order delivered", zap.String("link", link), zap.Int("quantity", quantity))
	return Result{Outcome: outcome, Link: link}, nil
}

// recoverGhost ищет среди последних заказов партнёра заказ на то же количество кредитов,
// созданный несмотря на ошибочный ответ.
func (o *Orchestrator) recoverGhost(ctx context.Context, log *zap.Logger, quantity int) *partner.Order {
	if err := o.sleep(ctx, o.cfg.RecoveryDelay); err != nil {
		return nil
	}

	recent, err := o.partner.ListRecentOrders(ctx, o.cfg.RecoveryPageSize)
	if err != nil {
		log.Warn("list recent partner orders failed", zap.Error(err))
		return nil
	}

	return matchGhost(recent, quantity, o.now(), o.cfg.RecoveryWindow)
}

func matchGhost(recent []partner.Order, quantity int, now time.Time, window time.Duration) *partner.Order {
	var best *partner.Order
	for i := range recent {
		candidate := &recent[i]
		if candidate.ID == "" || candidate.Quantity != quantity {
			continue
		}
		age := now.Sub(candidate.CreatedAt)
		if age < 0 {
			age = -age
		}
		if age > window {
			continue
		}
		if best == nil || candidate.CreatedAt.After(best.CreatedAt) {
			best = candidate
		}
	}
	return best
}

// configureDelivery задаёт доставку на email заказа. Ошибка только логируется.
func (o *Orchestrator) configureDelivery(ctx context.Context, log *zap.Logger, created *partner.Order, email string) string {
	link := created.DeliveryURL
	if link == "" {
		link = o.partner.OrderLink(created.ID)
	}
	if email == "" {
		return link
	}

	updated, err := o.partner.SetDeliveryType(ctx, created.ID, partner.DeliveryRequest{
		TipoEntrega:       DeliveryTypeEmail,
		EmailContaLovable: email,
	})
	if err != nil {
		log.Warn("set delivery type failed", zap.String("external_id", created.ID), zap.Error(err))
		return link
	}
	if updated != nil && updated.DeliveryURL != "" {
		return updated.DeliveryURL
	}
	return link
}

func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, id uuid.UUID, reason string) error {
	if err := o.store.FailDelivery(ctx, id, reason); err != nil {
		log.Error("commit failed order failed", zap.String("reason", reason), zap.Error(err))
		return fmt.Errorf("commit failure: %w", err)
	}
	log.Warn("order fulfillment failed", zap.String("reason", reason))
	return nil
}

func (o *Orchestrator) release(ctx context.Context, log *zap.Logger, id uuid.UUID) {
	if err := o.store.ReleaseClaim(ctx, id); err != nil {
		log.Error("release claim failed", zap.Error(err))
	}
}
