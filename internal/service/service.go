// Package service реализует бизнес-логику магазина кредитов: покупку, просмотр и отмену заказов,
// кошелёк и каталог.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditstore/internal/apperr"
	"github.com/mmeshcher/creditstore/internal/model"
	"github.com/mmeshcher/creditstore/internal/partner"
	"github.com/mmeshcher/creditstore/internal/repository"
)

const (
	defaultTransactionsLimit = 50
	maxTransactionsLimit     = 500
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetActiveProduct(ctx context.Context, id uuid.UUID) (*model.Product, error)
	ListActiveProducts(ctx context.Context) ([]model.Product, error)
	PlaceOrder(ctx context.Context, in repository.PlaceOrderInput) (*model.Order, error)
	GetOrderForUser(ctx context.Context, id, userID uuid.UUID) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]model.Order, error)
	CancelOrder(ctx context.Context, id uuid.UUID, refund bool) (*model.Order, error)
	GetWallet(ctx context.Context, userID uuid.UUID) (*model.Wallet, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]model.Transaction, error)
}

// PartnerAPI описывает операции API партнёра, доступные владельцу заказа.
type PartnerAPI interface {
	GetOrder(ctx context.Context, id string) (*partner.Order, error)
	SetDeliveryType(ctx context.Context, id string, req partner.DeliveryRequest) (*partner.Order, error)
	CancelOrder(ctx context.Context, id string) error
}

// Notifier будит воркер выдачи после создания заказа.
type Notifier interface {
	Notify()
}

// Service содержит бизнес-логику магазина кредитов.
type Service struct {
	repo     Repository
	partner  PartnerAPI
	notifier Notifier
	logger   *zap.Logger
}

// NewService создаёт сервис с указанным репозиторием, клиентом партнёра и очередью выдачи.
func NewService(repo Repository, p PartnerAPI, n Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		partner:  p,
		notifier: n,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// User описывает аутентифицированного покупателя.
type User struct {
	ID    uuid.UUID
	Email string
}

// CreateOrder покупает пакет кредитов за счёт кошелька и ставит заказ в очередь выдачи.
func (s *Service) CreateOrder(ctx context.Context, user User, productID uuid.UUID, customerName *string) (*model.Order, error) {
	product, err := s.repo.GetActiveProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.PlaceOrder(ctx, repository.PlaceOrderInput{
		UserID:       user.ID,
		Product:      *product,
		Email:        user.Email,
		CustomerName: customerName,
	})
	if err != nil {
		return nil, err
	}

	// Задание на выдачу уже сохранено вместе с заказом; уведомление только ускоряет его запуск.
	if s.notifier != nil {
		s.notifier.Notify()
	} else {
		s.logger.Warn("fulfillment dispatcher is not configured, job waits for the next poll",
			zap.String("order_id", order.ID.String()))
	}

	return order, nil
}

// OrderView представляет заказ для клиента. Причина ошибки выдачи не раскрывается.
type OrderView struct {
	model.Order
	FulfillmentState model.DeliveryState `json:"fulfillment_state"`
	ProcessingError  bool                `json:"processing_error"`
}

// NewOrderView строит представление заказа для клиента.
func NewOrderView(o model.Order) OrderView {
	d := o.Delivery()
	v := OrderView{Order: o, FulfillmentState: d.State}
	if d.State == model.DeliveryFailed {
		v.ProcessingError = true
		v.DeliveryLink = nil
	}
	return v
}

// OrderStatus описывает статус заказа для клиента. Partner заполнен, если статус получен у партнёра.
type OrderStatus struct {
	Order           OrderView      `json:"order"`
	Status          string         `json:"status"`
	Partner         *partner.Order `json:"data,omitempty"`
	LocalStatusOnly bool           `json:"localStatusOnly"`
}

// GetOrderStatus возвращает статус заказа владельца. Если у заказа нет ссылки партнёра
// или партнёр недоступен, возвращается локальный статус.
func (s *Service) GetOrderStatus(ctx context.Context, userID, orderID uuid.UUID) (*OrderStatus, error) {
	order, err := s.repo.GetOrderForUser(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	res := &OrderStatus{
		Order:           NewOrderView(*order),
		Status:          localStatus(order),
		LocalStatusOnly: true,
	}

	d := order.Delivery()
	if d.State != model.DeliveryDelivered || d.ExternalID == "" || s.partner == nil {
		return res, nil
	}

	remote, err := s.partner.GetOrder(ctx, d.ExternalID)
	if err != nil {
		s.logger.Warn("partner order status unavailable, using local status",
			zap.String("order_id", orderID.String()),
			zap.String("external_id", d.ExternalID),
			zap.Error(err),
		)
		return res, nil
	}

	res.Partner = remote
	res.LocalStatusOnly = false
	if remote.Status != "" {
		res.Status = remote.Status
	}
	return res, nil
}

func localStatus(o *model.Order) string {
	switch o.Delivery().State {
	case model.DeliveryClaimed:
		return string(model.OrderStatusProcessing)
	case model.DeliveryFailed:
		return "error"
	default:
		return string(o.Status)
	}
}

// CancelOrder отменяет заказ владельца. Выданный заказ сначала отменяется у партнёра,
// затем его цена возвращается на кошелёк. Заказ в статусе pending отменяется локально.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*model.Order, error) {
	order, err := s.repo.GetOrderForUser(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if order.Status == model.OrderStatusCancelled {
		return nil, apperr.ErrNotCancellable
	}

	d := order.Delivery()
	switch {
	case d.State == model.DeliveryDelivered && d.ExternalID != "":
		if s.partner == nil {
			return nil, fmt.Errorf("%w: partner api not configured", apperr.ErrUpstream)
		}
		if err := s.partner.CancelOrder(ctx, d.ExternalID); err != nil {
			s.logger.Warn("partner cancel failed",
				zap.String("order_id", orderID.String()),
				zap.String("external_id", d.ExternalID),
				zap.Error(err),
			)
			if !errors.Is(err, apperr.ErrUpstream) {
				err = fmt.Errorf("%w: %w", apperr.ErrUpstream, err)
			}
			return nil, fmt.Errorf("cancel partner order: %w", err)
		}
		return s.repo.CancelOrder(ctx, orderID, true)
	case order.Status == model.OrderStatusPending && d.State == model.DeliveryUnclaimed:
		return s.repo.CancelOrder(ctx, orderID, false)
	default:
		return nil, apperr.ErrNothingToCancel
	}
}

// ConfigureDelivery задаёт способ доставки кредитов по выданному заказу владельца.
func (s *Service) ConfigureDelivery(ctx context.Context, userID, orderID uuid.UUID, req partner.DeliveryRequest) (*partner.Order, error) {
	order, err := s.repo.GetOrderForUser(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	d := order.Delivery()
	if d.State != model.DeliveryDelivered || d.ExternalID == "" {
		return nil, fmt.Errorf("%w: order has no partner reference yet", apperr.ErrValidation)
	}
	if s.partner == nil {
		return nil, fmt.Errorf("%w: partner api not configured", apperr.ErrUpstream)
	}

	updated, err := s.partner.SetDeliveryType(ctx, d.ExternalID, req)
	if err != nil {
		if !errors.Is(err, apperr.ErrUpstream) {
			err = fmt.Errorf("%w: %w", apperr.ErrUpstream, err)
		}
		return nil, fmt.Errorf("set delivery type: %w", err)
	}
	return updated, nil
}

// ListOrders возвращает заказы пользователя.
func (s *Service) ListOrders(ctx context.Context, userID uuid.UUID) ([]OrderView, error) {
	orders, err := s.repo.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, NewOrderView(o))
	}
	return views, nil
}

// ListProducts возвращает каталог активных продуктов.
func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.repo.ListActiveProducts(ctx)
}

// GetWallet возвращает кошелёк пользователя.
func (s *Service) GetWallet(ctx context.Context, userID uuid.UUID) (*model.Wallet, error) {
	return s.repo.GetWallet(ctx, userID)
}

// ListTransactions возвращает последние операции кошелька пользователя.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = defaultTransactionsLimit
	}
	limit = min(limit, maxTransactionsLimit)
	return s.repo.ListTransactions(ctx, userID, limit)
}
