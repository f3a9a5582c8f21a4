// Package model содержит доменные сущности магазина кредитов.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	// OrderStatusPaid приходит от внешних триггеров и тоже считается оплаченным.
	OrderStatusPaid OrderStatus = "paid"
)

// Fulfillable сообщает, можно ли выдавать кредиты по заказу с таким статусом.
func (s OrderStatus) Fulfillable() bool {
	return s == OrderStatusCompleted || s == OrderStatusPaid
}

// Order описывает заказ пакета кредитов. JSON-теги совпадают с колонками таблицы orders,
// так как запись целиком передаётся в триггер выдачи.
type Order struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	ProductID         uuid.UUID       `json:"product_id"`
	ProductName       string          `json:"product_name"`
	Email             string          `json:"email"`
	Status            OrderStatus     `json:"status"`
	Price             decimal.Decimal `json:"price"`
	CreditsAmount     *int            `json:"credits_amount,omitempty"`
	Quantity          *int            `json:"quantity,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	DeliveryLink      *string         `json:"delivery_link"`
	ExternalControlID *string         `json:"external_control_id,omitempty"`
	CustomerName      *string         `json:"customer_name,omitempty"`
}

// CreditsQuantity возвращает количество кредитов заказа: credits_amount,
// а если он пуст или не положителен, то устаревшее поле quantity.
func (o *Order) CreditsQuantity() int {
	if o.CreditsAmount != nil && *o.CreditsAmount > 0 {
		return *o.CreditsAmount
	}
	if o.Quantity != nil && *o.Quantity > 0 {
		return *o.Quantity
	}
	return 0
}

// Delivery разбирает поле delivery_link заказа.
func (o *Order) Delivery() Delivery {
	return ParseDelivery(o.DeliveryLink)
}

// Wallet описывает кошелёк пользователя.
type Wallet struct {
	UserID    uuid.UUID       `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TransactionType описывает тип операции в журнале кошелька.
type TransactionType string

const (
	TransactionDeposit  TransactionType = "deposit"
	TransactionPurchase TransactionType = "purchase"
	TransactionRefund   TransactionType = "refund"
)

// Transaction описывает запись журнала операций кошелька. Amount хранится со знаком.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	ExternalID  *string         `json:"external_id,omitempty"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Product описывает пакет кредитов из каталога.
type Product struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	CreditsAmount int             `json:"credits_amount"`
	Price         decimal.Decimal `json:"price"`
	Active        bool            `json:"active"`
}

// DepositResult описывает итог зачисления платежа.
type DepositResult string

const (
	DepositApplied   DepositResult = "applied"
	DepositDuplicate DepositResult = "duplicate"
)

// JobStatus описывает состояние задания на выдачу кредитов.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobDead    JobStatus = "dead"
)

// FulfillmentJob описывает задание очереди выдачи кредитов.
type FulfillmentJob struct {
	ID        int64
	OrderID   uuid.UUID
	Status    JobStatus
	Attempts  int
	NextRunAt time.Time
	LastError *string
}
