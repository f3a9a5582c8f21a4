package webhook

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditstore/internal/apperr"
	"github.com/mmeshcher/creditstore/internal/metrics"
	"github.com/mmeshcher/creditstore/internal/model"
	"github.com/mmeshcher/creditstore/internal/repository"
)

// memWallets повторяет идемпотентное зачисление хранилища: платёж применяется один раз.
type memWallets struct {
	mu       sync.Mutex
	balances map[uuid.UUID]decimal.Decimal
	applied  map[string]bool
	err      error
}

func newMemWallets() *memWallets {
	return &memWallets{balances: map[uuid.UUID]decimal.Decimal{}, applied: map[string]bool{}}
}

func (m *memWallets) ApplyDeposit(_ context.Context, in repository.DepositInput) (model.DepositResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.applied[in.PaymentID] {
		return model.DepositDuplicate, nil
	}
	m.applied[in.PaymentID] = true
	m.balances[in.UserID] = m.balances[in.UserID].Add(in.Amount)
	return model.DepositApplied, nil
}

func paymentEvent(userID uuid.UUID, paymentID, value string) Event {
	return Event{
		Event: EventPaymentConfirmed,
		Payment: &Payment{
			ID:                paymentID,
			Value:             decimal.RequireFromString(value),
			ExternalReference: userID.String(),
		},
	}
}

func TestProcess_IdempotentDeposit(t *testing.T) {
	store := newMemWallets()
	p := NewProcessor(store, zap.NewNop(), nil)
	userID := uuid.New()
	ev := paymentEvent(userID, "pay_1", "100.00")

	outcome, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = p.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.True(t, decimal.RequireFromString("100").Equal(store.balances[userID]))
}

func TestProcess_IgnoresIrrelevantEvents(t *testing.T) {
	store := newMemWallets()
	p := NewProcessor(store, zap.NewNop(), nil)

	outcome, err := p.Process(context.Background(), Event{Event: EventPaymentReceived})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	ev := paymentEvent(uuid.New(), "pay_2", "10")
	ev.Event = "PAYMENT_OVERDUE"
	outcome, err = p.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	assert.Empty(t, store.applied)
}

func TestProcess_MalformedAcknowledged(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{name: "no reference", mutate: func(e *Event) { e.Payment.ExternalReference = "" }},
		{name: "bad reference", mutate: func(e *Event) { e.Payment.ExternalReference = "user-42" }},
		{name: "no payment id", mutate: func(e *Event) { e.Payment.ID = "" }},
		{name: "zero value", mutate: func(e *Event) { e.Payment.Value = decimal.Zero }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemWallets()
			p := NewProcessor(store, zap.NewNop(), nil)

			ev := paymentEvent(uuid.New(), "pay_3", "10")
			tt.mutate(&ev)

			outcome, err := p.Process(context.Background(), ev)
			require.NoError(t, err)
			assert.Equal(t, OutcomeMalformed, outcome)
			assert.Empty(t, store.applied)
		})
	}
}

func TestProcess_StoreErrorIsRetryable(t *testing.T) {
	store := newMemWallets()
	store.err = apperr.ErrStore
	p := NewProcessor(store, zap.NewNop(), nil)

	outcome, err := p.Process(context.Background(), paymentEvent(uuid.New(), "pay_4", "10"))
	require.Error(t, err)
	assert.Equal(t, OutcomeError, outcome)
	assert.True(t, apperr.Retryable(err))
}

func TestProcess_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProcessor(newMemWallets(), zap.NewNop(), metrics.New(reg))
	userID := uuid.New()

	_, _ = p.Process(context.Background(), paymentEvent(userID, "pay_5", "1"))
	_, _ = p.Process(context.Background(), paymentEvent(userID, "pay_5", "1"))

	expected := `
# HELP webhook_events_total Payment webhook events by result.
# TYPE webhook_events_total counter
webhook_events_total{result="applied"} 1
webhook_events_total{result="duplicate"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "webhook_events_total"))
}
