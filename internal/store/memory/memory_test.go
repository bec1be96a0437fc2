package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buddiz/checkout/internal/orders"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutProduct(ctx, &orders.Product{ID: "b1", Name: "Goldstar", Price: decimal.RequireFromString("6.50"), Stock: 5}))
	require.NoError(t, s.PutProduct(ctx, &orders.Product{ID: "b2", Name: "Maccabee", Price: decimal.RequireFromString("7.00"), Stock: 1}))
	require.NoError(t, s.PutOrder(ctx, orders.NewOrder("O1", "a@x.com", nil, decimal.NewFromInt(18), "ILS", orders.StatusPendingApproval)))
	return s
}

func TestTransactWrite_AppliesAll(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	key := orders.OrderKey{ID: "O1", UserID: "a@x.com"}

	err := s.TransactWrite(ctx, []orders.Update{
		orders.DecrementStock("b1", 2),
		orders.DecrementStock("b2", 1),
		orders.TransitionStatus(key, orders.StatusPendingApproval, orders.StatusPaid).WithCaptureID("CAP-1"),
	})
	require.NoError(t, err)

	b1, _ := s.GetProduct(ctx, "b1")
	b2, _ := s.GetProduct(ctx, "b2")
	order, _ := s.GetOrder(ctx, key)
	assert.Equal(t, 3, b1.Stock)
	assert.Equal(t, 0, b2.Stock)
	assert.Equal(t, orders.StatusPaid, order.Status)
	assert.Equal(t, "CAP-1", order.CaptureID)
}

func TestTransactWrite_AllOrNothing(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	key := orders.OrderKey{ID: "O1", UserID: "a@x.com"}

	err := s.TransactWrite(ctx, []orders.Update{
		orders.DecrementStock("b1", 2),
		orders.DecrementStock("b2", 2),
		orders.TransitionStatus(key, orders.StatusPendingApproval, orders.StatusPaid),
	})

	var condErr *orders.ConditionFailedError
	require.ErrorAs(t, err, &condErr)
	assert.Equal(t, 1, condErr.Index)

	b1, _ := s.GetProduct(ctx, "b1")
	b2, _ := s.GetProduct(ctx, "b2")
	order, _ := s.GetOrder(ctx, key)
	assert.Equal(t, 5, b1.Stock)
	assert.Equal(t, 1, b2.Stock)
	assert.Equal(t, orders.StatusPendingApproval, order.Status)
}

func TestTransactWrite_StatusCondition(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	key := orders.OrderKey{ID: "O1", UserID: "a@x.com"}

	require.NoError(t, s.ConditionalUpdate(ctx, orders.TransitionStatus(key, orders.StatusPendingApproval, orders.StatusDenied)))

	err := s.ConditionalUpdate(ctx, orders.TransitionStatus(key, orders.StatusPendingApproval, orders.StatusPaid))
	var condErr *orders.ConditionFailedError
	require.ErrorAs(t, err, &condErr)
	assert.Equal(t, 0, condErr.Index)

	err = s.ConditionalUpdate(ctx, orders.TransitionStatus(orders.OrderKey{ID: "missing", UserID: "a@x.com"}, "", orders.StatusPaid))
	assert.ErrorAs(t, err, &condErr)
}

func TestGetOrder_NotFoundAndCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetOrder(ctx, orders.OrderKey{ID: "nope", UserID: "u"})
	assert.ErrorIs(t, err, orders.ErrRecordNotFound)

	items := []orders.LineItem{{ProductID: "b1", Quantity: 1}}
	require.NoError(t, s.PutOrder(ctx, orders.NewOrder("O2", "u", items, decimal.Zero, "ILS", orders.StatusPaid)))
	items[0].Quantity = 99

	got, err := s.GetOrder(ctx, orders.OrderKey{ID: "O2", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Items[0].Quantity)
}
