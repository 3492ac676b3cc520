package kalshi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestPlaceOrderRequestValidate(t *testing.T) {
	valid := &PlaceOrderRequest{
		MarketID: "MKT-1",
		Side:     SideYes,
		Action:   ActionBuy,
		Count:    10,
		YesPrice: intPtr(45),
	}
	require.NoError(t, valid.Validate())
	require.Equal(t, TypeLimit, valid.OrderType)

	cases := []struct {
		name string
		req  PlaceOrderRequest
	}{
		{"missing market", PlaceOrderRequest{Side: SideYes, Action: ActionBuy, Count: 1, YesPrice: intPtr(50)}},
		{"bad side", PlaceOrderRequest{MarketID: "M", Side: "maybe", Action: ActionBuy, Count: 1, YesPrice: intPtr(50)}},
		{"bad action", PlaceOrderRequest{MarketID: "M", Side: SideYes, Action: "hold", Count: 1, YesPrice: intPtr(50)}},
		{"zero count", PlaceOrderRequest{MarketID: "M", Side: SideYes, Action: ActionBuy, Count: 0, YesPrice: intPtr(50)}},
		{"limit without price", PlaceOrderRequest{MarketID: "M", Side: SideYes, Action: ActionBuy, Count: 1}},
		{"price too low", PlaceOrderRequest{MarketID: "M", Side: SideYes, Action: ActionBuy, Count: 1, YesPrice: intPtr(0)}},
		{"price too high", PlaceOrderRequest{MarketID: "M", Side: SideNo, Action: ActionSell, Count: 1, NoPrice: intPtr(100)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			err := req.Validate()
			var validation *ValidationError
			require.ErrorAs(t, err, &validation)
		})
	}
}

func TestExchangePayloadOmitsUnsetPrices(t *testing.T) {
	req := &PlaceOrderRequest{
		MarketID:      "MKT-1",
		Side:          SideNo,
		Action:        ActionSell,
		Count:         3,
		NoPrice:       intPtr(22),
		ClientOrderID: "local-1",
	}
	require.NoError(t, req.Validate())

	payload := req.ExchangePayload()
	require.Equal(t, "MKT-1", payload["ticker"])
	require.Equal(t, 22, payload["no_price"])
	require.Equal(t, "local-1", payload["client_order_id"])
	require.NotContains(t, payload, "yes_price")
}

func TestNormalizeExchangeStatus(t *testing.T) {
	cases := map[string]LifecycleStatus{
		"pending":      StatusPending,
		"queued":       StatusPending,
		"resting":      StatusOpen,
		"OPEN":         StatusOpen,
		"active":       StatusOpen,
		"partial_fill": StatusPartiallyFilled,
		"executed":     StatusFilled,
		"cancelled":    StatusCanceled,
		"void":         StatusCanceled,
		"declined":     StatusRejected,
		"expired":      StatusExpired,
		"weird":        StatusUnknown,
	}
	for raw, want := range cases {
		require.Equal(t, want, NormalizeExchangeStatus(raw), "raw %q", raw)
	}
}

func TestNormalizeExchangeStatusIdempotent(t *testing.T) {
	for raw := range statusMap {
		once := NormalizeExchangeStatus(raw)
		require.Equal(t, once, NormalizeExchangeStatus(string(once)))
	}
}

func TestPlaceOrderResponseFromExchangeNested(t *testing.T) {
	response, err := PlaceOrderResponseFromExchange(map[string]any{
		"order": map[string]any{
			"order_id":     "ord-1",
			"ticker":       "MKT-1",
			"status":       "resting",
			"count":        float64(10),
			"filled_count": float64(2),
		},
	})
	require.NoError(t, err)
	require.Equal(t, "ord-1", response.Order.OrderID)
	require.Equal(t, "MKT-1", response.Order.MarketID)
	require.Equal(t, StatusOpen, response.Order.LifecycleStatus)
	require.Equal(t, "resting", response.Order.RawStatus)
	require.Equal(t, 10, response.Order.Quantity)
	require.Equal(t, 2, response.Order.FilledQuantity)
}

func TestPlaceOrderResponseFromExchangeFlat(t *testing.T) {
	response, err := PlaceOrderResponseFromExchange(map[string]any{
		"id":     "ord-2",
		"status": "filled",
	})
	require.NoError(t, err)
	require.Equal(t, "ord-2", response.Order.OrderID)
	require.Equal(t, StatusFilled, response.Order.LifecycleStatus)
}

func TestPlaceOrderResponseMissingID(t *testing.T) {
	_, err := PlaceOrderResponseFromExchange(map[string]any{"status": "open"})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestCancelOrderResponseDefaults(t *testing.T) {
	response, err := CancelOrderResponseFromExchange(map[string]any{}, "ord-9")
	require.NoError(t, err)
	require.Equal(t, "ord-9", response.OrderID)
	require.Equal(t, StatusCanceled, response.LifecycleStatus)
	require.Equal(t, "canceled", response.RawStatus)
}

func TestPortfolioBalanceAliases(t *testing.T) {
	nested, err := PortfolioBalanceFromExchange(map[string]any{
		"balance": map[string]any{"cash": float64(1000), "available": float64(750)},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1000), nested.CashBalance)
	require.Equal(t, int64(750), nested.AvailableBalance)

	flat, err := PortfolioBalanceFromExchange(map[string]any{
		"cash_balance":      float64(500),
		"available_balance": float64(400),
	})
	require.NoError(t, err)
	require.Equal(t, int64(500), flat.CashBalance)
	require.Equal(t, int64(400), flat.AvailableBalance)

	_, err = PortfolioBalanceFromExchange(map[string]any{"cash": float64(10)})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}
