package kalshi

import "context"

// The connector exposes three independently injectable capabilities. The
// concrete Client satisfies all three; the composition root wires each
// consumer against the narrowest interface it needs.

// MarketDataStream opens the control-envelope session for the market-data
// websocket. The returned session is driven by a transport adapter.
type MarketDataStream interface {
	StreamMarketData(ctx context.Context, channels []string) *StreamSession
}

// OrderExecutionClient places and manages orders.
type OrderExecutionClient interface {
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (PlaceOrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) (CancelOrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (OrderDetails, error)
}

// AccountReadClient reads account state snapshots.
type AccountReadClient interface {
	GetBalance(ctx context.Context) (PortfolioBalance, error)
	GetPositions(ctx context.Context) (map[string]any, error)
	GetOpenOrders(ctx context.Context) (map[string]any, error)
}

// EventPublisher receives canonical event envelopes from the normalizer.
type EventPublisher interface {
	Publish(ctx context.Context, event map[string]any) error
}
