package trading

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/pulsetrader/pkg/connector/kalshi"
	"github.com/Mindburn-Labs/pulsetrader/pkg/timeutil"
)

// BotController is the opaque strategy controller injected by the host.
type BotController interface {
	Apply(action string) string
}

// InMemoryBotController is the default controller: a status latch with the
// start/stop/pause/resume vocabulary.
type InMemoryBotController struct {
	mu     sync.Mutex
	status string
}

// NewInMemoryBotController starts in the stopped state.
func NewInMemoryBotController() *InMemoryBotController {
	return &InMemoryBotController{status: "stopped"}
}

// Apply transitions the latch and returns the resulting status.
func (c *InMemoryBotController) Apply(action string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch action {
	case "start", "resume":
		c.status = "running"
	case "stop":
		c.status = "stopped"
	case "pause":
		c.status = "paused"
	}
	return c.status
}

// ExecutionClient is the connector surface the service needs.
type ExecutionClient interface {
	kalshi.OrderExecutionClient
	GetBalance(ctx context.Context) (kalshi.PortfolioBalance, error)
}

// ReadinessChecker gates order execution on boot reconciliation.
type ReadinessChecker interface {
	AssertReady() error
}

// Service mediates API requests between the route adapter and the
// connector/controller.
type Service struct {
	client    ExecutionClient
	bot       BotController
	readiness ReadinessChecker
	logger    *slog.Logger
}

// NewService builds the service boundary. bot nil falls back to the
// in-memory controller; readiness nil disables the execution gate.
func NewService(client ExecutionClient, bot BotController, readiness ReadinessChecker) *Service {
	if bot == nil {
		bot = NewInMemoryBotController()
	}
	return &Service{
		client:    client,
		bot:       bot,
		readiness: readiness,
		logger:    slog.Default().With("component", "trading.service"),
	}
}

// PlaceOrder decomposes the UI side into (action, polarity), routes the
// price to yes_price or no_price, and returns a stable OrderView.
func (s *Service) PlaceOrder(ctx context.Context, req *PlaceOrderRequestV1) (OrderView, error) {
	if s.readiness != nil {
		if err := s.readiness.AssertReady(); err != nil {
			return OrderView{}, err
		}
	}

	action := "sell"
	if strings.HasPrefix(req.Side, "buy_") {
		action = "buy"
	}
	polarity := "no"
	if strings.HasSuffix(req.Side, "_yes") {
		polarity = "yes"
	}

	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}
	order := &kalshi.PlaceOrderRequest{
		MarketID:      req.MarketID,
		Side:          kalshi.OrderSide(polarity),
		Action:        kalshi.OrderAction(action),
		Count:         req.Quantity,
		ClientOrderID: clientOrderID,
		// Resubmitting the same client order must not double-fill.
		IdempotencyKey: clientOrderID,
	}
	price := req.Price
	if polarity == "yes" {
		order.YesPrice = &price
	} else {
		order.NoPrice = &price
	}

	response, err := s.client.PlaceOrder(ctx, order)
	if err != nil {
		return OrderView{}, err
	}
	s.logger.Info("order placed",
		"order_id", response.Order.OrderID,
		"market_id", response.Order.MarketID,
		"side", req.Side,
		"status", response.Order.LifecycleStatus)
	return OrderView{
		OrderID:        response.Order.OrderID,
		MarketID:       response.Order.MarketID,
		Status:         string(response.Order.LifecycleStatus),
		Side:           req.Side,
		Price:          req.Price,
		Quantity:       response.Order.Quantity,
		FilledQuantity: response.Order.FilledQuantity,
		UpdatedAt:      timeutil.NowISO(),
	}, nil
}

// CancelOrder cancels an order and reports its normalized status.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (map[string]string, error) {
	response, err := s.client.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("order canceled", "order_id", response.OrderID, "status", response.LifecycleStatus)
	return map[string]string{
		"order_id": response.OrderID,
		"status":   string(response.LifecycleStatus),
	}, nil
}

// GetBalance fetches the portfolio balance snapshot.
func (s *Service) GetBalance(ctx context.Context) (kalshi.PortfolioBalance, error) {
	return s.client.GetBalance(ctx)
}

// ControlBot delegates to the injected controller.
func (s *Service) ControlBot(action string) string {
	status := s.bot.Apply(action)
	s.logger.Info("bot control applied", "action", action, "status", status)
	return status
}
