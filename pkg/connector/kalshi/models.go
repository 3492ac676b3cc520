package kalshi

import (
	"fmt"
	"strconv"
	"strings"
)

// OrderSide is the contract polarity on the exchange.
type OrderSide string

const (
	SideYes OrderSide = "yes"
	SideNo  OrderSide = "no"
)

// OrderAction is the trade direction.
type OrderAction string

const (
	ActionBuy  OrderAction = "buy"
	ActionSell OrderAction = "sell"
)

// OrderType distinguishes limit and market orders.
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// LifecycleStatus is the normalized per-order state.
type LifecycleStatus string

const (
	StatusPending         LifecycleStatus = "pending"
	StatusOpen            LifecycleStatus = "open"
	StatusPartiallyFilled LifecycleStatus = "partially_filled"
	StatusFilled          LifecycleStatus = "filled"
	StatusCanceled        LifecycleStatus = "canceled"
	StatusRejected        LifecycleStatus = "rejected"
	StatusExpired         LifecycleStatus = "expired"
	StatusUnknown         LifecycleStatus = "unknown"
)

var statusMap = map[string]LifecycleStatus{
	"pending":          StatusPending,
	"queued":           StatusPending,
	"resting":          StatusOpen,
	"open":             StatusOpen,
	"active":           StatusOpen,
	"partially_filled": StatusPartiallyFilled,
	"partial_fill":     StatusPartiallyFilled,
	"filled":           StatusFilled,
	"executed":         StatusFilled,
	"canceled":         StatusCanceled,
	"cancelled":        StatusCanceled,
	"void":             StatusCanceled,
	"rejected":         StatusRejected,
	"declined":         StatusRejected,
	"expired":          StatusExpired,
}

// NormalizeExchangeStatus maps raw exchange status strings to lifecycle
// states. Unknown strings map to StatusUnknown; callers keep the raw value.
func NormalizeExchangeStatus(status string) LifecycleStatus {
	if s, ok := statusMap[strings.ToLower(strings.TrimSpace(status))]; ok {
		return s
	}
	return StatusUnknown
}

// PlaceOrderRequest is the validated order submission DTO.
type PlaceOrderRequest struct {
	MarketID       string
	Side           OrderSide
	Action         OrderAction
	Count          int
	OrderType      OrderType
	YesPrice       *int
	NoPrice        *int
	ClientOrderID  string
	IdempotencyKey string
}

// Validate enforces the exchange order contract.
func (r *PlaceOrderRequest) Validate() error {
	if r.OrderType == "" {
		r.OrderType = TypeLimit
	}
	if r.MarketID == "" {
		return &ValidationError{Message: "market_id is required"}
	}
	if r.Side != SideYes && r.Side != SideNo {
		return &ValidationError{Message: "side must be yes or no"}
	}
	if r.Action != ActionBuy && r.Action != ActionSell {
		return &ValidationError{Message: "action must be buy or sell"}
	}
	if r.Count <= 0 {
		return &ValidationError{Message: "count must be positive"}
	}
	if r.OrderType != TypeLimit && r.OrderType != TypeMarket {
		return &ValidationError{Message: "type must be limit or market"}
	}
	if r.OrderType == TypeLimit && r.YesPrice == nil && r.NoPrice == nil {
		return &ValidationError{Message: "limit orders require yes_price or no_price"}
	}
	if r.YesPrice != nil && (*r.YesPrice < 1 || *r.YesPrice > 99) {
		return &ValidationError{Message: "yes_price must be in [1, 99]"}
	}
	if r.NoPrice != nil && (*r.NoPrice < 1 || *r.NoPrice > 99) {
		return &ValidationError{Message: "no_price must be in [1, 99]"}
	}
	return nil
}

// ExchangePayload renders the canonical POST body mapping.
func (r *PlaceOrderRequest) ExchangePayload() map[string]any {
	payload := map[string]any{
		"ticker": r.MarketID,
		"side":   string(r.Side),
		"action": string(r.Action),
		"count":  r.Count,
		"type":   string(r.OrderType),
	}
	if r.YesPrice != nil {
		payload["yes_price"] = *r.YesPrice
	}
	if r.NoPrice != nil {
		payload["no_price"] = *r.NoPrice
	}
	if r.ClientOrderID != "" {
		payload["client_order_id"] = r.ClientOrderID
	}
	return payload
}

// OrderDetails is the normalized order view returned by the exchange.
type OrderDetails struct {
	OrderID         string
	MarketID        string
	Side            OrderSide
	Action          OrderAction
	Quantity        int
	FilledQuantity  int
	LifecycleStatus LifecycleStatus
	RawStatus       string
}

// OrderDetailsFromExchange parses an exchange order mapping, accepting the
// documented field aliases.
func OrderDetailsFromExchange(payload map[string]any) (OrderDetails, error) {
	orderID := firstString(payload, "order_id", "id")
	if orderID == "" {
		return OrderDetails{}, &ValidationError{Message: "order response missing order_id"}
	}
	rawStatus := firstString(payload, "status", "order_status")
	quantity, err := firstInt(payload, 0, "count", "quantity")
	if err != nil {
		return OrderDetails{}, err
	}
	filled, err := firstInt(payload, 0, "filled_count", "filled_quantity")
	if err != nil {
		return OrderDetails{}, err
	}
	return OrderDetails{
		OrderID:         orderID,
		MarketID:        firstString(payload, "ticker", "market_id"),
		Side:            OrderSide(strings.ToLower(firstString(payload, "side"))),
		Action:          OrderAction(strings.ToLower(firstString(payload, "action"))),
		Quantity:        quantity,
		FilledQuantity:  filled,
		LifecycleStatus: NormalizeExchangeStatus(rawStatus),
		RawStatus:       rawStatus,
	}, nil
}

// PlaceOrderResponse wraps the order returned by a placement.
type PlaceOrderResponse struct {
	Order OrderDetails
}

// PlaceOrderResponseFromExchange accepts either a nested {"order": {...}}
// mapping or a flat order mapping.
func PlaceOrderResponseFromExchange(payload map[string]any) (PlaceOrderResponse, error) {
	orderPayload := payload
	if nested, ok := payload["order"].(map[string]any); ok {
		orderPayload = nested
	}
	order, err := OrderDetailsFromExchange(orderPayload)
	if err != nil {
		return PlaceOrderResponse{}, err
	}
	return PlaceOrderResponse{Order: order}, nil
}

// CancelOrderResponse is the normalized cancellation result.
type CancelOrderResponse struct {
	OrderID         string
	LifecycleStatus LifecycleStatus
	RawStatus       string
}

// CancelOrderResponseFromExchange parses a cancellation response, falling
// back to the requested order id when the exchange omits one.
func CancelOrderResponseFromExchange(payload map[string]any, fallbackOrderID string) (CancelOrderResponse, error) {
	orderID := firstString(payload, "order_id", "id")
	if orderID == "" {
		orderID = fallbackOrderID
	}
	if orderID == "" {
		return CancelOrderResponse{}, &ValidationError{Message: "cancel response missing order_id"}
	}
	rawStatus := firstString(payload, "status", "order_status")
	if rawStatus == "" {
		rawStatus = "canceled"
	}
	return CancelOrderResponse{
		OrderID:         orderID,
		LifecycleStatus: NormalizeExchangeStatus(rawStatus),
		RawStatus:       rawStatus,
	}, nil
}

// PortfolioBalance is the integer balance snapshot.
type PortfolioBalance struct {
	CashBalance      int64
	AvailableBalance int64
}

// PortfolioBalanceFromExchange accepts flat payloads or a nested balance
// mapping, with cash/cash_balance and available/available_balance aliases.
func PortfolioBalanceFromExchange(payload map[string]any) (PortfolioBalance, error) {
	if nested, ok := payload["balance"].(map[string]any); ok {
		payload = nested
	}
	cash, okCash := firstNumber(payload, "cash", "cash_balance")
	available, okAvail := firstNumber(payload, "available", "available_balance")
	if !okCash || !okAvail {
		return PortfolioBalance{}, &ValidationError{Message: "balance response missing cash/available fields"}
	}
	return PortfolioBalance{CashBalance: cash, AvailableBalance: available}, nil
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := payload[key]; ok && v != nil {
			s := fmt.Sprintf("%v", v)
			if s != "" {
				return s
			}
		}
	}
	return ""
}

func firstInt(payload map[string]any, fallback int, keys ...string) (int, error) {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		n, err := toInt(v)
		if err != nil {
			return 0, &ValidationError{Message: fmt.Sprintf("field %s is not an integer", key)}
		}
		return n, nil
	}
	return fallback, nil
}

func firstNumber(payload map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		n, err := toInt(v)
		if err != nil {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		if s, ok := v.(interface{ String() string }); ok {
			return strconv.Atoi(s.String())
		}
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}
