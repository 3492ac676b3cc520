package trading

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/pulsetrader/pkg/timeutil"
)

// ContractVersionV1 tags every v1 response envelope.
const ContractVersionV1 = "1.0.0"

var validUISides = map[string]bool{
	"buy_yes": true, "sell_yes": true, "buy_no": true, "sell_no": true,
}

var validBotActions = map[string]bool{
	"start": true, "stop": true, "pause": true, "resume": true,
}

// PlaceOrderRequestV1 is the UI order submission contract.
type PlaceOrderRequestV1 struct {
	AccountID     string `json:"account_id"`
	MarketID      string `json:"market_id"`
	Side          string `json:"side"`
	Price         int    `json:"price"`
	Quantity      int    `json:"quantity"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// Validate enforces the v1 contract.
func (r *PlaceOrderRequestV1) Validate() error {
	if r.AccountID == "" {
		return contractErrorf("account_id is required")
	}
	if r.MarketID == "" {
		return contractErrorf("market_id is required")
	}
	if !validUISides[r.Side] {
		return contractErrorf("side must be one of: buy_yes, sell_yes, buy_no, sell_no")
	}
	if r.Price < 1 || r.Price > 99 {
		return contractErrorf("price must be in [1, 99]")
	}
	if r.Quantity <= 0 {
		return contractErrorf("quantity must be positive")
	}
	return nil
}

// CancelOrderRequestV1 is the UI cancel contract.
type CancelOrderRequestV1 struct {
	OrderID string `json:"order_id"`
}

// Validate enforces the v1 contract.
func (r *CancelOrderRequestV1) Validate() error {
	if r.OrderID == "" {
		return contractErrorf("order_id is required")
	}
	return nil
}

// BotControlRequestV1 is the UI bot-control contract.
type BotControlRequestV1 struct {
	Action string `json:"action"`
}

// Validate normalizes and enforces the action vocabulary.
func (r *BotControlRequestV1) Validate() error {
	r.Action = strings.ToLower(r.Action)
	if r.Action == "" {
		return contractErrorf("action is required")
	}
	if !validBotActions[r.Action] {
		return contractErrorf("unsupported bot action")
	}
	return nil
}

// BalanceResponseV1 is the balance payload returned to the UI.
type BalanceResponseV1 struct {
	ContractVersion  string `json:"contract_version"`
	CashBalance      int    `json:"cash_balance"`
	AvailableBalance int    `json:"available_balance"`
}

// BotControlResponseV1 reports the controller status after an action.
type BotControlResponseV1 struct {
	ContractVersion string `json:"contract_version"`
	Status          string `json:"status"`
	Action          string `json:"action"`
	UpdatedAt       string `json:"updated_at"`
}

// NewBotControlResponseV1 stamps the response with the current time.
func NewBotControlResponseV1(status, action string) BotControlResponseV1 {
	return BotControlResponseV1{
		ContractVersion: ContractVersionV1,
		Status:          status,
		Action:          action,
		UpdatedAt:       timeutil.NowISO(),
	}
}

// EnvelopeV1 wraps successful response data with the contract version.
func EnvelopeV1(data map[string]any) map[string]any {
	return map[string]any{
		"contract_version": ContractVersionV1,
		"data":             data,
	}
}

// OrderView is the stable order shape returned by the service boundary.
type OrderView struct {
	OrderID        string `json:"order_id"`
	MarketID       string `json:"market_id"`
	Status         string `json:"status"`
	Side           string `json:"side"`
	Price          int    `json:"price"`
	Quantity       int    `json:"quantity"`
	FilledQuantity int    `json:"filled_quantity"`
	UpdatedAt      string `json:"updated_at"`
}

// AsMapping renders the view for the response envelope.
func (v OrderView) AsMapping() map[string]any {
	return map[string]any{
		"order_id":        v.OrderID,
		"market_id":       v.MarketID,
		"status":          v.Status,
		"side":            v.Side,
		"price":           v.Price,
		"quantity":        v.Quantity,
		"filled_quantity": v.FilledQuantity,
		"updated_at":      v.UpdatedAt,
	}
}

func (v OrderView) String() string {
	return fmt.Sprintf("order %s on %s (%s, %s)", v.OrderID, v.MarketID, v.Side, v.Status)
}
