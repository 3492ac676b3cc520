package trading

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/pulsetrader/pkg/connector/kalshi"
	"github.com/Mindburn-Labs/pulsetrader/pkg/state"
)

// HealthReporter supplies the readiness snapshot for /health.
type HealthReporter interface {
	Snapshot() map[string]any
}

// Router adapts HTTP requests to the service boundary. All responses carry
// the v1 envelope; failures carry the catalog error payload.
type Router struct {
	service *Service
	guard   *AuthNonceGuard
	health  HealthReporter
	logger  *slog.Logger
}

// NewRouter builds the route layer. health may be nil.
func NewRouter(service *Service, guard *AuthNonceGuard, health HealthReporter) *Router {
	return &Router{
		service: service,
		guard:   guard,
		health:  health,
		logger:  slog.Default().With("component", "trading.router"),
	}
}

// Mount registers all v1 routes on mux.
func (rt *Router) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/orders", rt.handlePlaceOrder)
	mux.HandleFunc("POST /v1/orders/cancel", rt.handleCancelOrder)
	mux.HandleFunc("GET /v1/balance", rt.handleGetBalance)
	mux.HandleFunc("POST /v1/bot/control", rt.handleBotControl)
	mux.HandleFunc("GET /v1/health", rt.handleHealth)
}

func (rt *Router) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	if err := rt.guard.Validate(r.Header); err != nil {
		rt.writeError(w, err)
		return
	}
	var req PlaceOrderRequestV1
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.writeError(w, contractErrorf("invalid request body: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		rt.writeError(w, err)
		return
	}
	order, err := rt.service.PlaceOrder(r.Context(), &req)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	rt.writeJSON(w, http.StatusCreated, EnvelopeV1(map[string]any{"order": order.AsMapping()}))
}

func (rt *Router) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := rt.guard.Validate(r.Header); err != nil {
		rt.writeError(w, err)
		return
	}
	var req CancelOrderRequestV1
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.writeError(w, contractErrorf("invalid request body: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		rt.writeError(w, err)
		return
	}
	result, err := rt.service.CancelOrder(r.Context(), req.OrderID)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, EnvelopeV1(map[string]any{"cancel": result}))
}

func (rt *Router) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	if err := rt.guard.Validate(r.Header); err != nil {
		rt.writeError(w, err)
		return
	}
	balance, err := rt.service.GetBalance(r.Context())
	if err != nil {
		rt.writeError(w, err)
		return
	}
	response := BalanceResponseV1{
		ContractVersion:  ContractVersionV1,
		CashBalance:      int(balance.CashBalance),
		AvailableBalance: int(balance.AvailableBalance),
	}
	rt.writeJSON(w, http.StatusOK, EnvelopeV1(map[string]any{
		"contract_version":  response.ContractVersion,
		"cash_balance":      response.CashBalance,
		"available_balance": response.AvailableBalance,
	}))
}

func (rt *Router) handleBotControl(w http.ResponseWriter, r *http.Request) {
	if err := rt.guard.Validate(r.Header); err != nil {
		rt.writeError(w, err)
		return
	}
	var req BotControlRequestV1
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.writeError(w, contractErrorf("invalid request body: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		rt.writeError(w, err)
		return
	}
	status := rt.service.ControlBot(req.Action)
	response := NewBotControlResponseV1(status, req.Action)
	rt.writeJSON(w, http.StatusOK, EnvelopeV1(map[string]any{
		"contract_version": response.ContractVersion,
		"status":           response.Status,
		"action":           response.Action,
		"updated_at":       response.UpdatedAt,
	}))
}

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snapshot := map[string]any{"status": "ok"}
	if rt.health != nil {
		snapshot["readiness"] = rt.health.Snapshot()
	}
	rt.writeJSON(w, http.StatusOK, EnvelopeV1(snapshot))
}

// writeError classifies the failure: contract violations are 400, auth
// catalog errors 401 (or 429 for the local limiter), connector errors by
// taxonomy code, everything else 500 internal.
func (rt *Router) writeError(w http.ResponseWriter, err error) {
	var contractErr *ContractValidationError
	if errors.As(err, &contractErr) {
		rt.writeJSON(w, http.StatusBadRequest,
			NewAPIError("validation", map[string]any{"reason": contractErr.Message}).Payload())
		return
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		status := http.StatusUnauthorized
		if apiErr.Kind == "rate_limit" {
			status = http.StatusTooManyRequests
		}
		rt.writeJSON(w, status, apiErr.Payload())
		return
	}

	var rehydrationErr *state.RehydrationError
	if errors.As(err, &rehydrationErr) {
		rt.writeJSON(w, http.StatusServiceUnavailable,
			NewAPIError("internal", map[string]any{"reason": rehydrationErr.Message}).Payload())
		return
	}

	connectorErr := kalshi.MapError(err)
	status, kind := http.StatusInternalServerError, "internal"
	switch connectorErr.Code {
	case kalshi.ErrRateLimited:
		status, kind = http.StatusTooManyRequests, "rate_limit"
	case kalshi.ErrNetwork, kalshi.ErrTimeout:
		status, kind = http.StatusServiceUnavailable, "network"
	case kalshi.ErrAuthenticationFailed, kalshi.ErrAuthorizationFailed:
		status, kind = http.StatusUnauthorized, "auth"
	case kalshi.ErrBadRequest:
		status, kind = http.StatusBadRequest, "validation"
	}
	rt.logger.Warn("request failed", "kind", kind, "code", connectorErr.Code, "error", connectorErr.Message)
	rt.writeJSON(w, status, NewAPIError(kind, map[string]any{"reason": connectorErr.Error()}).Payload())
}

func (rt *Router) writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		rt.logger.Error("response encode failed", "error", err)
	}
}
