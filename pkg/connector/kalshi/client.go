// Package kalshi implements the exchange connector: signed HTTP execution,
// the market-data stream state machine, and message normalization.
package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/pulsetrader/pkg/canonicaljson"
	"github.com/Mindburn-Labs/pulsetrader/pkg/config"
	"github.com/Mindburn-Labs/pulsetrader/pkg/ratelimit"
)

// Client is the concrete connector. It satisfies MarketDataStream,
// OrderExecutionClient, and AccountReadClient.
type Client struct {
	cfg       config.KalshiConfig
	signer    *AuthSigner
	httpc     *http.Client
	limiter   *ratelimit.SharedLimiter
	publisher EventPublisher
	logger    *slog.Logger

	// test seams
	sleepFn func(time.Duration)
	now     func() time.Time
}

// NewClient builds a connector client. publisher may be nil when the caller
// does not consume normalized market-data events.
func NewClient(cfg config.KalshiConfig, signer *AuthSigner, limiter *ratelimit.SharedLimiter, publisher EventPublisher) *Client {
	return &Client{
		cfg:       cfg,
		signer:    signer,
		httpc:     &http.Client{Timeout: cfg.Timeout},
		limiter:   limiter,
		publisher: publisher,
		logger:    slog.Default().With("component", "kalshi"),
		sleepFn:   time.Sleep,
		now:       time.Now,
	}
}

// CloseIdleConnections releases pooled transport connections at shutdown.
func (c *Client) CloseIdleConnections() {
	c.httpc.CloseIdleConnections()
}

var (
	_ MarketDataStream     = (*Client)(nil)
	_ OrderExecutionClient = (*Client)(nil)
	_ AccountReadClient    = (*Client)(nil)
)

// request runs the full pipeline: sign, rate-limit, send, retry on
// transient errors, parse, map failures to the taxonomy.
func (c *Client) request(ctx context.Context, method, path string, payload map[string]any, extraHeaders map[string]string) (map[string]any, error) {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return nil, MapError(fmt.Errorf("join url: %w", err))
	}

	body := ""
	if payload != nil {
		b, err := canonicaljson.Marshal(payload)
		if err != nil {
			return nil, MapError(err)
		}
		body = string(b)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range c.signer.SignedHeaders(method, path, body) {
		headers[k] = v
	}
	for k, v := range extraHeaders {
		headers[k] = v
	}

	bucket := ratelimit.BucketWrite
	if strings.ToUpper(method) == http.MethodGet {
		bucket = ratelimit.BucketRead
	}
	operation := fmt.Sprintf("rest:%s:%s", strings.ToUpper(method), path)

	attempts := 0
	for {
		attempts++
		result, err := c.issueOnce(ctx, method, endpoint, body, headers, bucket, operation)
		if err == nil {
			return result, nil
		}

		mapped := MapError(err)
		retryable := mapped.Code == ErrNetwork || mapped.Code == ErrTimeout || mapped.Code == ErrRateLimited
		if attempts >= c.cfg.Retry.MaxAttempts || !retryable {
			return nil, mapped
		}
		c.logger.Warn("retrying exchange request",
			"method", method, "path", path, "attempt", attempts, "code", mapped.Code)
		c.sleepFn(c.cfg.Retry.BackoffSeconds * time.Duration(attempts))
	}
}

func (c *Client) issueOnce(ctx context.Context, method, endpoint, body string, headers map[string]string, bucket ratelimit.Bucket, operation string) (map[string]any, error) {
	if err := c.limiter.AcquireContext(ctx, bucket, operation); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &httpStatusError{statusCode: resp.StatusCode, body: string(raw)}
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid exchange response body: %v", err)}
	}
	return parsed, nil
}

// PlaceOrder validates the request DTO and submits it, adding the
// Idempotency-Key header when the DTO supplies one.
func (c *Client) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (PlaceOrderResponse, error) {
	if err := req.Validate(); err != nil {
		return PlaceOrderResponse{}, MapError(err)
	}
	var extra map[string]string
	if req.IdempotencyKey != "" {
		extra = map[string]string{"Idempotency-Key": req.IdempotencyKey}
	}
	response, err := c.request(ctx, http.MethodPost, "/portfolio/orders", req.ExchangePayload(), extra)
	if err != nil {
		return PlaceOrderResponse{}, err
	}
	parsed, err := PlaceOrderResponseFromExchange(response)
	if err != nil {
		return PlaceOrderResponse{}, MapError(err)
	}
	return parsed, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (CancelOrderResponse, error) {
	response, err := c.request(ctx, http.MethodDelete, "/portfolio/orders/"+orderID, nil, nil)
	if err != nil {
		return CancelOrderResponse{}, err
	}
	parsed, err := CancelOrderResponseFromExchange(response, orderID)
	if err != nil {
		return CancelOrderResponse{}, MapError(err)
	}
	return parsed, nil
}

// GetOrder fetches one order, accepting nested or flat response shapes.
func (c *Client) GetOrder(ctx context.Context, orderID string) (OrderDetails, error) {
	response, err := c.request(ctx, http.MethodGet, "/portfolio/orders/"+orderID, nil, nil)
	if err != nil {
		return OrderDetails{}, err
	}
	orderPayload := response
	if nested, ok := response["order"].(map[string]any); ok {
		orderPayload = nested
	}
	details, err := OrderDetailsFromExchange(orderPayload)
	if err != nil {
		return OrderDetails{}, MapError(err)
	}
	return details, nil
}

// GetBalance fetches the portfolio balance snapshot.
func (c *Client) GetBalance(ctx context.Context) (PortfolioBalance, error) {
	response, err := c.request(ctx, http.MethodGet, "/portfolio/balance", nil, nil)
	if err != nil {
		return PortfolioBalance{}, err
	}
	balance, err := PortfolioBalanceFromExchange(response)
	if err != nil {
		return PortfolioBalance{}, MapError(err)
	}
	return balance, nil
}

// GetPositions passes the positions snapshot through as a mapping; the
// rehydrator parses it.
func (c *Client) GetPositions(ctx context.Context) (map[string]any, error) {
	return c.request(ctx, http.MethodGet, "/portfolio/positions", nil, nil)
}

// GetOpenOrders passes the open-orders snapshot through as a mapping.
func (c *Client) GetOpenOrders(ctx context.Context) (map[string]any, error) {
	return c.request(ctx, http.MethodGet, "/portfolio/orders", nil, nil)
}
