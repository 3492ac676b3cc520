package trading

import (
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// AuthNonceGuard enforces the local trust model: a shared token plus a
// strictly increasing per-token nonce to reject replays. A token-bucket
// limiter caps local request bursts independently of the exchange limiter.
type AuthNonceGuard struct {
	mu            sync.Mutex
	expectedToken string
	lastNonce     map[string]int64
	limiter       *rate.Limiter
}

// NewAuthNonceGuard builds a guard. localRPS <= 0 disables the local
// burst limiter.
func NewAuthNonceGuard(expectedToken string, localRPS float64) *AuthNonceGuard {
	var limiter *rate.Limiter
	if localRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(localRPS), int(localRPS)+1)
	}
	return &AuthNonceGuard{
		expectedToken: expectedToken,
		lastNonce:     map[string]int64{},
		limiter:       limiter,
	}
}

// Validate checks token, nonce monotonicity, and the local burst budget.
func (g *AuthNonceGuard) Validate(headers http.Header) error {
	token := headers.Get("x-pt-auth-token")
	if token != g.expectedToken {
		return NewAPIError("auth", map[string]any{"reason": "invalid_token"})
	}

	rawNonce := headers.Get("x-pt-nonce")
	if rawNonce == "" {
		return NewAPIError("auth", map[string]any{"reason": "missing_nonce"})
	}
	nonce, err := strconv.ParseInt(rawNonce, 10, 64)
	if err != nil {
		return NewAPIError("auth", map[string]any{"reason": "invalid_nonce"})
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if previous, ok := g.lastNonce[token]; ok && nonce <= previous {
		return NewAPIError("auth", map[string]any{"reason": "replayed_nonce"})
	}
	g.lastNonce[token] = nonce

	if g.limiter != nil && !g.limiter.Allow() {
		return NewAPIError("rate_limit", map[string]any{"reason": "local_burst_exceeded"})
	}
	return nil
}
