package trading

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func authHeaders(token string, nonce int64) http.Header {
	h := http.Header{}
	h.Set("x-pt-auth-token", token)
	h.Set("x-pt-nonce", strconv.FormatInt(nonce, 10))
	return h
}

func requireAuthReason(t *testing.T, err error, kind, reason string) {
	t.Helper()
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, kind, apiErr.Kind)
	require.Equal(t, reason, apiErr.Details["reason"])
}

func TestGuardAcceptsIncreasingNonces(t *testing.T) {
	guard := NewAuthNonceGuard("local-secret", 0)
	require.NoError(t, guard.Validate(authHeaders("local-secret", 1)))
	require.NoError(t, guard.Validate(authHeaders("local-secret", 2)))
	require.NoError(t, guard.Validate(authHeaders("local-secret", 100)))
}

func TestGuardRejectsWrongToken(t *testing.T) {
	guard := NewAuthNonceGuard("local-secret", 0)
	err := guard.Validate(authHeaders("wrong", 1))
	requireAuthReason(t, err, "auth", "invalid_token")
}

func TestGuardRejectsMissingNonce(t *testing.T) {
	guard := NewAuthNonceGuard("local-secret", 0)
	h := http.Header{}
	h.Set("x-pt-auth-token", "local-secret")
	requireAuthReason(t, guard.Validate(h), "auth", "missing_nonce")
}

func TestGuardRejectsNonNumericNonce(t *testing.T) {
	guard := NewAuthNonceGuard("local-secret", 0)
	h := http.Header{}
	h.Set("x-pt-auth-token", "local-secret")
	h.Set("x-pt-nonce", "not-a-number")
	requireAuthReason(t, guard.Validate(h), "auth", "invalid_nonce")
}

func TestGuardRejectsReplayedNonce(t *testing.T) {
	guard := NewAuthNonceGuard("local-secret", 0)
	require.NoError(t, guard.Validate(authHeaders("local-secret", 5)))
	requireAuthReason(t, guard.Validate(authHeaders("local-secret", 5)), "auth", "replayed_nonce")
	requireAuthReason(t, guard.Validate(authHeaders("local-secret", 3)), "auth", "replayed_nonce")
	require.NoError(t, guard.Validate(authHeaders("local-secret", 6)))
}

func TestGuardLocalBurstLimit(t *testing.T) {
	guard := NewAuthNonceGuard("local-secret", 1)

	// Burst capacity is rps+1; the next request in the same instant is
	// rejected with the rate_limit kind.
	require.NoError(t, guard.Validate(authHeaders("local-secret", 1)))
	require.NoError(t, guard.Validate(authHeaders("local-secret", 2)))
	requireAuthReason(t, guard.Validate(authHeaders("local-secret", 3)), "rate_limit", "local_burst_exceeded")
}
