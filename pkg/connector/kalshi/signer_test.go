package kalshi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms).UTC() }
}

func TestSignedHeadersDeterministic(t *testing.T) {
	signer := NewAuthSigner("key-id", "super-secret")
	signer.now = fixedClock(1700000000000)

	first := signer.SignedHeaders("post", "/portfolio/orders", `{"count":1}`)
	second := signer.SignedHeaders("POST", "/portfolio/orders", `{"count":1}`)
	require.Equal(t, first, second)

	require.Equal(t, "key-id", first["KALSHI-ACCESS-KEY"])
	require.Equal(t, "1700000000000", first["KALSHI-ACCESS-TIMESTAMP"])

	mac := hmac.New(sha256.New, []byte("super-secret"))
	mac.Write([]byte("1700000000000POST/portfolio/orders" + `{"count":1}`))
	require.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), first["KALSHI-ACCESS-SIGNATURE"])
}

func TestSignedHeadersVaryByInput(t *testing.T) {
	signer := NewAuthSigner("key-id", "super-secret")
	signer.now = fixedClock(1700000000000)

	base := signer.SignedHeaders("GET", "/portfolio/balance", "")
	otherPath := signer.SignedHeaders("GET", "/portfolio/positions", "")
	otherBody := signer.SignedHeaders("GET", "/portfolio/balance", "{}")

	require.NotEqual(t, base["KALSHI-ACCESS-SIGNATURE"], otherPath["KALSHI-ACCESS-SIGNATURE"])
	require.NotEqual(t, base["KALSHI-ACCESS-SIGNATURE"], otherBody["KALSHI-ACCESS-SIGNATURE"])
}
