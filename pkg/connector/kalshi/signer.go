package kalshi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

const (
	headerAccessKey       = "KALSHI-ACCESS-KEY"
	headerAccessTimestamp = "KALSHI-ACCESS-TIMESTAMP"
	headerAccessSignature = "KALSHI-ACCESS-SIGNATURE"
)

// AuthSigner builds signed Kalshi headers for HTTP and websocket requests.
// Signatures are stateless: HMAC-SHA256 over timestamp||METHOD||path||body
// keyed by the API secret. The secret is held as process-private bytes and
// never logged.
type AuthSigner struct {
	apiKeyID string
	secret   []byte
	now      func() time.Time
}

// NewAuthSigner creates a signer for the given credential.
func NewAuthSigner(apiKeyID, apiKeySecret string) *AuthSigner {
	return &AuthSigner{
		apiKeyID: apiKeyID,
		secret:   []byte(apiKeySecret),
		now:      time.Now,
	}
}

// SignedHeaders returns the three auth headers for a request. path is the
// canonical request path (leading slash, no query); body is the exact JSON
// string sent, or empty.
func (s *AuthSigner) SignedHeaders(method, path, body string) map[string]string {
	timestampMs := strconv.FormatInt(s.now().UnixMilli(), 10)
	payload := timestampMs + strings.ToUpper(method) + path + body

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		headerAccessKey:       s.apiKeyID,
		headerAccessTimestamp: timestampMs,
		headerAccessSignature: signature,
	}
}
