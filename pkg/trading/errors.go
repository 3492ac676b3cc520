// Package trading is the local API service boundary: versioned request
// contracts, the auth/nonce guard, side-polarity decomposition, and the
// user-facing error catalog.
package trading

import "fmt"

// CatalogEntry is one user-facing error mapping.
type CatalogEntry struct {
	Code        string
	UserMessage string
}

// ErrorCatalog maps internal error kinds to stable user-facing codes.
var ErrorCatalog = map[string]CatalogEntry{
	"validation": {Code: "PT-INT-001", UserMessage: "Unexpected internal error occurred."},
	"auth":       {Code: "PT-AUTH-001", UserMessage: "API credentials are missing or invalid."},
	"rate_limit": {Code: "PT-HTTP-429", UserMessage: "Too many requests sent. Retrying automatically."},
	"network":    {Code: "PT-NET-001", UserMessage: "Cannot reach exchange services right now."},
	"internal":   {Code: "PT-INT-001", UserMessage: "Unexpected internal error occurred."},
}

// APIError is a catalog-kinded error with structured details.
type APIError struct {
	Kind    string
	Details map[string]any
}

func (e *APIError) Error() string { return e.Kind }

// NewAPIError builds an APIError with optional details.
func NewAPIError(kind string, details map[string]any) *APIError {
	if details == nil {
		details = map[string]any{}
	}
	return &APIError{Kind: kind, Details: details}
}

// Payload renders the error envelope sent to the UI. Unknown kinds fall
// back to the internal entry.
func (e *APIError) Payload() map[string]any {
	entry, ok := ErrorCatalog[e.Kind]
	if !ok {
		entry = ErrorCatalog["internal"]
	}
	return map[string]any{
		"error": map[string]any{
			"code":    entry.Code,
			"message": entry.UserMessage,
			"details": e.Details,
		},
	}
}

// ContractValidationError rejects payloads that violate the v1 contract.
type ContractValidationError struct{ Message string }

func (e *ContractValidationError) Error() string { return e.Message }

func contractErrorf(format string, args ...any) error {
	return &ContractValidationError{Message: fmt.Sprintf(format, args...)}
}
