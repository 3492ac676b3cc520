// Package canonicaljson provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 digests for ledger payloads. Every payload that
// is hashed or persisted by the engine goes through this package so that
// identical payloads always produce identical bytes.
package canonicaljson

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the canonical JSON encoding of v: lexicographically sorted
// object keys, compact separators, no HTML escaping.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: transform failed: %w", err)
	}
	return canonical, nil
}

// MarshalString is Marshal returning a string.
func MarshalString(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MarshalWithHash returns the canonical JSON string of v together with the
// SHA-256 hex digest of those bytes.
func MarshalWithHash(v any) (payloadJSON string, payloadSHA256 string, err error) {
	b, err := Marshal(v)
	if err != nil {
		return "", "", err
	}
	return string(b), HashBytes(b), nil
}
