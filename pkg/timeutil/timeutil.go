// Package timeutil normalizes wall-clock timestamps to the engine's wire
// format: UTC ISO-8601 with millisecond precision and a trailing Z.
package timeutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMissingTimestamp is returned when a required timestamp field is absent.
var ErrMissingTimestamp = errors.New("missing timestamp")

const isoMillis = "2006-01-02T15:04:05.000Z"

// FormatISO renders t as UTC ISO-8601 with millisecond precision.
func FormatISO(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// NowISO returns the current UTC time in wire format.
func NowISO() string {
	return FormatISO(time.Now())
}

// Normalize accepts an ISO-8601 string (Z or offset), an epoch in seconds, or
// an epoch in milliseconds (heuristic: values above 1e12 are milliseconds) and
// returns the canonical wire representation. Normalize is idempotent.
func Normalize(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", ErrMissingTimestamp
	case string:
		t, err := parseISO(v)
		if err != nil {
			return "", err
		}
		return FormatISO(t), nil
	case time.Time:
		return FormatISO(v), nil
	case float64:
		return fromEpoch(v), nil
	case float32:
		return fromEpoch(float64(v)), nil
	case int:
		return fromEpoch(float64(v)), nil
	case int64:
		return fromEpoch(float64(v)), nil
	case json.Number:
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return "", fmt.Errorf("invalid numeric timestamp %q: %w", v.String(), err)
		}
		return fromEpoch(f), nil
	default:
		return "", fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func parseISO(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	// Naive timestamps are taken as UTC.
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q", value)
}

func fromEpoch(v float64) string {
	if v > 1e12 {
		v = v / 1000.0
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return FormatISO(time.Unix(sec, nsec))
}
