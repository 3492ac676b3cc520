package canonicaljson

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysCompact(t *testing.T) {
	out, err := Marshal(map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": false}})
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2,"c":{"y":false,"z":true}}`, string(out))
}

func TestMarshalStringMatchesMarshal(t *testing.T) {
	payload := map[string]any{"x": []any{1, 2, 3}}
	b, err := Marshal(payload)
	require.NoError(t, err)
	s, err := MarshalString(payload)
	require.NoError(t, err)
	require.Equal(t, string(b), s)
}

func TestMarshalWithHash(t *testing.T) {
	payloadJSON, payloadSHA, err := MarshalWithHash(map[string]any{"x": 1})
	require.NoError(t, err)
	require.Equal(t, `{"x":1}`, string(payloadJSON))
	require.Len(t, payloadSHA, 64)
	require.Equal(t, HashBytes([]byte(payloadJSON)), payloadSHA)
}

func TestCanonicalRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("canonical(parse(canonical(x))) == canonical(x)", prop.ForAll(
		func(m map[string]int64) bool {
			payload := map[string]any{}
			for k, v := range m {
				payload[k] = v
			}
			first, err := Marshal(payload)
			if err != nil {
				return false
			}
			var parsed map[string]any
			if err := json.Unmarshal(first, &parsed); err != nil {
				return false
			}
			second, err := Marshal(parsed)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.MapOf(gen.AlphaString(), gen.Int64()),
	))
	properties.TestingRun(t)
}
