package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPayload_DropsDeniedKeysRecursively(t *testing.T) {
	in := map[string]interface{}{
		"prompt": "secret",
		"x":      1,
		"nested": map[string]interface{}{
			"token": "abc",
			"y":     2,
		},
	}
	out, c := Payload(in, MaxStrLenGraph)

	_, hasPrompt := out["prompt"]
	require.False(t, hasPrompt)
	require.Equal(t, 1, out["x"])

	nested := out["nested"].(map[string]interface{})
	_, hasToken := nested["token"]
	require.False(t, hasToken)
	require.Equal(t, 2, nested["y"])

	require.Equal(t, uint64(2), c.DeniedKeyDropped)
}

func TestPayload_StringExactlyAtCapStoredVerbatim(t *testing.T) {
	s := strings.Repeat("a", MaxStrLenGraph)
	out, c := Payload(map[string]interface{}{"v": s}, MaxStrLenGraph)
	require.Equal(t, s, out["v"])
	require.Equal(t, uint64(0), c.StringHashed)
}

func TestPayload_StringOneOverCapIsHashed(t *testing.T) {
	s := strings.Repeat("a", MaxStrLenGraph+1)
	out, c := Payload(map[string]interface{}{"v": s}, MaxStrLenGraph)
	r, ok := out["v"].(Redacted)
	require.True(t, ok)
	require.True(t, r.Redacted)
	require.Equal(t, MaxStrLenGraph+1, r.Len)
	require.Equal(t, uint64(1), c.StringHashed)
}

func TestPayload_NeverLeaksOriginalStringInHashedOutput(t *testing.T) {
	secret := "super-secret-value-that-is-quite-long-" + strings.Repeat("x", MaxStrLenGraph)
	out, _ := Payload(map[string]interface{}{"v": secret}, MaxStrLenGraph)
	r := out["v"].(Redacted)
	require.NotContains(t, r.Hash, secret)
}

func TestPayload_NumericBooleanUntouched(t *testing.T) {
	out, c := Payload(map[string]interface{}{"n": 42, "b": true}, MaxStrLenGraph)
	require.Equal(t, 42, out["n"])
	require.Equal(t, true, out["b"])
	require.Equal(t, uint64(0), c.DeniedKeyDropped)
}
