package config

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeJSONCRemovesCommentsAndTrailingCommas(t *testing.T) {
	input := `
{
  // line comment
  "items": [
    "one", /* block comment */
    "two",
  ],
  "nested": {
    "enabled": true,
  },
}
`

	normalized, err := normalizeJSONC(input)
	require.NoError(t, err)
	require.NotContains(t, normalized, "//")
	require.NotContains(t, normalized, "/*")
	require.NotContains(t, normalized, ",]")
	require.NotContains(t, normalized, ",}")
}

func TestNormalizeJSONCRetainsCommentLikeTextInsideStrings(t *testing.T) {
	input := `{"value":"contains // and /* comment-like */ text",}`
	normalized, err := normalizeJSONC(input)
	require.NoError(t, err)
	require.Contains(t, normalized, "// and /* comment-like */")
}

func TestNormalizeJSONCUnterminatedBlockCommentFails(t *testing.T) {
	_, err := normalizeJSONC("{ /* unterminated ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unterminated block comment")
}

func TestEnsureSingleJSONValueRejectsExtraPayload(t *testing.T) {
	decoder := json.NewDecoder(strings.NewReader(`{"one":1}{"two":2}`))
	var payload map[string]any
	require.NoError(t, decoder.Decode(&payload))

	err := ensureSingleJSONValue(decoder)
	require.Error(t, err)
	require.Contains(t, err.Error(), "multiple JSON values")
}

func TestOffsetToLineCol(t *testing.T) {
	content := "line1\nline2\nline3"
	line, col := offsetToLineCol(content, 1)
	require.Equal(t, 1, line)
	require.Equal(t, 1, col)

	line, col = offsetToLineCol(content, 8) // line2, col2
	require.Equal(t, 2, line)
	require.Equal(t, 2, col)

	line, col = offsetToLineCol(content, 999)
	require.Equal(t, 3, line)
	require.Equal(t, 5, col)
}

func TestParseJSONCOverlaysOnlyGivenFields(t *testing.T) {
	cfg, warnings, err := parseJSONC(`{
  // device wiring
  "control": {"addr": " 0.0.0.0:2345 ", "poll_interval_ms": 100},
  "scale": {"backend": " Simulated "},
  "display": {"backend": "log", "popup_duration_ms": 0,},
}`, Default())
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:2345", cfg.Control.Addr)
	require.Equal(t, 100*time.Millisecond, cfg.Control.PollInterval)
	require.Equal(t, time.Second, cfg.Control.WriteTimeout)
	require.Equal(t, ScaleBackendSimulated, cfg.Scale.Backend)
	require.Equal(t, DisplayBackendLog, cfg.Display.Backend)
	require.Zero(t, cfg.Display.PopupDuration)
	require.Equal(t, Default().Audio, cfg.Audio)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0].Message, "simulated")
}

func TestParseJSONCEmptyHealthAddrWarns(t *testing.T) {
	cfg, warnings, err := parseJSONC(`{"health": {"addr": ""}}`, Default())
	require.NoError(t, err)
	require.Empty(t, cfg.Health.Addr)
	require.NotEmpty(t, warnings)
	require.Contains(t, warnings[0].Message, "disabled")
}

func TestParseJSONCRejectsUnknownField(t *testing.T) {
	_, _, err := parseJSONC(`{"scale": {"gain": 2}}`, Default())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown field")
}

func TestParseJSONCRejectsMultipleTopLevelValues(t *testing.T) {
	_, _, err := parseJSONC(`{"health":{"addr":":1"}}{"health":{"addr":":2"}}`, Default())
	require.Error(t, err)
	require.Contains(t, err.Error(), "multiple JSON values")
}

func TestParseJSONCTypeErrorIncludesLocation(t *testing.T) {
	_, _, err := parseJSONC(`{
  "control": {"addr": 123}
}`, Default())
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 2")
	require.Contains(t, err.Error(), "column")
}
