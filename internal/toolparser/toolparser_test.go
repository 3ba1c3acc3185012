package toolparser

import (
	"context"
	"testing"

	"github.com/clusterproxy/messages-proxy/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackChain(t *testing.T) {
	reg := New(circuitbreaker.DefaultConfig())
	calls, err := reg.ParseWithFallback(context.Background(), "Here is the answer.")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "fallback", calls[0].ID)
	assert.Contains(t, string(calls[0].Arguments), "Here is the answer.")
}

func TestJSONArgsParserWinsOverFallback(t *testing.T) {
	reg := New(circuitbreaker.DefaultConfig(), JSONArgsParser{})
	text := `{"name":"get_weather","arguments":{"city":"nyc"}}`
	calls, err := reg.ParseWithFallback(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
}

func TestJSONArgsParserRepairsTruncatedInput(t *testing.T) {
	reg := New(circuitbreaker.DefaultConfig(), JSONArgsParser{})
	text := `{"name":"get_weather","arguments":{"city":"nyc"`
	calls, err := reg.ParseWithFallback(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
}

func TestOversizedInputStillFallsBack(t *testing.T) {
	reg := New(circuitbreaker.DefaultConfig(), JSONArgsParser{})
	big := make([]byte, maxInputBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	calls, ok := reg.run(string(big))
	require.True(t, ok, "oversized input must still reach the fallback parser")
	require.Len(t, calls, 1)
	assert.Equal(t, "fallback", calls[0].ID)
}

type panickyParser struct{}

func (panickyParser) Name() string               { return "panicky" }
func (panickyParser) CanParse(string) bool       { return true }
func (panickyParser) Validate([]ToolCall) bool   { return true }
func (panickyParser) Parse(string) []ToolCall {
	panic("boom")
}

func TestPanicInParserIsTreatedAsRejection(t *testing.T) {
	reg := New(circuitbreaker.DefaultConfig(), panickyParser{})
	calls, err := reg.ParseWithFallback(context.Background(), "anything")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "fallback", calls[0].ID)
}
