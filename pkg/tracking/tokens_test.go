package tracking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))

	short := CountTokens("hello world")
	long := CountTokens(strings.Repeat("hello world ", 50))
	require.Greater(t, short, 0)
	assert.Greater(t, long, short)
}

func TestCountParamsTokens(t *testing.T) {
	assert.Equal(t, 0, CountParamsTokens(nil))
	assert.Equal(t, 0, CountParamsTokens(map[string]any{}))

	got := CountParamsTokens(map[string]any{"path": "/tmp/notes.md", "query": "session lifecycle"})
	assert.Greater(t, got, 0)
}

func TestEstimateCost(t *testing.T) {
	assert.Equal(t, 0.0, EstimateCost(0, 0.003))
	assert.InDelta(t, 0.003, EstimateCost(1000, 0.003), 1e-9)
	assert.InDelta(t, 0.0045, EstimateCost(1500, 0.003), 1e-9)
}

func TestEstimateTokensFallback(t *testing.T) {
	assert.Equal(t, 0, estimateTokens("abc"))
	assert.Equal(t, 25, estimateTokens(strings.Repeat("a", 100)))
}
