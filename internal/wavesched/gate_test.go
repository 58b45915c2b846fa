package wavesched

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGatePasses(t *testing.T) {
	gate := NewDefaultGate([]string{"sh", "-c", "echo build ok"}, []string{"sh", "-c", "echo 2 passed"})

	result, err := gate.RunGate(context.Background(), t.TempDir(), 1)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, 1, result.Wave)
	assert.Contains(t, result.BuildOutput, "build ok")
	assert.Contains(t, result.TestOutput, "2 passed")
}

func TestDefaultGateFailsOnBuildError(t *testing.T) {
	gate := NewDefaultGate([]string{"sh", "-c", "echo broken >&2; exit 1"}, []string{"sh", "-c", "echo never runs"})

	result, err := gate.RunGate(context.Background(), t.TempDir(), 2)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.BuildOutput, "broken")
	assert.NotEmpty(t, result.Error)
	// A failed build short-circuits; tests never run.
	assert.Empty(t, result.TestOutput)
}

func TestDefaultGateFailsOnTestError(t *testing.T) {
	gate := NewDefaultGate(nil, []string{"sh", "-c", "exit 1"})

	result, err := gate.RunGate(context.Background(), t.TempDir(), 1)
	require.NoError(t, err)
	assert.False(t, result.Passed)
}

func TestDefaultGateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gate := NewDefaultGate([]string{"sh", "-c", "sleep 5"}, nil)
	result, err := gate.RunGate(ctx, t.TempDir(), 1)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.True(t, result.WasCancelled)
}
