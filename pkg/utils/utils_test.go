package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Add Fibonacci", "add-fibonacci"},
		{"fix: race in scheduler", "fix-race-in-scheduler"},
		{"a/b\\c", "a-b-c"},
		{"  trimmed  ", "trimmed"},
		{"weird~^?*[chars", "weird-chars"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeIdentifier(tt.in), "input %q", tt.in)
	}
}

func TestBranchName(t *testing.T) {
	name := BranchName("Add Fibonacci", "3f2c9a10-aaaa-bbbb-cccc-000000000000")
	assert.Equal(t, "story-3f2c9a10-add-fibonacci", name)
}

func TestBranchNameEmptyTitle(t *testing.T) {
	name := BranchName("", "deadbeef-feed")
	assert.Equal(t, "story-deadbeef", name)
}

func TestBranchNameLongTitleTruncated(t *testing.T) {
	name := BranchName(strings.Repeat("very long title ", 10), "12345678")
	assert.LessOrEqual(t, len(name), len("story-12345678-")+40)
}

func TestCountTokensSimple(t *testing.T) {
	n := CountTokensSimple("the quick brown fox jumps over the lazy dog")
	assert.Greater(t, n, 5)
	assert.Less(t, n, 20)
}

func TestTruncateToTokenLimit(t *testing.T) {
	counter, err := NewTokenCounter("gpt-5")
	require.NoError(t, err)

	long := strings.Repeat("orchestration ", 500)
	trimmed := counter.TruncateToTokenLimit(long, 50)
	assert.Less(t, len(trimmed), len(long))
	assert.True(t, strings.HasSuffix(trimmed, "..."))

	short := "already fits"
	assert.Equal(t, short, counter.TruncateToTokenLimit(short, 50))
}

func TestLoadWorkspaceInstructions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, AuraDir), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, AuraDir, InstructionsFile),
		[]byte("Prefer table-driven tests.\n"), 0o644))

	text, err := LoadWorkspaceInstructions(dir)
	require.NoError(t, err)
	assert.Equal(t, "Prefer table-driven tests.", text)
}

func TestLoadWorkspaceInstructionsMissing(t *testing.T) {
	text, err := LoadWorkspaceInstructions(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, text)

	text, err = LoadWorkspaceInstructions("")
	require.NoError(t, err)
	assert.Empty(t, text)
}
