package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// AuraDir is the per-repository directory for user-supplied files the
	// orchestrator reads but never writes.
	AuraDir = ".aura"

	// InstructionsFile holds free-form guidance injected into every
	// agent prompt for Steps running in that worktree.
	InstructionsFile = "INSTRUCTIONS.md"

	// InstructionsTokenLimit caps how much of the instruction file is
	// injected (roughly 8000 chars).
	InstructionsTokenLimit = 2000
)

// LoadWorkspaceInstructions reads .aura/INSTRUCTIONS.md from a worktree.
// A missing file or directory is not an error; the orchestrator simply
// proceeds without extra guidance. Oversized content is truncated to
// InstructionsTokenLimit.
func LoadWorkspaceInstructions(workDir string) (string, error) {
	if workDir == "" {
		return "", nil
	}
	path := filepath.Join(workDir, AuraDir, InstructionsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", nil
	}
	if CountTokensSimple(text) > InstructionsTokenLimit {
		counter, err := NewTokenCounter("")
		if err == nil {
			text = counter.TruncateToTokenLimit(text, InstructionsTokenLimit)
		}
	}
	return text, nil
}
