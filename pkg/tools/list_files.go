package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListFilesTool lists the files and directories directly under a path
// within a workspace. It is the companion reference tool to ReadFileTool.
type ListFilesTool struct {
	workspaceRoot string
}

// NewListFilesTool creates a new list_files tool rooted at workspaceRoot.
func NewListFilesTool(workspaceRoot string) *ListFilesTool {
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	return &ListFilesTool{workspaceRoot: workspaceRoot}
}

func newListFilesFactory(ctx *AgentContext) (Tool, error) {
	workDir := "."
	if ctx != nil && ctx.WorkDir != "" {
		workDir = ctx.WorkDir
	}
	return NewListFilesTool(workDir), nil
}

func listFilesSchema() InputSchema {
	return InputSchema{
		Type: "object",
		Properties: map[string]Property{
			"path": {
				Type:        "string",
				Description: "Relative directory path within workspace. Defaults to the workspace root.",
			},
		},
	}
}

// Name returns the tool name.
func (t *ListFilesTool) Name() string {
	return ToolListFiles
}

// Definition returns the tool definition for the LLM.
func (t *ListFilesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolListFiles,
		Description: "List files and directories directly under a path in the workspace.",
		InputSchema: listFilesSchema(),
	}
}

// Exec executes the tool with the given arguments.
func (t *ListFilesTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	relPath, _ := args["path"].(string)
	cleanPath := filepath.Clean(relPath)
	if strings.HasPrefix(cleanPath, "..") {
		return t.errorResult("path cannot contain directory traversal (..) attempts")
	}
	if relPath == "" {
		cleanPath = "."
	}

	fullPath := filepath.Join(t.workspaceRoot, cleanPath)
	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return t.errorResult(fmt.Sprintf("directory not found or not readable: %s (error: %v)", relPath, err))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	resultMap := map[string]any{
		"success": true,
		"path":    relPath,
		"entries": names,
	}
	content, jsonErr := json.Marshal(resultMap)
	if jsonErr != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", jsonErr)
	}
	return &ExecResult{Content: string(content)}, nil
}

func (t *ListFilesTool) errorResult(msg string) (*ExecResult, error) {
	response := map[string]any{"success": false, "error": msg}
	content, marshalErr := json.Marshal(response)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal error response: %w", marshalErr)
	}
	return &ExecResult{Content: string(content)}, nil
}
