package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultReadLines   = 2000 // Default number of lines to read
	maxLineLength      = 2000 // Truncate lines longer than this
	defaultStartOffset = 1    // 1-based line numbering
	maxReadFileBytes   = 1048576
)

// ReadFileTool allows reading file contents from a workspace rooted at
// workspaceRoot. It is the reference implementation of a read-only tool;
// host applications wire their own file
// tools (sandboxed, container-backed, etc.) through the same ToolFactory
// contract.
type ReadFileTool struct {
	workspaceRoot string
	maxSizeBytes  int64
}

// NewReadFileTool creates a new read_file tool rooted at workspaceRoot.
func NewReadFileTool(workspaceRoot string, maxSizeBytes int64) *ReadFileTool {
	if maxSizeBytes <= 0 {
		maxSizeBytes = maxReadFileBytes
	}
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	return &ReadFileTool{workspaceRoot: workspaceRoot, maxSizeBytes: maxSizeBytes}
}

func newReadFileFactory(ctx *AgentContext) (Tool, error) {
	workDir := "."
	if ctx != nil && ctx.WorkDir != "" {
		workDir = ctx.WorkDir
	}
	return NewReadFileTool(workDir, 0), nil
}

func readFileSchema() InputSchema {
	return InputSchema{
		Type: "object",
		Properties: map[string]Property{
			"path": {
				Type:        "string",
				Description: "Relative path to file within workspace",
			},
			"offset": {
				Type:        "integer",
				Description: "Line number to start reading from (1-based). Defaults to 1.",
			},
			"limit": {
				Type:        "integer",
				Description: "Number of lines to read. Defaults to 2000.",
			},
		},
		Required: []string{"path"},
	}
}

// Name returns the tool name.
func (t *ReadFileTool) Name() string {
	return ToolReadFile
}

// Definition returns the tool definition for the LLM.
func (t *ReadFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReadFile,
		Description: "Read contents of a file from the workspace. Output uses numbered lines. For large files, use offset and limit to read specific sections.",
		InputSchema: readFileSchema(),
	}
}

// intArgOrDefault extracts an integer argument from the args map, returning defaultVal if missing or invalid.
// Handles float64 (from JSON unmarshal), int, and int64 value types.
func intArgOrDefault(args map[string]any, key string, defaultVal int) int {
	v, exists := args[key]
	if !exists {
		return defaultVal
	}
	var n int
	switch val := v.(type) {
	case float64:
		n = int(val)
	case int:
		n = val
	case int64:
		n = int(val)
	default:
		return defaultVal
	}
	if n < 1 {
		return defaultVal
	}
	return n
}

// Exec executes the tool with the given arguments.
func (t *ReadFileTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("path is required and must be a string")
	}

	offset := intArgOrDefault(args, "offset", defaultStartOffset)
	limit := intArgOrDefault(args, "limit", defaultReadLines)

	cleanPath := filepath.Clean(path)
	if strings.HasPrefix(cleanPath, "..") {
		return t.errorResult("path cannot contain directory traversal (..) attempts")
	}

	fullPath := filepath.Join(t.workspaceRoot, cleanPath)

	f, err := os.Open(fullPath)
	if err != nil {
		return t.errorResult(fmt.Sprintf("file not found or not readable: %s (error: %v)", path, err))
	}
	defer f.Close()

	endLine := offset + limit - 1
	var out strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	truncated := false
	for scanner.Scan() {
		lineNo++
		if lineNo < offset || lineNo > endLine {
			continue
		}
		line := scanner.Text()
		if len(line) > maxLineLength {
			line = line[:maxLineLength]
			truncated = true
		}
		fmt.Fprintf(&out, "%6d\t%s\n", lineNo, line)
		if int64(out.Len()) > t.maxSizeBytes {
			truncated = true
			break
		}
	}
	for scanner.Scan() {
		lineNo++
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return t.errorResult(fmt.Sprintf("error reading file: %s (error: %v)", path, scanErr))
	}

	output := out.String()
	if lineNo > endLine {
		truncated = true
	}
	if int64(len(output)) > t.maxSizeBytes {
		output = output[:t.maxSizeBytes]
		truncated = true
	}

	resultMap := map[string]any{
		"success":     true,
		"content":     output,
		"path":        path,
		"truncated":   truncated,
		"offset":      offset,
		"limit":       limit,
		"total_lines": lineNo,
	}

	content, jsonErr := json.Marshal(resultMap)
	if jsonErr != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", jsonErr)
	}

	return &ExecResult{Content: string(content)}, nil
}

// errorResult creates a JSON error response.
func (t *ReadFileTool) errorResult(msg string) (*ExecResult, error) {
	response := map[string]any{
		"success": false,
		"error":   msg,
	}
	content, marshalErr := json.Marshal(response)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal error response: %w", marshalErr)
	}
	return &ExecResult{Content: string(content)}, nil
}
