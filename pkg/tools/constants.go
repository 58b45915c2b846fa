package tools

// Tool name constants - use these instead of magic strings to prevent typos
// and enable compile-time checking.
const (
	// ToolReadFile reads a slice of a file's contents from the workspace.
	ToolReadFile = "read_file"
	// ToolListFiles lists files under a directory in the workspace.
	ToolListFiles = "list_files"
)
