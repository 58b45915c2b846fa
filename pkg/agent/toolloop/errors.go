package toolloop

import "errors"

// Sentinel errors for ExtractResult implementations, so callers can
// distinguish extraction failures with errors.Is.
var (
	// ErrNoTerminalTool: the expected terminal tool was never called.
	ErrNoTerminalTool = errors.New("no terminal tool was called")

	// ErrInvalidResult: a terminal tool was called but its payload is
	// malformed.
	ErrInvalidResult = errors.New("invalid tool result payload")
)
