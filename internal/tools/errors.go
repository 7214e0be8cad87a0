package tools

import (
	"errors"
	"fmt"
)

// ErrToolUnavailable is returned when a call names a tool that is not
// in the composed registry (a provider went away, or the model made it
// up).
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ErrPathEscapes is returned by the memory tool when a path would
// resolve outside the memory root.
var ErrPathEscapes = errors.New("path escapes memory root")
