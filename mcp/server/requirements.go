package server

import (
	"fmt"
	"strings"
)

// ValidateOperation checks that an operation name can be priced. Unknown
// operations cost x402.DefaultOperationCost, so only the shape is checked.
func ValidateOperation(operation string) error {
	if operation == "" {
		return fmt.Errorf("invalid operation: name is empty")
	}
	if strings.ContainsFunc(operation, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' }) {
		return fmt.Errorf("invalid operation: %q contains whitespace", operation)
	}
	return nil
}

// ToolResource returns the standard MCP tool URL for a tool name.
func ToolResource(toolName string) string {
	return fmt.Sprintf("mcp://tools/%s", toolName)
}
