// Package server provides an MCP server whose paid tools are gated by the
// x402 access engine.
package server

import (
	"log/slog"

	"github.com/KartikMantri/pay-per-request-prompt-x402/access"
	"github.com/KartikMantri/pay-per-request-prompt-x402/auth"
	"github.com/KartikMantri/pay-per-request-prompt-x402/facilitator"
)

// ToolAccessConfig holds access configuration for a specific MCP tool.
type ToolAccessConfig struct {
	// Operation names the operation for credit cost lookup.
	Operation string

	// Resource is the tool's resource URL.
	Resource string
}

// Config holds configuration for the MCP server with x402 access gating.
type Config struct {
	// Engine decides access for paid tools. Required.
	Engine *access.Engine

	// Facilitator builds challenges and settles inline payments. Required.
	// Use NewRemoteFacilitator for a relay on another host.
	Facilitator facilitator.Interface

	// Verifier checks x402/wallet proofs. Defaults to auth.NewVerifier().
	Verifier *auth.Verifier

	// Sessions validates x402/session tokens. Optional.
	Sessions *auth.SessionIssuer

	// ChargeOnSuccess defers the debit until the tool returns a result.
	// Tool errors are then never charged.
	ChargeOnSuccess bool

	// Verbose enables detailed logging.
	Verbose bool

	// PaidTools maps tool names to their access configuration.
	PaidTools map[string]ToolAccessConfig

	// Logger is the logger for the server.
	// If not set, slog.Default() is used.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with default settings.
func DefaultConfig() *Config {
	return &Config{
		PaidTools: make(map[string]ToolAccessConfig),
		Logger:    slog.Default(),
	}
}

// AddPaidTool gates a tool behind the access engine.
func (c *Config) AddPaidTool(toolName, operation string) {
	if c.PaidTools == nil {
		c.PaidTools = make(map[string]ToolAccessConfig)
	}
	c.PaidTools[toolName] = ToolAccessConfig{
		Operation: operation,
		Resource:  ToolResource(toolName),
	}
}

// RequiresAccess checks if a tool is gated.
func (c *Config) RequiresAccess(toolName string) bool {
	_, ok := c.GetAccessConfig(toolName)
	return ok
}

// GetAccessConfig returns the access configuration for a tool.
// Returns the config and a bool indicating if the tool is gated.
func (c *Config) GetAccessConfig(toolName string) (ToolAccessConfig, bool) {
	if c.PaidTools == nil {
		return ToolAccessConfig{}, false
	}
	config, exists := c.PaidTools[toolName]
	return config, exists
}
