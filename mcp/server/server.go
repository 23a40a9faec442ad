package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/KartikMantri/pay-per-request-prompt-x402/facilitator"
)

// X402Server wraps an MCP server and gates its paid tools.
type X402Server struct {
	mcpServer *mcpserver.MCPServer
	config    *Config
}

// NewX402Server creates a new MCP server with x402 access gating.
func NewX402Server(name, version string, config *Config) *X402Server {
	if config == nil {
		config = DefaultConfig()
	}

	if config.PaidTools == nil {
		config.PaidTools = make(map[string]ToolAccessConfig)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	mcpServer := mcpserver.NewMCPServer(name, version)

	return &X402Server{
		mcpServer: mcpServer,
		config:    config,
	}
}

// AddTool adds a free tool (no access check).
func (s *X402Server) AddTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
}

// AddPaidTool adds a tool gated by the access engine. Each call costs the
// operation's credits, or is free under premium, or needs a per-call payment.
func (s *X402Server) AddPaidTool(tool mcpproto.Tool, operation string, handler mcpserver.ToolHandlerFunc) error {
	if err := ValidateOperation(operation); err != nil {
		return fmt.Errorf("invalid paid tool %s: %w", tool.Name, err)
	}

	s.config.AddPaidTool(tool.Name, operation)
	s.mcpServer.AddTool(tool, handler)
	return nil
}

// AddAccessTools adds the free get_pricing and get_access_status tools.
func (s *X402Server) AddAccessTools() error {
	if s.config.Engine == nil {
		return errors.New("x402 mcp: Config.Engine is required for access tools")
	}
	engine := s.config.Engine

	pricingTool := mcpproto.NewTool(
		"get_pricing",
		mcpproto.WithDescription("Current prices for per-call access, premium and credit packs"),
	)
	s.AddTool(pricingTool, func(ctx context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		pricing, err := engine.Pricing(ctx)
		if err != nil {
			return mcpproto.NewToolResultError(fmt.Sprintf("pricing unavailable: %v", err)), nil
		}
		return jsonResult(pricing)
	})

	statusTool := mcpproto.NewTool(
		"get_access_status",
		mcpproto.WithDescription("Premium expiry and credit balance of a wallet"),
		mcpproto.WithString("address", mcpproto.Required(), mcpproto.Description("Wallet address (0x-prefixed hex)")),
	)
	s.AddTool(statusTool, func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		address, _ := req.GetArguments()["address"].(string)
		if !common.IsHexAddress(address) {
			return mcpproto.NewToolResultError(fmt.Sprintf("invalid address %q", address)), nil
		}
		account := common.HexToAddress(address)
		status, err := engine.Status(ctx, account)
		if err != nil {
			return mcpproto.NewToolResultError(fmt.Sprintf("access status unavailable: %v", err)), nil
		}
		return jsonResult(facilitator.AccessResponse{Address: account.Hex(), AccessStatus: status})
	})
	return nil
}

func jsonResult(v any) (*mcpproto.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcpproto.NewToolResultText(string(data)), nil
}

// Handler returns an HTTP handler wrapped with the x402 access handler.
// Returns an error if the handler cannot be created (e.g., invalid configuration).
func (s *X402Server) Handler() (http.Handler, error) {
	httpServer := mcpserver.NewStreamableHTTPServer(s.mcpServer)
	return NewX402Handler(httpServer, s.config)
}

// Start serves the MCP server on addr until ctx is cancelled.
func (s *X402Server) Start(ctx context.Context, addr string) error {
	handler, err := s.Handler()
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}
	if s.config.Verbose {
		s.config.Logger.Info("starting x402 MCP server",
			"addr", addr,
			"paidTools", len(s.config.PaidTools),
			"chargeOnSuccess", s.config.ChargeOnSuccess)
	}

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// GetMCPServer returns the underlying MCP server (for advanced usage).
func (s *X402Server) GetMCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
