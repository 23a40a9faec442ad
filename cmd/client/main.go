// Command client buys access from a relay and calls gated endpoints,
// paying per call when it has no premium or credits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	x402http "github.com/KartikMantri/pay-per-request-prompt-x402/http"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/config"
	mcpx402 "github.com/KartikMantri/pay-per-request-prompt-x402/mcp/client"
	"github.com/KartikMantri/pay-per-request-prompt-x402/signers/evm"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "status":
		err = runStatus(os.Args[2:])
	case "buy":
		err = runBuy(os.Args[2:])
	case "generate":
		err = runGenerate(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("client - x402 access client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  client status [flags]    - Show pricing and the wallet's access")
	fmt.Println("  client buy [flags]       - Buy premium days or credit packs")
	fmt.Println("  client generate [flags]  - Call a gated endpoint, paying if needed")
	fmt.Println("  client mcp [flags]       - Call a paid MCP tool, paying if needed")
	fmt.Println()
	fmt.Println("The wallet key is read from --key or X402_PRIVATE_KEY.")
}

// common holds the flags every subcommand takes.
type common struct {
	server  *string
	network *string
	key     *string
	verbose *bool
}

func commonFlags(fs *flag.FlagSet) *common {
	return &common{
		server:  fs.String("server", "http://localhost:8080", "Server URL"),
		network: fs.String("network", x402.NetworkLocal, "Network of the signing key (CAIP-2)"),
		key:     fs.String("key", os.Getenv("X402_PRIVATE_KEY"), "Hex private key of the paying wallet"),
		verbose: fs.Bool("verbose", false, "Enable debug logging"),
	}
}

func (c *common) setup() (*evm.Signer, *slog.Logger, error) {
	level := slog.LevelInfo
	if *c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *c.key == "" {
		return nil, nil, fmt.Errorf("--key or X402_PRIVATE_KEY is required")
	}
	signer, err := evm.NewSigner(*c.network, strings.TrimPrefix(*c.key, "0x"))
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("wallet loaded", "address", signer.Address().Hex())
	return signer, logger, nil
}

func paymentLogger(logger *slog.Logger) x402.PaymentCallback {
	return func(e x402.PaymentEvent) {
		attrs := []any{"purchase", e.Purchase.Kind, "amount", e.Amount, "network", e.Network}
		switch e.Type {
		case x402.PaymentEventAttempt:
			logger.Info("paying", attrs...)
		case x402.PaymentEventSuccess:
			logger.Info("paid", append(attrs, "tx", e.Transaction, "duration", e.Duration)...)
		case x402.PaymentEventFailure:
			logger.Warn("payment failed", append(attrs, "error", e.Error)...)
		}
	}
}

func newClient(signer *evm.Signer, logger *slog.Logger) (*x402http.Client, error) {
	onPayment := paymentLogger(logger)
	return x402http.NewClient(
		x402http.WithHTTPClient(&http.Client{Timeout: x402.DefaultTimeouts.RequestTimeout}),
		x402http.WithSigner(signer),
		x402http.WithPaymentCallbacks(onPayment, onPayment, onPayment),
	)
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	c := commonFlags(fs)
	_ = fs.Parse(args)

	signer, _, err := c.setup()
	if err != nil {
		return err
	}

	for _, path := range []string{"/pricing", "/access/" + signer.Address().Hex()} {
		resp, err := http.Get(*c.server + path)
		if err != nil {
			return err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", path, strings.TrimSpace(string(body)))
	}
	return nil
}

func runBuy(args []string) error {
	fs := flag.NewFlagSet("buy", flag.ExitOnError)
	c := commonFlags(fs)
	days := fs.Uint64("premium-days", 0, "Premium days to buy (7 or 30)")
	packs := fs.Uint64("credit-packs", 0, "Credit packs to buy")
	_ = fs.Parse(args)

	var purchase x402.Purchase
	switch {
	case *days > 0 && *packs > 0:
		return fmt.Errorf("choose either --premium-days or --credit-packs")
	case *days > 0:
		purchase = x402.Purchase{Kind: x402.PurchasePremium, Days: *days}
	case *packs > 0:
		purchase = x402.Purchase{Kind: x402.PurchaseCredits, Packs: *packs}
	default:
		return fmt.Errorf("--premium-days or --credit-packs is required")
	}

	signer, logger, err := c.setup()
	if err != nil {
		return err
	}
	client, err := newClient(signer, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), x402.DefaultTimeouts.RequestTimeout)
	defer cancel()
	resp, err := client.Buy(ctx, *c.server, purchase)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", x402.ErrSettlementFailed, resp.ErrorReason)
	}
	logger.Info("purchase settled", "purchase", purchase.Kind, "tx", resp.Transaction, "payer", resp.Payer)
	return nil
}

func runGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	c := commonFlags(fs)
	prompt := fs.String("prompt", "", "Prompt text (required)")
	operation := fs.String("operation", "generate", "Operation: generate or generate-long")
	session := fs.Bool("session", false, "Open a session first and use its token")
	_ = fs.Parse(args)

	if *prompt == "" {
		return fmt.Errorf("--prompt is required")
	}
	signer, logger, err := c.setup()
	if err != nil {
		return err
	}
	client, err := newClient(signer, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), x402.DefaultTimeouts.RequestTimeout)
	defer cancel()
	if *session {
		s, err := client.OpenSession(ctx, *c.server)
		if err != nil {
			return err
		}
		logger.Info("session opened", "expires", time.Unix(s.ExpiresAt, 0))
	}

	body, err := json.Marshal(map[string]string{"prompt": *prompt})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *c.server+"/api/"+*operation, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	logger.Debug("response", "status", resp.StatusCode, "duration", time.Since(start))
	if settlement := x402http.GetSettlement(resp); settlement != nil {
		logger.Info("paid per call", "tx", settlement.Transaction)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	fmt.Println(strings.TrimSpace(string(out)))
	return nil
}

func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	c := commonFlags(fs)
	prompt := fs.String("prompt", "", "Prompt text (required)")
	tool := fs.String("tool", "generate", "Paid tool to call")
	_ = fs.Parse(args)

	if *prompt == "" {
		return fmt.Errorf("--prompt is required")
	}
	signer, logger, err := c.setup()
	if err != nil {
		return err
	}

	onPayment := paymentLogger(logger)
	transport, err := mcpx402.NewTransport(*c.server+"/mcp",
		mcpx402.WithSigner(signer),
		mcpx402.WithPaymentCallback(onPayment))
	if err != nil {
		return err
	}
	mcp := mcpclient.NewClient(transport)

	ctx, cancel := context.WithTimeout(context.Background(), x402.DefaultTimeouts.RequestTimeout)
	defer cancel()
	if err := mcp.Start(ctx); err != nil {
		return err
	}
	defer mcp.Close()

	initReq := mcpproto.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpproto.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpproto.Implementation{Name: "x402-client", Version: "0.1.0"}
	if _, err := mcp.Initialize(ctx, initReq); err != nil {
		return err
	}

	callReq := mcpproto.CallToolRequest{}
	callReq.Params.Name = *tool
	callReq.Params.Arguments = map[string]any{"prompt": *prompt}
	result, err := mcp.CallTool(ctx, callReq)
	if err != nil {
		return err
	}
	for _, content := range result.Content {
		if text, ok := content.(mcpproto.TextContent); ok {
			fmt.Println(text.Text)
		}
	}
	return nil
}
