// Command server runs the access decision engine and payment relay over
// HTTP, with gated generation endpoints and an optional MCP endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/access"
	"github.com/KartikMantri/pay-per-request-prompt-x402/access/redisstore"
	"github.com/KartikMantri/pay-per-request-prompt-x402/auth"
	"github.com/KartikMantri/pay-per-request-prompt-x402/chain"
	x402http "github.com/KartikMantri/pay-per-request-prompt-x402/http"
	x402gin "github.com/KartikMantri/pay-per-request-prompt-x402/http/gin"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/config"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip712"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/localnet"
	"github.com/KartikMantri/pay-per-request-prompt-x402/ledger/sqlstore"
	mcpserver "github.com/KartikMantri/pay-per-request-prompt-x402/mcp/server"
	"github.com/KartikMantri/pay-per-request-prompt-x402/metrics"
	"github.com/KartikMantri/pay-per-request-prompt-x402/processor"
	"github.com/KartikMantri/pay-per-request-prompt-x402/relay"
	"github.com/KartikMantri/pay-per-request-prompt-x402/resource"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// stack is the assembled engine and relay.
type stack struct {
	engine  *access.Engine
	relay   *relay.Relay
	cleanup []func() error
}

func (s *stack) close(logger *slog.Logger) {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		if err := s.cleanup[i](); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var m *metrics.Metrics
	if cfg.Server.MetricsEnabled {
		m = metrics.New(registry)
	}

	s := &stack{}
	defer s.close(logger)

	engineOpts := []access.Option{
		access.WithReadTimeout(cfg.Timeouts().LedgerReadTimeout),
	}
	if cfg.Redis.Addr != "" {
		client, err := redisstore.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		s.cleanup = append(s.cleanup, client.Close)
		engineOpts = append(engineOpts,
			access.WithRedemptions(redisstore.NewRedemptions(client, cfg.Redis.Prefix)),
			access.WithLocker(redisstore.NewLocker(client, cfg.Redis.Prefix, cfg.Redis.LockTTL, redisstore.WithLogger(logger))))
		logger.Info("using redis for redemptions and locks", "addr", cfg.Redis.Addr)
	}

	relayOpts := []relay.Option{relay.WithTimeouts(cfg.Timeouts())}
	if cfg.Relay.ChallengeTTL > 0 {
		relayOpts = append(relayOpts, relay.WithChallengeTTL(cfg.Relay.ChallengeTTL))
	}

	var err error
	switch cfg.Mode {
	case config.ModeChain:
		err = s.buildChain(ctx, cfg, m, logger, engineOpts, relayOpts)
	default:
		err = s.buildLocal(ctx, cfg, m, logger, engineOpts, relayOpts)
	}
	if err != nil {
		return err
	}

	verifierOpts := []auth.Option{
		auth.WithMaxAge(cfg.Auth.ProofMaxAge),
		auth.WithLogger(logger.With("component", "auth")),
	}
	if cfg.Auth.ClockSkew > 0 {
		verifierOpts = append(verifierOpts, auth.WithClockSkew(cfg.Auth.ClockSkew))
	}
	verifier := auth.NewVerifier(verifierOpts...)

	var sessions *auth.SessionIssuer
	if cfg.Session.Secret != "" {
		sessions, err = auth.NewSessionIssuer(cfg.Session.Secret, cfg.Session.TTL)
		if err != nil {
			return err
		}
	}

	router, err := newRouter(cfg, s, verifier, sessions, registry, &resource.MockGenerator{}, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "mode", cfg.Mode, "mcp", cfg.Server.MCPEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *stack) buildLocal(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger, engineOpts []access.Option, relayOpts []relay.Option) error {
	netCfg := localnet.Config{
		Owner:         common.HexToAddress(cfg.Local.Owner),
		RelayOptions:  relayOpts,
		EngineOptions: engineOpts,
		Metrics:       m,
		Logger:        logger,
	}
	if cfg.Storage.Driver != "memory" {
		store, err := sqlstore.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		s.cleanup = append(s.cleanup, store.Close)
		netCfg.Store = store
		// Redis, when configured, overrides this through engineOpts.
		netCfg.Redemptions = store
	}

	n, err := localnet.New(ctx, netCfg)
	if err != nil {
		return err
	}
	for addr, amount := range cfg.Local.Fund {
		v, err := x402.ParseAtomic(amount)
		if err != nil {
			return err
		}
		n.Fund(common.HexToAddress(addr), v)
		logger.Info("funded account", "account", addr, "amount", amount)
	}

	s.engine = n.Engine
	s.relay = n.Relay
	return nil
}

func (s *stack) buildChain(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger, engineOpts []access.Option, relayOpts []relay.Option) error {
	chainCfg, err := x402.GetChainConfig(cfg.Chain.Network)
	if err != nil {
		return err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.RelayerKey, "0x"))
	if err != nil {
		return fmt.Errorf("invalid relayer key: %w", err)
	}
	relayer := crypto.PubkeyToAddress(key.PublicKey)

	client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	s.cleanup = append(s.cleanup, func() error {
		client.Close()
		return nil
	})

	transactor, err := chain.NewTransactor(key, chainCfg.ChainID())
	if err != nil {
		return err
	}

	ledgerAddr := common.HexToAddress(cfg.Chain.LedgerAddress)
	processorAddr := common.HexToAddress(cfg.Chain.ProcessorAddress)
	receiver := common.HexToAddress(cfg.Chain.Receiver)

	ledgerClient := chain.NewLedgerClient(ledgerAddr, client,
		chain.WithTransactor(transactor),
		chain.WithOperationCosts(x402.DefaultPricing().OperationCosts),
		chain.WithLogger(logger.With("component", "ledger")))
	processorClient := chain.NewProcessorClient(processorAddr, receiver, client,
		chain.WithTransactor(transactor),
		chain.WithLogger(logger.With("component", "processor")))

	minBalance, err := cfg.MinRelayerBalance()
	if err != nil {
		return err
	}
	if minBalance != nil {
		relayOpts = append(relayOpts, relay.WithMinRelayerBalance(minBalance))
	}
	relayOpts = append(relayOpts,
		relay.WithMetrics(m),
		relay.WithLogger(logger.With("component", "relay")))

	r, err := relay.New(relay.Config{
		Network: chainCfg.Network,
		Processor: eip712.Domain{
			Name:              processor.DomainName,
			Version:           processor.DomainVersion,
			ChainID:           chainCfg.ChainID(),
			VerifyingContract: processorAddr,
		},
		Token: eip712.Domain{
			Name:              chainCfg.EIP3009Name,
			Version:           chainCfg.EIP3009Version,
			ChainID:           chainCfg.ChainID(),
			VerifyingContract: common.HexToAddress(chainCfg.USDCAddress),
		},
		Receiver: receiver,
		Relayer:  relayer,
	}, ledgerClient, processorClient, chain.NewRelayerWallet(client), relayOpts...)
	if err != nil {
		return err
	}

	if cfg.Redis.Addr == "" {
		store, err := sqlstore.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		s.cleanup = append(s.cleanup, store.Close)
		engineOpts = append(engineOpts, access.WithRedemptions(store))
		logger.Info("using sql storage for redemptions", "driver", cfg.Storage.Driver)
	}
	engineOpts = append(engineOpts,
		access.WithMetrics(m),
		access.WithLogger(logger.With("component", "access")))
	engine, err := access.NewEngine(ledgerClient, ledgerClient, engineOpts...)
	if err != nil {
		return err
	}

	logger.Info("connected to chain",
		"network", chainCfg.Network,
		"ledger", ledgerAddr.Hex(),
		"processor", processorAddr.Hex(),
		"relayer", relayer.Hex())
	s.engine = engine
	s.relay = r
	return nil
}

// operations maps the gated generation routes to their credit costs.
var operations = []string{"generate", "generate-long"}

func newRouter(cfg *config.Config, s *stack, verifier *auth.Verifier, sessions *auth.SessionIssuer, registry *prometheus.Registry, gen resource.Generator, logger *slog.Logger) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery(), x402gin.RequestID())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	if cfg.Server.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	x402gin.RegisterRoutes(r, &x402http.Handlers{
		Engine:      s.engine,
		Facilitator: s.relay,
		Verifier:    verifier,
		Sessions:    sessions,
		Logger:      logger.With("component", "handlers"),
	})

	api := r.Group("/api")
	for _, op := range operations {
		gate := x402gin.NewAccessMiddleware(x402gin.Config{
			Engine:          s.engine,
			Facilitator:     s.relay,
			Verifier:        verifier,
			Sessions:        sessions,
			Operation:       op,
			ChargeOnSuccess: cfg.Server.ChargeOnSuccess,
			Logger:          logger.With("component", "middleware"),
		})
		api.POST("/"+op, gate, generateHandler(gen, op))
	}

	if cfg.Server.MCPEnabled {
		handler, err := newMCPHandler(cfg, s, verifier, sessions, gen, logger)
		if err != nil {
			return nil, err
		}
		r.Any("/mcp", gin.WrapH(handler))
	}
	return r, nil
}

type generateRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

func generateHandler(gen resource.Generator, operation string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
			return
		}
		res := x402gin.GetAccessFromContext(c)
		if res == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "access result missing"})
			return
		}
		out, err := gen.Generate(c.Request.Context(), res.Decision.Tier, operation, req.Prompt)
		switch {
		case errors.Is(err, resource.ErrEmptyInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func newMCPHandler(cfg *config.Config, s *stack, verifier *auth.Verifier, sessions *auth.SessionIssuer, gen resource.Generator, logger *slog.Logger) (http.Handler, error) {
	mcpCfg := mcpserver.DefaultConfig()
	mcpCfg.Engine = s.engine
	mcpCfg.Facilitator = s.relay
	mcpCfg.Verifier = verifier
	mcpCfg.Sessions = sessions
	mcpCfg.ChargeOnSuccess = cfg.Server.ChargeOnSuccess
	mcpCfg.Logger = logger.With("component", "mcp")

	srv := mcpserver.NewX402Server("x402-access", version, mcpCfg)
	if err := srv.AddAccessTools(); err != nil {
		return nil, err
	}
	for _, op := range operations {
		tool := mcpproto.NewTool(op,
			mcpproto.WithDescription(fmt.Sprintf("Run the %s operation on a prompt", op)),
			mcpproto.WithString("prompt", mcpproto.Required(), mcpproto.Description("Prompt text")),
		)
		if err := srv.AddPaidTool(tool, op, generateTool(gen, op)); err != nil {
			return nil, err
		}
	}
	return srv.Handler()
}

func generateTool(gen resource.Generator, operation string) func(context.Context, mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	return func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpproto.NewToolResultError(err.Error()), nil
		}
		tier := x402.TierPerCall
		if res := mcpserver.AccessFromContext(ctx); res != nil {
			tier = res.Decision.Tier
		}
		out, err := gen.Generate(ctx, tier, operation, prompt)
		if err != nil {
			return mcpproto.NewToolResultError(err.Error()), nil
		}
		return mcpproto.NewToolResultText(out.Text), nil
	}
}
