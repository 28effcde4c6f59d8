// Package main is the entry point for the Concilium gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/concilium/concilium/internal/config"
	"github.com/concilium/concilium/internal/domain"
	"github.com/concilium/concilium/internal/ipc"
	"github.com/concilium/concilium/internal/orchestrator"
	"github.com/concilium/concilium/internal/pricing"
	"github.com/concilium/concilium/internal/provider"
	"github.com/concilium/concilium/internal/store"
	"github.com/concilium/concilium/internal/traffic"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to configuration JSON file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("concilium %s (commit=%s, built=%s)\n", version, commit, date)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// Resolve config path: --config flag > CONCILIUM_CONFIG env > auto-discover.
	path := *configPath
	if path == "" {
		path = os.Getenv("CONCILIUM_CONFIG")
	}
	if path == "" {
		path = config.Discover()
	}

	cfg, err := config.Load(path)
	if err != nil {
		fatal(logger, "load config", err)
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		fatal(logger, "open database", err)
	}
	defer db.Close()

	// Wire the pricing table and admission controller.
	table := pricing.NewTable()
	window := time.Duration(cfg.WindowSec) * time.Second

	limits := map[domain.Provider]traffic.Limits{
		domain.ProviderClaude: {Requests: cfg.Claude.RequestsPerMinute, Tokens: cfg.Claude.TokensPerMinute, Window: window},
		domain.ProviderOpenAI: {Requests: cfg.OpenAI.RequestsPerMinute, Tokens: cfg.OpenAI.TokensPerMinute, Window: window},
		domain.ProviderMock:   {Requests: cfg.Mock.RequestsPerMinute, Tokens: cfg.Mock.TokensPerMinute, Window: window},
	}
	ctrl := traffic.NewController(db, logger)
	ctrl.LimitsFor = func(p domain.Provider) traffic.Limits { return limits[p] }

	// Wire backends in priority order: paid providers first, mock last.
	registry := provider.NewRegistry()
	backends := []provider.Backend{
		provider.NewClaudeBackend(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.ClaudeModel),
		provider.NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel),
		provider.NewMockBackend(),
	}
	for _, b := range backends {
		if err := registry.Register(b); err != nil {
			fatal(logger, "register provider", err)
		}
	}

	gw := provider.NewGateway(db, registry, table, ctrl, logger)
	gw.MaxAdmitAttempts = cfg.MaxAdmitAttempts
	gov := provider.NewSpendGovernor(db, logger)
	orch := orchestrator.New(gw, registry, gov, logger)

	handler := &ipc.Handler{
		Orchestrator: orch,
		Traffic:      ctrl,
		Pricing:      table,
		Ledger:       &store.LedgerRepo{},
		DB:           db,
		Logger:       logger,
	}

	srv := ipc.NewServer(handler, cfg.ListenAddr)

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	logger.Info("concilium gateway listening", "url", ipc.FormatListenURL(cfg.ListenAddr))

	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		fatal(logger, "server", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
