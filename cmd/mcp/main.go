// Payrail MCP server - exposes guarded payment tools to LLMs over stdio
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/payrail/internal/allowlist"
	"github.com/mbd888/payrail/internal/config"
	"github.com/mbd888/payrail/internal/dispatch"
	"github.com/mbd888/payrail/internal/logging"
	"github.com/mbd888/payrail/internal/mcpserver"
	"github.com/mbd888/payrail/internal/noncepool"
	"github.com/mbd888/payrail/internal/ratelimit"
	"github.com/mbd888/payrail/internal/receipts"
	"github.com/mbd888/payrail/internal/security"
	"github.com/mbd888/payrail/internal/spendlimit"
	"github.com/mbd888/payrail/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Stdout carries the MCP protocol, so all logging goes to stderr.
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load policy %s: %v\n", cfg.PolicyFile, err)
		os.Exit(1)
	}
	spendCfg, err := policy.SpendConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid spending limits in policy: %v\n", err)
		os.Exit(1)
	}

	guard := security.New(
		spendlimit.New(spendCfg),
		ratelimit.New(policy.RateConfig()),
		allowlist.New(policy.AllowlistConfig()),
		logger,
	)

	w, err := wallet.New(wallet.Config{
		RPCURL:     cfg.RPCURL,
		PrivateKey: cfg.PrivateKey,
		ChainID:    cfg.ChainID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create wallet: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = w.Close() }()

	nonces := noncepool.New(w)
	dispatcher := dispatch.New(policy.DispatchConfig(), w, nonces, w.Address(), logger)

	var store receipts.Store = receipts.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		store = receipts.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, receipts are in-memory only")
	}
	receiptSvc := receipts.NewService(store, receipts.NewSigner(cfg.ReceiptSecret))

	s := mcpserver.NewMCPServer(mcpserver.Deps{
		Guard:        guard,
		Dispatcher:   dispatcher,
		Wallet:       w,
		Nonces:       nonces,
		Receipts:     receiptSvc,
		Account:      w.Address(),
		DefaultToken: cfg.TokenContract,
		Logger:       logger,
	})

	logger.Info("payrail MCP server ready",
		"account", w.Address().Hex(),
		"token_contract", cfg.TokenContract,
	)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
