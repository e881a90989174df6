// Payrail ops server - health, metrics, and guardrail introspection
package main

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/payrail/internal/allowlist"
	"github.com/mbd888/payrail/internal/config"
	"github.com/mbd888/payrail/internal/logging"
	"github.com/mbd888/payrail/internal/noncepool"
	"github.com/mbd888/payrail/internal/ratelimit"
	"github.com/mbd888/payrail/internal/receipts"
	"github.com/mbd888/payrail/internal/security"
	"github.com/mbd888/payrail/internal/server"
	"github.com/mbd888/payrail/internal/spendlimit"
	"github.com/mbd888/payrail/internal/traces"
	"github.com/mbd888/payrail/internal/wallet"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting payrail",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"token_contract", cfg.TokenContract,
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTraces(shutdownCtx)
	}()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("failed to load policy", "error", err, "path", cfg.PolicyFile)
		os.Exit(1)
	}
	spendCfg, err := policy.SpendConfig()
	if err != nil {
		logger.Error("invalid spending limits in policy", "error", err)
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
		logger.Error("failed to create wallet", "error", err)
		os.Exit(1)
	}
	defer func() { _ = w.Close() }()

	var store receipts.Store = receipts.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		db, err := openDB(cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err, "dsn", maskDSN(cfg.DatabaseURL))
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		store = receipts.NewPostgresStore(db)
		logger.Info("using postgres receipt store", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		logger.Warn("DATABASE_URL not set, receipts are in-memory only")
	}

	srv := server.New(cfg, server.Deps{
		Guard:    guard,
		Receipts: receipts.NewService(store, receipts.NewSigner(cfg.ReceiptSecret)),
		Nonces:   noncepool.New(w),
		Chain:    w,
		Account:  w.Address(),
		Logger:   logger,
	})

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
