package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"yieldsource/adapter"
	"yieldsource/config"
	"yieldsource/crypto"
	"yieldsource/history"
	"yieldsource/observability"
	"yieldsource/observability/logging"
	"yieldsource/observability/otel"
	"yieldsource/rpc"
	"yieldsource/savings"
	"yieldsource/state"
	"yieldsource/storage"
	"yieldsource/token"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to the genesis file (overrides config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("yieldsourced", cfg.Environment, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	genesisPath := strings.TrimSpace(*genesisFlag)
	if genesisPath == "" {
		genesisPath = strings.TrimSpace(cfg.GenesisFile)
	}
	if genesisPath == "" {
		logger.Error("genesis file required; set GenesisFile in config or pass -genesis")
		os.Exit(1)
	}
	gen, err := config.LoadGenesis(genesisPath)
	if err != nil {
		logger.Error("load genesis", slog.Any("error", err))
		os.Exit(1)
	}

	if err := run(cfg, gen, logger); err != nil {
		logger.Error("daemon exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, gen *config.Genesis, logger *slog.Logger) error {
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	mgr := state.NewManager(db)
	tokens := token.NewLedger(mgr)

	pool, err := savings.NewPool(mgr, tokens, savings.PoolConfig{
		Reserve:     crypto.ModuleAddress("savings/reserve"),
		Underlying:  crypto.ModuleAddress("token/underlying"),
		CreditToken: crypto.ModuleAddress("token/credit"),
		APRBps:      gen.APRBps,
		InitialRate: gen.Rate(),
	})
	if err != nil {
		return fmt.Errorf("configure facility: %w", err)
	}

	bootstrapped, err := adapter.Bootstrapped(mgr)
	if err != nil {
		return fmt.Errorf("inspect state: %w", err)
	}
	if !bootstrapped {
		if err := seedBalances(tokens, pool.UnderlyingAsset(), gen.Balances); err != nil {
			return fmt.Errorf("seed balances: %w", err)
		}
	}

	store, err := history.Open(cfg.HistoryDSN)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}

	owner, err := gen.OwnerAddress()
	if err != nil {
		return err
	}
	manager, err := gen.AssetManagerAddress()
	if err != nil {
		return err
	}
	events := rpc.NewEventStream()
	engine, err := adapter.NewEngine(adapter.Config{
		State:        mgr,
		Tokens:       tokens,
		Facility:     pool,
		Address:      crypto.ModuleAddress("adapter"),
		Owner:        owner,
		AssetManager: manager,
		Emitter: adapter.Emitters{
			observability.NewEventSink(logger),
			history.NewRecorder(store, logger),
			events,
		},
	})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "yieldsourced",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", slog.Any("error", err))
			}
		}()
	}

	secret, err := cfg.AuthSecret()
	if err != nil {
		return err
	}
	server := rpc.NewServer(rpc.ServerConfig{
		Engine:  engine,
		History: store,
		Logger:  logger,
		Auth: rpc.AuthConfig{
			Enabled:  cfg.Auth.Enabled,
			Secret:   secret,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
		},
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		Events:            events,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func seedBalances(tokens *token.Ledger, underlying crypto.Address, balances []config.GenesisBalance) error {
	for _, balance := range balances {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(balance.Address))
		if err != nil {
			return err
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(balance.Amount), 10)
		if !ok {
			return fmt.Errorf("amount %q is not a base-10 integer", balance.Amount)
		}
		if err := tokens.Mint(underlying, addr, amount); err != nil {
			return err
		}
	}
	return nil
}
