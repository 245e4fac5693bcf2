package escrowd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"algobounty/core/events"
	"algobounty/core/state"
	"algobounty/native/bounty"
	"algobounty/observability"
	"algobounty/observability/logging"
	telemetry "algobounty/observability/otel"
	"algobounty/storage"
)

const serviceName = "escrowd"

// App wires the ledger engine, its storage and the HTTP server together.
type App struct {
	Engine *bounty.Engine
	Server *Server
	Store  *SQLiteStore

	db storage.Database
}

// AppOption customises NewApp.
type AppOption func(*appOptions)

type appOptions struct {
	wallet Wallet
}

// WithWallet replaces the default sqlite payout journal.
func WithWallet(w Wallet) AppOption {
	return func(o *appOptions) { o.wallet = w }
}

// NewApp opens the configured stores and builds the HTTP server.
func NewApp(cfg Config, logger *slog.Logger, opts ...AppOption) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	options := appOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	holding, err := bounty.ParsePrincipal(cfg.HoldingAddress)
	if err != nil {
		return nil, fmt.Errorf("holding address: %w", err)
	}

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := state.EnsureStateVersion(db); err != nil {
		db.Close()
		return nil, err
	}
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			db.Close()
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	store, err := NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	wallet := options.wallet
	if wallet == nil {
		wallet = NewJournalWallet(store)
	}
	metrics := observability.Bounty()
	engine := bounty.NewEngine(append(cfg.EngineOptions(), bounty.WithObserver(metrics))...)
	engine.SetState(state.NewManager(db))
	engine.SetHoldingAddress(holding)
	engine.SetPayer(walletPayer{wallet: wallet})
	engine.SetEmitter(events.MultiEmitter{NewEventLog(store, logger), observability.Events()})

	app := &App{Engine: engine, Store: store, db: db}
	if err := app.bootstrap(cfg, logger); err != nil {
		_ = app.Close()
		return nil, err
	}
	if err := app.reconcileReceipts(context.Background(), logger); err != nil {
		_ = app.Close()
		return nil, err
	}
	if locked, err := engine.TotalLocked(); err == nil {
		metrics.SetLocked(locked)
	}

	app.Server = NewServer(ServerConfig{
		Engine:        engine,
		Store:         store,
		Receipts:      NewReceiptVerifier(cfg.Payments.Secret, store),
		Authenticator: NewAuthenticator(cfg.Auth, logger),
		RateLimiter:   NewRateLimiter(cfg.RateLimit),
		Observability: NewObservability(logger),
		Logger:        logger,
	})
	return app, nil
}

func openDatabase(dataDir string) (storage.Database, error) {
	if dataDir == MemoryStore {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(dataDir, "ledger"))
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return db, nil
}

// bootstrap initializes the ledger with the configured admin on first start.
func (a *App) bootstrap(cfg Config, logger *slog.Logger) error {
	if cfg.AdminAddress == "" {
		return nil
	}
	admin, err := bounty.ParsePrincipal(cfg.AdminAddress)
	if err != nil {
		return fmt.Errorf("admin address: %w", err)
	}
	current, initialized, err := a.Engine.Admin()
	if err != nil {
		return err
	}
	if initialized {
		if current != admin {
			logger.Warn("configured admin differs from ledger admin",
				slog.String("configured", admin.String()),
				slog.String("ledger", current.String()))
		}
		return nil
	}
	if err := a.Engine.Initialize(admin); err != nil {
		return fmt.Errorf("initialize ledger: %w", err)
	}
	logger.Info("ledger initialized", slog.String("admin", admin.String()))
	return nil
}

// reconcileReceipts confirms receipts whose funding reached the event log and
// reports the ones that were reserved without a ledger commit. Those need an
// operator to refund the sender or release the reference.
func (a *App) reconcileReceipts(ctx context.Context, logger *slog.Logger) error {
	confirmed, err := a.Store.ReconcileReceipts(ctx)
	if err != nil {
		return fmt.Errorf("reconcile receipts: %w", err)
	}
	if confirmed > 0 {
		logger.Info("confirmed receipts from event log", slog.Int64("count", confirmed))
	}
	reserved, err := a.Store.ReservedReceipts(ctx)
	if err != nil {
		return fmt.Errorf("list reserved receipts: %w", err)
	}
	for _, receipt := range reserved {
		logger.Warn("payment receipt reserved without funding",
			slog.String("reference", receipt.Reference),
			slog.String("key", receipt.Key),
			slog.String("sender", receipt.Sender),
			slog.String("amount", bounty.FormatUnits(receipt.Amount)))
	}
	return nil
}

// Close releases the sqlite store and the ledger database.
func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.db != nil {
		a.db.Close()
	}
	return errors.Join(errs...)
}

// Main initialises and runs the escrow daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/escrowd/config.yaml", "path to escrowd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("ALGOBOUNTY_ENV"))
	}
	logOpts := logging.Options{Service: serviceName, Env: env, Level: cfg.Logging.Level}
	if cfg.Logging.File != "" {
		logOpts.File = &logging.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}
	}
	logger := logging.SetupWithOptions(logOpts)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("close stores", "error", err.Error())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Serve(stopCtx, cfg.ListenAddress, app.Server.Handler(), cfg.ShutdownTimeout.Duration, logger)
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully within timeout.
func Serve(ctx context.Context, addr string, handler http.Handler, timeout time.Duration, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", slog.String("addr", addr))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
