package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"
	"github.com/quantarc/riskd/internal/adapters/audit"
	"github.com/quantarc/riskd/internal/adapters/clickhouse"
	"github.com/quantarc/riskd/internal/adapters/config"
	"github.com/quantarc/riskd/internal/adapters/database"
	"github.com/quantarc/riskd/internal/adapters/execution"
	"github.com/quantarc/riskd/internal/adapters/market"
	"github.com/quantarc/riskd/internal/adapters/positions"
	redisAdapter "github.com/quantarc/riskd/internal/adapters/redis"
	"github.com/quantarc/riskd/internal/adapters/signals"
	"github.com/quantarc/riskd/internal/adapters/telegram"
	"github.com/quantarc/riskd/internal/correlation"
	"github.com/quantarc/riskd/internal/engine"
	"github.com/quantarc/riskd/internal/health"
	"github.com/quantarc/riskd/internal/regime"
	"github.com/quantarc/riskd/internal/risk"
	"github.com/quantarc/riskd/internal/volatility"
	"github.com/quantarc/riskd/internal/workers"
	"github.com/quantarc/riskd/pkg/logger"
	"github.com/quantarc/riskd/pkg/models"
	"github.com/quantarc/riskd/pkg/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("risk engine starting",
		zap.Duration("cycle_interval", cfg.Engine.CycleInterval),
		zap.String("reference_symbol", cfg.Engine.ReferenceSymbol),
	)

	registry, err := config.LoadStrategies(cfg.Engine.StrategiesFile)
	if err != nil {
		return fmt.Errorf("failed to load strategies: %w", err)
	}
	logger.Info("strategy registry loaded",
		zap.Int("strategies", len(registry.Strategies)),
		zap.Int("tiered_symbols", len(registry.AssetTiers)),
	)

	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Domain state
	classifier := regime.NewClassifier(&cfg.Regime)
	volAdapter := volatility.NewAdapter(cfg.Regime.VolatilityLookback)

	marketRepo := market.NewRepository(db.DB(), cfg.Engine.StalenessThreshold)
	tracker := correlation.NewTracker(marketRepo, cfg.Engine.CorrelationWindow, cfg.Engine.CorrelationTimeout)
	gate := correlation.NewGate(tracker)

	positionsRepo := positions.NewRepository(db.DB())
	auditRepo := audit.NewRepository(db.DB())
	riskRepo := risk.NewRepository(db.DB())
	signalsRepo := signals.NewRepository(db.DB())

	auditor, chWriter := initAuditor(cfg, auditRepo)
	if chWriter != nil {
		defer chWriter.Close()
	}

	alerter, bot := initTelegram(cfg)

	router := engine.NewRouter(engine.Deps{
		Registry:    registry,
		Risk:        risk.NewEngine(registry, cfg.Engine.StalenessThreshold),
		Gate:        gate,
		Regime:      classifier,
		Volatility:  volAdapter,
		Correlation: tracker,
		Market:      marketRepo,
		Executor:    execution.NewPaperExecutor(marketRepo),
		Positions:   positionsRepo,
		Auditor:     auditor,
		Alerter:     alerter,
		Signals:     signalsRepo,
		RiskRepo:    riskRepo,
		Staleness:   cfg.Engine.StalenessThreshold,
	})

	leader, err := initLeaderLock(ctx, cfg)
	if err != nil {
		return err
	}
	if leader != nil {
		defer leader.Release(context.Background())
	}

	// Background workers
	group := worker.NewWorkerGroup(ctx)
	group.Add(workers.NewRegimeWorker(classifier, volAdapter, marketRepo, &cfg.Regime, cfg.Engine.ReferenceSymbol), cfg.Engine.RegimeInterval)
	group.Add(workers.NewCorrelationWorker(tracker, trackedSymbols(registry, cfg.Engine.ReferenceSymbol)), cfg.Engine.CorrelationInterval)
	group.Add(newCycleWorker(router, leader), cfg.Engine.CycleInterval)
	group.Start()

	healthServer := health.NewServer(cfg.Engine.HealthPort, db, router)
	go func() {
		if err := healthServer.Start(); err != nil {
			logger.Error("health server failed", zap.Error(err))
		}
	}()
	healthServer.SetReady(true)

	if bot != nil {
		bot.SetCommandHandler(&commandHandler{
			router:     router,
			classifier: classifier,
			volatility: volAdapter,
			positions:  positionsRepo,
		})
		go func() {
			if err := bot.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram bot failed", zap.Error(err))
			}
		}()
	}

	logger.Info("risk engine running")
	<-ctx.Done()

	logger.Info("shutting down...")
	healthServer.SetReady(false)
	group.Stop(30 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.Stop(shutdownCtx); err != nil {
		logger.Warn("health server shutdown failed", zap.Error(err))
	}

	logger.Info("risk engine stopped")
	return nil
}

// initDatabase initializes database connection and runs migrations
func initDatabase(cfg *config.Config) (*database.DB, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(db.Conn(), cfg.Database.MigrationsPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// initAuditor wires the Postgres audit trail, optionally fanned out to the
// ClickHouse metrics sink.
func initAuditor(cfg *config.Config, auditRepo *audit.Repository) (engine.Auditor, *clickhouse.BatchWriter) {
	if !cfg.ClickHouse.Enabled {
		return auditRepo, nil
	}

	chDB, err := database.NewClickHouse(cfg.ClickHouse.DSN)
	if err != nil {
		logger.Warn("ClickHouse not available, recording decisions to Postgres only", zap.Error(err))
		return auditRepo, nil
	}

	writer := clickhouse.NewBatchWriter(clickhouse.NewRepository(chDB.DB()), 500, 10*time.Second)
	logger.Info("decision metrics sink enabled")
	return &fanoutAuditor{recorders: []engine.Auditor{auditRepo, writer}}, writer
}

// initTelegram wires the alert notifier and operator command bot.
func initTelegram(cfg *config.Config) (engine.Alerter, *telegram.Bot) {
	if !cfg.Telegram.Enabled {
		return nil, nil
	}

	notifier, err := telegram.NewNotifier(&cfg.Telegram)
	if err != nil {
		logger.Warn("telegram notifier unavailable, alerts will only be logged", zap.Error(err))
		return nil, nil
	}

	bot, err := telegram.NewBot(&cfg.Telegram)
	if err != nil {
		logger.Warn("telegram bot unavailable, operator overrides disabled", zap.Error(err))
		return notifier, nil
	}

	return notifier, bot
}

// initLeaderLock wires the optional cycle leader election.
func initLeaderLock(ctx context.Context, cfg *config.Config) (*redisAdapter.LeaderLock, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}

	ttl := 2 * cfg.Engine.CycleInterval
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}

	leader, err := redisAdapter.NewLeaderLock(ctx, cfg.Redis.Addrs, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to init leader lock: %w", err)
	}
	return leader, nil
}

// newCycleWorker adapts the nil-ness of the optional leader lock to the
// worker's interface.
func newCycleWorker(router *engine.Router, leader *redisAdapter.LeaderLock) *workers.CycleWorker {
	if leader == nil {
		return workers.NewCycleWorker(router, nil)
	}
	return workers.NewCycleWorker(router, leader)
}

// trackedSymbols is the correlation universe: every tiered symbol plus the
// reference symbol.
func trackedSymbols(registry *config.StrategyRegistry, reference string) []string {
	seen := map[string]bool{reference: true}
	symbols := []string{reference}
	for symbol := range registry.AssetTiers {
		if !seen[symbol] {
			seen[symbol] = true
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// fanoutAuditor records each decision to every sink. The first error is
// returned so the router logs it, but every sink still sees the decision.
type fanoutAuditor struct {
	recorders []engine.Auditor
}

func (f *fanoutAuditor) Record(ctx context.Context, cycleID uuid.UUID, d models.Decision) error {
	var firstErr error
	for _, rec := range f.recorders {
		if err := rec.Record(ctx, cycleID, d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// commandHandler implements the operator override commands.
type commandHandler struct {
	router     *engine.Router
	classifier *regime.Classifier
	volatility *volatility.Adapter
	positions  *positions.Repository
}

func (h *commandHandler) HandleStatus(ctx context.Context) (string, error) {
	open, err := h.positions.Open(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*Regime:* %s\n", h.classifier.State())
	fmt.Fprintf(&b, "*Volatility:* %s\n", h.volatility.State())
	fmt.Fprintf(&b, "*Open positions:* %d\n\n", len(open))

	statuses := h.router.BreakerStatuses()
	if len(statuses) == 0 {
		b.WriteString("No breakers instantiated yet")
	}
	for _, s := range statuses {
		fmt.Fprintf(&b, "`%s`: %s (%d consecutive errors)\n", s.StrategyID, s.State, s.ConsecutiveErrors)
	}
	return b.String(), nil
}

func (h *commandHandler) HandleResetBreaker(_ context.Context, strategyID string) (string, error) {
	h.router.ResetBreaker(strategyID)
	return fmt.Sprintf("Breaker for `%s` reset", strategyID), nil
}

func (h *commandHandler) HandleReinitialize(_ context.Context) (string, error) {
	h.classifier.Reinitialize()
	h.volatility.Reinitialize()
	return "Regime and volatility state reinitialized; fresh classification on next pass", nil
}
