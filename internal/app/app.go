// Package app wires the pipeline components shared by the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ledgersync/internal/classifier"
	"github.com/example/ledgersync/internal/config"
	"github.com/example/ledgersync/internal/ingest"
	"github.com/example/ledgersync/internal/ledger"
	"github.com/example/ledgersync/internal/provider"
	"github.com/example/ledgersync/internal/reconcile"
	"github.com/example/ledgersync/internal/review"
	"github.com/example/ledgersync/internal/store"
	"github.com/example/ledgersync/internal/store/postgres"
	"github.com/example/ledgersync/internal/store/sqlite"
	"github.com/example/ledgersync/internal/syncer"
	"github.com/example/ledgersync/pkg/audit"
)

const (
	auditRetain = 1000
	rateTTL     = time.Hour
)

// App holds one wired pipeline over a single store.
type App struct {
	Store        store.Store
	Audit        *audit.ChainLogger
	Provider     *provider.Client
	Rates        reconcile.RateSource
	Reconciler   *reconcile.Reconciler
	Review       *review.Service
	Classifier   *classifier.Classifier
	Processor    *ingest.Processor
	Orchestrator *syncer.Orchestrator
}

// OpenStore picks the backend from the DATABASE_URL scheme and applies the
// schema.
func OpenStore(ctx context.Context, databaseURL string) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	cfg := config.Config{DatabaseURL: databaseURL}
	if path, ok := cfg.SQLitePath(); ok {
		s, err = sqlite.Open(path)
	} else {
		s, err = postgres.Open(ctx, databaseURL)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// New builds every component from cfg. The caller owns a.Store and closes
// it through Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := OpenStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a, err := Assemble(s, cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	return a, nil
}

// Assemble wires the components around an already open store.
func Assemble(s store.Store, cfg *config.Config, logger *slog.Logger) (*App, error) {
	rules := classifier.Rules{}
	if cfg.ClassifierRulesPath != "" {
		var err error
		if rules, err = classifier.LoadRules(cfg.ClassifierRulesPath); err != nil {
			return nil, err
		}
	}
	cls, err := classifier.New(rules, cfg.Confidence)
	if err != nil {
		return nil, fmt.Errorf("build classifier: %w", err)
	}

	static, err := cfg.StaticRates()
	if err != nil {
		return nil, err
	}

	client := provider.NewClient(provider.Config{
		BaseURL:   cfg.ProviderBaseURL,
		Token:     cfg.ProviderAPIToken,
		ProfileID: cfg.ProviderProfileID,
		Timeout:   cfg.ProviderTimeout,
	}, logger.With("component", "provider"))

	var rates reconcile.RateSource = static
	if cfg.ProviderAPIToken != "" {
		rates = reconcile.Chain{reconcile.NewProviderRates(client, rateTTL), static}
	}

	chain := audit.NewChainLogger(logger, auditRetain)
	rec := reconcile.NewReconciler(s, rates, client, logger.With("component", "reconcile"))
	svc := review.NewService(s, ledger.NewMaterializer(s, logger), rec, cfg.Confidence, chain, logger.With("component", "review"))
	proc := ingest.NewProcessor(s, cls, svc, logger.With("component", "ingest"))
	orch := syncer.New(client, proc, s, syncer.Config{
		FullSince:       cfg.SyncFullSince,
		WindowDays:      cfg.SyncWindowDays,
		IncrementalDays: cfg.SyncIncrementalDays,
		Concurrency:     cfg.SyncConcurrency,
	}, logger.With("component", "sync"))

	return &App{
		Store:        s,
		Audit:        chain,
		Provider:     client,
		Rates:        rates,
		Reconciler:   rec,
		Review:       svc,
		Classifier:   cls,
		Processor:    proc,
		Orchestrator: orch,
	}, nil
}

// ProcessEvent runs one stored event through the pipeline synchronously.
func (a *App) ProcessEvent(ctx context.Context, eventID string) error {
	_, err := a.Processor.ProcessStored(ctx, eventID)
	return err
}

// ReplayStale processes, inline, every event left unprocessed for longer
// than after.
func (a *App) ReplayStale(ctx context.Context, after time.Duration, logger *slog.Logger) (int, error) {
	return ingest.NewReplayer(a.Store, ingest.Handler(a.ProcessEvent), after, logger).RunOnce(ctx)
}

func (a *App) Close() {
	a.Store.Close()
}
