package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/casegate/pkg/cascade"
	"github.com/Mindburn-Labs/casegate/pkg/classifier"
	"github.com/Mindburn-Labs/casegate/pkg/config"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/database"
	"github.com/Mindburn-Labs/casegate/pkg/escalation"
	"github.com/Mindburn-Labs/casegate/pkg/feedback"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
	"github.com/Mindburn-Labs/casegate/pkg/observability"
	"github.com/Mindburn-Labs/casegate/pkg/patterns"
	"github.com/Mindburn-Labs/casegate/pkg/pipeline"
	"github.com/Mindburn-Labs/casegate/pkg/policy"
	"github.com/Mindburn-Labs/casegate/pkg/resolution"
	"github.com/Mindburn-Labs/casegate/pkg/router"
	"github.com/Mindburn-Labs/casegate/pkg/store"
	"github.com/Mindburn-Labs/casegate/pkg/writeback"
)

// idempotencyTTL bounds how long a finalize receipt is remembered in Redis.
const idempotencyTTL = 30 * 24 * time.Hour

// app is one process worth of wiring. close releases everything opened.
type app struct {
	cfg     *config.Config
	profile *config.Profile
	logger  *slog.Logger

	db      *sql.DB
	cases   *store.SQLCaseStore
	runs    *store.RunStore
	ledger  *ledger.Ledger
	loop    *feedback.Loop
	router  *router.Router
	tel     *observability.Provider
	auth    *escalation.ReviewerAuth
	closers []func() error
}

// openLedger opens the persisted ledger only. verify, export and review
// list need nothing else.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if cfg.DatabaseDriver == database.DialectSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabaseURL), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	sink := ledger.NewSQLSink(db, cfg.DatabaseDriver)
	if err := sink.Init(ctx); err != nil {
		a.close()
		return nil, err
	}
	l, err := ledger.Open(ctx, sink, ledger.WithLogger(logger))
	if l == nil {
		a.close()
		return nil, err
	}
	a.ledger = l
	// An integrity failure still returns a sealed, readable ledger.
	return a, err
}

// openPipeline wires the full pipeline on top of openLedger.
func openPipeline(ctx context.Context, cfg *config.Config, profile *config.Profile, logger *slog.Logger) (*app, error) {
	a, err := openLedger(ctx, cfg, logger)
	if err != nil {
		if a != nil {
			a.close()
		}
		return nil, err
	}
	a.profile = profile
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, profile := a.cfg, a.profile

	a.cases = store.NewSQLCaseStore(a.db, cfg.DatabaseDriver)
	if err := a.cases.Migrate(ctx); err != nil {
		return err
	}
	a.runs = store.NewRunStore()

	tel, err := observability.New(ctx, &observability.Config{
		ServiceName:    "casegate",
		ServiceVersion: version,
		Environment:    string(cfg.Mode),
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	a.tel = tel
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(ctx)
	})

	persister, err := patterns.OpenBadger(cfg.PatternDBDir, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, persister.Close)
	ps, err := patterns.Open(ctx, persister)
	if err != nil {
		return err
	}
	a.loop = feedback.NewLoop(ps)

	locales := profile.RequiredLocales()
	wopts := []writeback.Option{
		writeback.WithFeedback(a.loop),
		writeback.WithLocales(locales...),
		writeback.WithAttemptHook(tel.RecordWritebackAttempt),
	}
	if cfg.WritebackRate > 0 {
		wopts = append(wopts, writeback.WithRateLimit(cfg.WritebackRate, 1))
	}
	if cfg.RedisAddr != "" {
		client := writeback.DialRedis(cfg.RedisAddr, cfg.RedisPassword, 0)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, client.Close)
		wopts = append(wopts, writeback.WithIdempotency(writeback.NewRedisIdempotency(client, idempotencyTTL)))
	}

	gateOpts, err := profile.GateOptions()
	if err != nil {
		return err
	}
	reg := pipeline.NewRegistry(
		pipeline.NewClassifyStage(classifier.NewKeywordClassifier(profile.ClassifierRules()), a.cases),
		pipeline.NewMatchStage(patterns.NewMatcher(ps, profile.MatcherOptions()...), a.loop),
		pipeline.NewGateStage(policy.NewGate(gateOpts...)),
		pipeline.NewResolveStage(resolution.NewBuilder(resolution.NewTemplateComposer(), resolution.WithLocales(locales...))),
		pipeline.NewWritebackStage(writeback.NewWriter(a.cases, wopts...)),
		pipeline.NewCascadeStage(cascade.NewResolver(a.cases)),
		pipeline.NewClosureStage(),
	)

	ropts := []router.Option{
		router.WithMode(cfg.Mode),
		router.WithWorkers(cfg.Workers),
		router.WithExecutor(pipeline.NewExecutor(pipeline.WithStageTimeout(cfg.StageTimeout), pipeline.WithTelemetry(tel))),
		router.WithFeedback(a.loop),
		router.WithTelemetry(tel),
		router.WithLogger(a.logger.With("component", "router")),
	}
	if cfg.ReviewerSecret != "" {
		auth, err := escalation.NewReviewerAuth([]byte(cfg.ReviewerSecret))
		if err != nil {
			return err
		}
		a.auth = auth
		ropts = append(ropts, router.WithReviewerAuth(auth))
	}
	r, err := router.New(a.cases, a.runs, a.ledger, reg, ropts...)
	if err != nil {
		return err
	}
	r.Start()
	a.router = r
	a.closers = append(a.closers, func() error { r.Close(); return nil })
	return nil
}

// seedPatterns creates patterns from a JSON array file. Patterns already
// known by id are skipped.
func (a *app) seedPatterns(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed: %w", err)
	}
	var seed []contracts.Pattern
	if err := json.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse seed %s: %w", path, err)
	}
	n := 0
	for _, p := range seed {
		if p.PatternID != "" {
			if _, err := a.loop.Store().Get(p.PatternID); err == nil {
				continue
			}
		}
		if _, err := a.loop.Create(ctx, p); err != nil {
			return n, fmt.Errorf("seed pattern %s: %w", p.PatternID, err)
		}
		n++
	}
	return n, nil
}

// close runs closers in reverse order.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
