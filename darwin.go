// Package darwin is the public API for embedding the Darwin agent-pool server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := darwin.New(
//	    darwin.WithVersion(version),
//	    darwin.WithLogger(logger),
//	    darwin.WithClassifier(myClassifier{}),
//	    darwin.WithEventHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: darwin (root) imports
// internal/*, but internal/* never imports darwin (root). Public types are
// standalone structs; the converters live here because this is the only file
// that sees both sides of the boundary.
package darwin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/darwin/api"
	"github.com/ashita-ai/darwin/internal/auth"
	"github.com/ashita-ai/darwin/internal/config"
	"github.com/ashita-ai/darwin/internal/mcp"
	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/queue"
	"github.com/ashita-ai/darwin/internal/ratelimit"
	"github.com/ashita-ai/darwin/internal/server"
	"github.com/ashita-ai/darwin/internal/service/assign"
	"github.com/ashita-ai/darwin/internal/service/evaluation"
	"github.com/ashita-ai/darwin/internal/service/lifecycle"
	"github.com/ashita-ai/darwin/internal/storage"
	"github.com/ashita-ai/darwin/internal/storage/sqlite"
	"github.com/ashita-ai/darwin/internal/telemetry"
	"github.com/ashita-ai/darwin/migrations"
)

const (
	shutdownHTTPTimeout  = 15 * time.Second
	shutdownQueueTimeout = 10 * time.Second
)

// App is the Darwin server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	reg          storage.Registry
	closeReg     func(context.Context)
	engine       *lifecycle.Engine
	coordinator  *assign.Coordinator
	scheduler    *evaluation.Scheduler
	broker       *server.Broker
	inline       *queue.Inline // lite mode
	river        *queue.River  // postgres mode
	riverStarted bool
	jwtMgr       *auth.JWTManager
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown func(context.Context) error
	stopGauge    func() error
	logger       *slog.Logger
	version      string
}

// New initialises the Darwin server. It opens the registry (Postgres when
// DATABASE_URL is set, SQLite otherwise), runs migrations, wires all
// subsystems, and returns a ready-to-run App. It does NOT start any
// goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	mode := "postgres"
	if cfg.Lite() {
		mode = "sqlite"
	}
	logger.Info("darwin starting", "version", version, "port", cfg.Port, "storage", mode)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}
	fail := func(err error) (*App, error) {
		app.closeResources(context.Background())
		return nil, err
	}

	var db *storage.DB
	if cfg.Lite() {
		store, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return fail(fmt.Errorf("sqlite: %w", err))
		}
		app.reg = store
		app.closeReg = func(context.Context) { _ = store.Close() }
	} else {
		db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		app.reg = db
		app.closeReg = db.Close
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fail(fmt.Errorf("migrations: %w", err))
		}
		if err := queue.Migrate(ctx, db.Pool()); err != nil {
			return fail(fmt.Errorf("queue migrations: %w", err))
		}
	}

	app.engine = lifecycle.NewEngine(app.reg, cfg.Policy, logger)

	if app.stopGauge, err = telemetry.RegisterPoolGauge(app.poolCounts); err != nil {
		logger.Warn("pool gauge disabled", "error", err)
	}

	// A nil *storage.DB must not reach the broker as a non-nil Notifier.
	var notifier server.Notifier
	if db != nil && db.HasNotifyConn() {
		notifier = db
	} else {
		logger.Info("event broker: in-process only (no notify connection)")
	}
	app.broker = server.NewBroker(notifier, logger)

	hooks := make([]EventHook, len(o.eventHooks))
	copy(hooks, o.eventHooks)
	publisher := &fanoutPublisher{broker: app.broker, hooks: hooks, logger: logger}

	coordOpts := []assign.Option{
		assign.WithPublisher(publisher),
		assign.WithMinConfidence(cfg.ClassifierMinConfidence),
		assign.WithSpecializationFallback(cfg.SpecializationFallback),
	}
	if o.classifier != nil {
		coordOpts = append(coordOpts, assign.WithClassifier(&classifierAdapter{c: o.classifier}))
	}
	app.coordinator = assign.New(app.reg, logger, coordOpts...)

	var source evaluation.MetricsSource = evaluation.NewRegistrySource(app.reg)
	if o.metricsSource != nil {
		source = &metricsSourceAdapter{s: o.metricsSource}
	}
	app.scheduler, err = evaluation.New(app.reg, app.engine, source, cfg.Weights, logger,
		evaluation.WithPublisher(publisher))
	if err != nil {
		return fail(fmt.Errorf("evaluation: %w", err))
	}

	var dispatcher queue.Dispatcher
	if cfg.Lite() {
		app.inline = queue.NewInline(app.coordinator, logger)
		dispatcher = app.inline
	} else {
		app.river, err = queue.NewRiver(db.Pool(), app.coordinator, app.scheduler, queue.RiverConfig{
			AssignWorkers:      cfg.AssignWorkers,
			EvaluationInterval: cfg.EvaluationInterval,
			SweepInterval:      cfg.SweepInterval,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("queue: %w", err))
		}
		dispatcher = app.river
	}

	app.jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	if cfg.RateLimitEnabled {
		app.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		app.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(app.reg, cfg.Policy, logger, version)

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	app.srv = server.New(server.ServerConfig{
		HandlersDeps: server.HandlersDeps{
			Registry:            app.reg,
			Engine:              app.engine,
			Coordinator:         app.coordinator,
			Scheduler:           app.scheduler,
			Dispatcher:          dispatcher,
			Broker:              app.broker,
			Logger:              logger,
			StorageMode:         mode,
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
			OpenAPISpec:         api.OpenAPISpec,
		},
		JWTMgr:             app.jwtMgr,
		Limiter:            app.limiter,
		MCPServer:          mcpSrv.MCPServer(),
		Middlewares:        middlewares,
		Port:               cfg.Port,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	return app, nil
}

// Handler returns the root HTTP handler. Useful for httptest servers.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run starts the event broker, the assignment queue, the periodic sweep and
// evaluation loops, and the HTTP server, then blocks until ctx is cancelled
// or a fatal error occurs. On return every resource is released; callers
// should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.river != nil {
		// River stops on its own when its start context is cancelled; the
		// queue is stopped explicitly below so in-flight jobs can finish.
		if err := a.river.Start(context.WithoutCancel(ctx)); err != nil {
			a.closeResources(context.Background())
			return fmt.Errorf("queue start: %w", err)
		}
		a.riverStarted = true
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.broker.Start(gctx)
		return nil
	})

	if a.inline != nil {
		g.Go(func() error {
			return ignoreCanceled(a.inline.RunSweeps(gctx, a.cfg.SweepInterval))
		})
		g.Go(func() error {
			return ignoreCanceled(a.scheduler.Run(gctx, a.cfg.EvaluationInterval))
		})
	}

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	// The HTTP server only returns once it is shut down.
	g.Go(func() error {
		<-gctx.Done()
		a.drainHTTP(context.Background())
		return nil
	})

	err := g.Wait()
	a.closeResources(context.Background())
	a.logger.Info("darwin stopped")
	return err
}

// Shutdown drains in-flight HTTP requests, stops the job queue, then closes
// the limiter, the registry and the OTEL providers. Only needed by callers
// that serve Handler() themselves instead of calling Run.
func (a *App) Shutdown(ctx context.Context) error {
	a.drainHTTP(ctx)
	a.closeResources(ctx)
	a.logger.Info("darwin stopped")
	return nil
}

func (a *App) drainHTTP(ctx context.Context) {
	a.logger.Info("darwin shutting down")
	httpCtx, cancel := contextWithOptionalTimeout(ctx, shutdownHTTPTimeout)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
}

// Close releases the registry and telemetry without touching the HTTP
// server. Use it after one-shot commands (RunCycle, Sweep) on an App that
// was never Run.
func (a *App) Close(ctx context.Context) {
	a.closeResources(ctx)
}

// poolCounts reports agents per status for the pool gauge.
func (a *App) poolCounts(ctx context.Context) (map[string]int64, error) {
	agents, err := a.reg.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, 5)
	for _, ag := range agents {
		counts[string(ag.Status)]++
	}
	return counts, nil
}

func (a *App) closeResources(ctx context.Context) {
	if a.river != nil && a.riverStarted {
		qCtx, cancel := contextWithOptionalTimeout(ctx, shutdownQueueTimeout)
		if err := a.river.Stop(qCtx); err != nil {
			a.logger.Warn("queue stop incomplete", "error", err)
		}
		cancel()
		a.riverStarted = false
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.stopGauge != nil {
		_ = a.stopGauge()
		a.stopGauge = nil
	}
	if a.closeReg != nil {
		a.closeReg(context.Background())
		a.closeReg = nil
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
		a.otelShutdown = nil
	}
}

// RunCycle runs one evaluation cycle immediately.
func (a *App) RunCycle(ctx context.Context) (CycleSummary, error) {
	cycle, err := a.scheduler.RunCycle(ctx)
	if err != nil {
		return CycleSummary{}, err
	}
	return toPublicCycle(cycle), nil
}

// Sweep retries every open work item and returns how many were assigned.
func (a *App) Sweep(ctx context.Context) (int, error) {
	results, err := a.coordinator.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range results {
		if r.Outcome == assign.OutcomeAssigned {
			n++
		}
	}
	return n, nil
}

// IssueToken signs a bearer token for principal with the App's key pair.
func (a *App) IssueToken(principal string, role Role, ttl time.Duration) (string, time.Time, error) {
	r := model.Role(role)
	if !r.Valid() {
		return "", time.Time{}, fmt.Errorf("unknown role %q", role)
	}
	return a.jwtMgr.IssueToken(principal, r, ttl)
}

// EphemeralKeys reports whether the App signs tokens with a key pair
// generated at startup. Such tokens die with the process.
func (a *App) EphemeralKeys() bool {
	return a.cfg.JWTPrivateKeyPath == "" || a.cfg.JWTPublicKeyPath == ""
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// contextWithOptionalTimeout returns a context with the given timeout, or the
// parent context unchanged (with a no-op cancel) when timeout is zero.
func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// fanoutPublisher delivers assignments and cycles to the SSE broker and then
// to every registered EventHook. Hook failures are logged and swallowed.
type fanoutPublisher struct {
	broker *server.Broker
	hooks  []EventHook
	logger *slog.Logger
}

func (p *fanoutPublisher) PublishAssignment(ctx context.Context, a model.Assignment) error {
	err := p.broker.PublishAssignment(ctx, a)
	pub := toPublicAssignment(a)
	for _, h := range p.hooks {
		if hookErr := h.OnAssignment(ctx, pub); hookErr != nil {
			p.logger.Warn("event hook: assignment", "error", hookErr, "work_item_id", a.WorkItemID)
		}
	}
	return err
}

func (p *fanoutPublisher) PublishCycle(ctx context.Context, c model.EvaluationCycle) error {
	err := p.broker.PublishCycle(ctx, c)
	pub := toPublicCycle(c)
	for _, h := range p.hooks {
		if hookErr := h.OnCycle(ctx, pub); hookErr != nil {
			p.logger.Warn("event hook: cycle", "error", hookErr, "cycle_id", c.ID)
		}
	}
	return err
}

// classifierAdapter wraps a darwin.Classifier to satisfy assign.Classifier.
type classifierAdapter struct {
	c Classifier
}

func (a *classifierAdapter) SuggestSpecialization(ctx context.Context, item model.WorkItem) (string, float64, error) {
	return a.c.SuggestSpecialization(ctx, toPublicWorkItem(item))
}

// metricsSourceAdapter wraps a darwin.MetricsSource to satisfy evaluation.MetricsSource.
type metricsSourceAdapter struct {
	s MetricsSource
}

func (a *metricsSourceAdapter) Snapshot(ctx context.Context, id uuid.UUID) (model.MetricsSnapshot, bool, error) {
	snap, ok, err := a.s.Snapshot(ctx, id)
	if err != nil || !ok {
		return model.MetricsSnapshot{}, ok, err
	}
	return fromPublicSnapshot(snap), true, nil
}

// ── Type converters ────────────────────────────────────────────────────────────

func toPublicWorkItem(w model.WorkItem) WorkItem {
	return WorkItem{
		ID:                      w.ID,
		Title:                   w.Title,
		ExternalRef:             w.ExternalRef,
		CandidateSpecialization: w.CandidateSpecialization,
		SpawnRef:                w.SpawnTransactionRef,
	}
}

func toPublicAssignment(a model.Assignment) Assignment {
	return Assignment{WorkItemID: a.WorkItemID, AgentID: a.AgentID, AssignedAt: a.AssignedAt}
}

func toPublicCycle(c model.EvaluationCycle) CycleSummary {
	out := CycleSummary{
		ID:           c.ID,
		StartedAt:    c.StartedAt,
		FinishedAt:   c.FinishedAt,
		Evaluated:    len(c.Results),
		Promotions:   c.Promotions,
		Eliminations: c.Eliminations,
		Activations:  c.Activations,
		Deferred:     c.Deferred,
		Skipped:      c.Skipped,
	}
	if len(c.Errors) > 0 {
		out.Errors = make(map[uuid.UUID]string, len(c.Errors))
		for _, id := range c.Errors {
			out.Errors[id] = c.Results[id].Error
		}
	}
	return out
}

func fromPublicSnapshot(s MetricsSnapshot) model.MetricsSnapshot {
	return model.MetricsSnapshot{
		CodeQuality:     s.CodeQuality,
		IssueResolution: s.IssueResolution,
		PRSuccess:       s.PRSuccess,
		PeerReview:      s.PeerReview,
		Creativity:      s.Creativity,
		CollectedAt:     s.CollectedAt,
	}
}
