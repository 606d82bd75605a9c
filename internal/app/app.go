// Package app assembles the research service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	redisv9 "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/artifacts"
	"github.com/Kocoro-lab/research-copilot/internal/auth"
	"github.com/Kocoro-lab/research-copilot/internal/circuitbreaker"
	"github.com/Kocoro-lab/research-copilot/internal/config"
	"github.com/Kocoro-lab/research-copilot/internal/embeddings"
	"github.com/Kocoro-lab/research-copilot/internal/health"
	"github.com/Kocoro-lab/research-copilot/internal/httpapi"
	"github.com/Kocoro-lab/research-copilot/internal/llm"
	"github.com/Kocoro-lab/research-copilot/internal/policy"
	"github.com/Kocoro-lab/research-copilot/internal/ratecontrol"
	"github.com/Kocoro-lab/research-copilot/internal/research"
	"github.com/Kocoro-lab/research-copilot/internal/retrieval"
	"github.com/Kocoro-lab/research-copilot/internal/server"
	"github.com/Kocoro-lab/research-copilot/internal/session"
	"github.com/Kocoro-lab/research-copilot/internal/streaming"
	"github.com/Kocoro-lab/research-copilot/internal/tracing"
)

// App owns every long-lived component of the service.
type App struct {
	Service  *server.Service
	Sessions *session.Manager
	Buses    *streaming.Manager
	Health   *health.Manager
	Handler  http.Handler

	policy  *policy.OPAEngine
	logger  *zap.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
	closers []func() error
}

// New builds the service graph. Optional backends that cannot be reached are
// logged and left out; the databases are required.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Health: health.NewManager(logger),
		logger: logger,
		stop:   make(chan struct{}),
	}
	if err := a.build(ctx, cfg); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	logger := a.logger

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	} else {
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdownTracing(ctx)
		})
	}
	circuitbreaker.StartMetricsCollection(a.stop)

	// Session table, mirrored to Redis when configured.
	var mirror *circuitbreaker.RedisWrapper
	if cfg.Session.RedisAddr != "" {
		mirror, err = session.NewRedisMirror(ctx, cfg.Session.RedisAddr, cfg.Session.RedisPassword, logger)
		if err != nil {
			logger.Warn("Session mirror unavailable, keeping sessions in memory only", zap.Error(err))
			mirror = nil
		} else {
			_ = a.Health.RegisterChecker(health.NewRedisHealthChecker(mirror))
		}
	}
	a.Sessions = session.NewManager(sessionConfig(cfg), mirror, logger)
	a.closers = append(a.closers, a.Sessions.Close)
	a.Buses = streaming.NewManager(busConfig(cfg), logger)

	// Artifact store.
	artifactDB, err := openDB(ctx, cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("artifact database: %w", err)
	}
	store := artifacts.NewStore(artifactDB, cfg.Session.ArtifactTTL, logger)
	a.closers = append(a.closers, store.Close)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	_ = a.Health.RegisterChecker(health.NewDatabaseHealthChecker(store))

	// LLM providers behind circuit breakers and the rate pacer.
	adapter, err := a.buildLLM(cfg)
	if err != nil {
		return err
	}

	// Retrieval sources.
	coordinator, err := a.buildRetrieval(ctx, cfg, mirror)
	if err != nil {
		return err
	}

	// Admission policy.
	a.policy, err = policy.NewOPAEngine(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	var svc *server.Service
	pipeline := research.NewPipeline(adapter, coordinator, logger,
		research.WithArtifacts(store, func(ref string) string { return svc.DownloadURL(ref) }))
	engine, err := research.NewEngine(pipeline.Stages(), logger)
	if err != nil {
		return err
	}
	svc = server.NewService(engine, a.Sessions, a.Buses, store, a.policy, serviceOptions(cfg), logger)
	a.Service = svc

	a.Handler = httpapi.NewRouter(svc, auth.NewMiddleware(cfg.Auth, logger), a.Health, logger)
	return nil
}

func (a *App) buildLLM(cfg *config.Config) (*llm.Adapter, error) {
	limits, err := ratecontrol.Load(cfg.LLM.RateLimitsPath, a.logger)
	if err != nil {
		return nil, err
	}
	groq := llm.NewGroq(llm.GroqConfig{
		APIKey:  cfg.LLM.Groq.APIKey,
		BaseURL: cfg.LLM.Groq.BaseURL,
		Model:   cfg.LLM.Groq.Model,
	}, circuitbreaker.NewHTTPClient(nil, "groq", "llm", a.logger))
	ollama := llm.NewOllama(llm.OllamaConfig{
		BaseURL: cfg.LLM.Ollama.BaseURL,
		Model:   cfg.LLM.Ollama.Model,
	}, circuitbreaker.NewHTTPClient(&http.Client{Timeout: 5 * time.Minute}, "ollama", "llm", a.logger))

	for _, p := range []llm.Provider{groq, ollama} {
		_ = a.Health.RegisterChecker(health.NewLLMProviderHealthChecker(p.Name(), p))
	}
	return llm.NewAdapter(llm.AdapterConfig{
		Primary:     cfg.LLM.Primary,
		Fallback:    cfg.LLM.Fallback,
		CallTimeout: cfg.Research.CallTimeout,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, ratecontrol.NewPacer(limits), a.logger, groq, ollama)
}

func (a *App) buildRetrieval(ctx context.Context, cfg *config.Config, mirror *circuitbreaker.RedisWrapper) (*retrieval.Coordinator, error) {
	logger := a.logger
	rc := cfg.Retrieval

	graphDB, err := openDB(ctx, rc.Graph)
	if err != nil {
		return nil, fmt.Errorf("graph database: %w", err)
	}
	a.closers = append(a.closers, graphDB.Close)
	graph := retrieval.NewGraphStore(graphDB, logger)
	if err := graph.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	_ = a.Health.RegisterChecker(health.NewCustomHealthChecker("graph", false, 3*time.Second, graph.Ping))

	opts := []retrieval.Option{
		retrieval.WithSource(graph),
		retrieval.WithMinGraphResults(cfg.Research.MinGraphResults),
	}
	// Without keys these sources fail every fetch and the failure is recorded as a gap.
	if rc.Tavily.APIKey == "" {
		logger.Warn("Web search has no Tavily API key; its fetches will be recorded as gaps")
	}
	if rc.AlphaVantage.APIKey == "" {
		logger.Warn("Financial data has no Alpha Vantage API key; its fetches will be recorded as gaps")
	}
	opts = append(opts,
		retrieval.WithSource(retrieval.NewWebSearch(retrieval.WebConfig{
			APIKey:     rc.Tavily.APIKey,
			BaseURL:    rc.Tavily.BaseURL,
			MaxResults: rc.Tavily.MaxResults,
		}, circuitbreaker.NewHTTPClient(nil, "tavily", "retrieval", logger), logger)),
		retrieval.WithSource(retrieval.NewFinancialData(retrieval.FinancialConfig{
			APIKey:            rc.AlphaVantage.APIKey,
			BaseURL:           rc.AlphaVantage.BaseURL,
			RequestsPerMinute: rc.AlphaVantage.RequestsPerMinute,
		}, circuitbreaker.NewHTTPClient(nil, "alphavantage", "retrieval", logger), logger)),
	)
	if rc.Vector.QdrantURL != "" {
		var shared embeddings.Cache
		if mirror != nil {
			shared = embeddings.NewRedisCache(mirror)
		}
		embedder := embeddings.NewService(embeddings.Config{
			BaseURL: cfg.LLM.Ollama.BaseURL,
			Model:   rc.Vector.EmbedModel,
		}, circuitbreaker.NewHTTPClient(nil, "embeddings", "retrieval", logger), shared, logger)
		opts = append(opts, retrieval.WithSource(retrieval.NewVectorSearch(retrieval.VectorConfig{
			QdrantURL:  rc.Vector.QdrantURL,
			Collection: rc.Vector.Collection,
			TopK:       rc.Vector.TopK,
		}, embedder, circuitbreaker.NewHTTPClient(nil, "qdrant", "retrieval", logger), logger)))
	}
	if rc.Cache.RedisAddr != "" {
		client := redisv9.NewClient(&redisv9.Options{
			Addr:        rc.Cache.RedisAddr,
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
		})
		a.closers = append(a.closers, client.Close)
		opts = append(opts, retrieval.WithCache(retrieval.NewRedisCache(client, logger), rc.Cache.TTL))
	}
	return retrieval.NewCoordinator(logger, opts...), nil
}

// Watch applies reloaded configuration to new sessions and reloads policies
// when .rego files change. Running sessions keep the settings they started
// with.
func (a *App) Watch(m *config.Manager) {
	m.RegisterHandler(func(old, updated *config.Config) error {
		a.Service.Configure(serviceOptions(updated))
		a.Sessions.Configure(sessionConfig(updated))
		a.Buses.Configure(busConfig(updated))
		if old.Policy != updated.Policy {
			a.logger.Warn("Policy settings changed; restart to apply enablement or path changes",
				zap.Bool("enabled", updated.Policy.Enabled),
				zap.String("path", updated.Policy.Path),
			)
		}
		return nil
	})
	m.RegisterPolicyHandler(a.policy.LoadPolicies)
}

// Start runs the background sweepers until ctx ends.
func (a *App) Start(ctx context.Context) {
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Sessions.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.Service.Run(ctx)
	}()
}

// Shutdown drains running sessions, then releases every resource. Start's
// context must already be cancelled or be cancelled by the caller.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Service != nil {
		if err := a.Service.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain sessions: %w", err))
		}
	}
	a.wg.Wait()
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() error {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite3" {
		// SQLite serializes writers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	return db, nil
}

func serviceOptions(cfg *config.Config) server.Options {
	return server.Options{
		Defaults: research.Settings{
			Threshold:     cfg.Research.QualityThreshold,
			MaxIterations: cfg.Research.MaxIterations,
			Provider:      cfg.LLM.Primary,
			CallTimeout:   cfg.Research.CallTimeout,
		},
		PublicBaseURL: cfg.Server.PublicBaseURL,
		ArtifactSweep: cfg.Session.SweepInterval,
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		TTL:           cfg.Session.TTL,
		ArtifactTTL:   cfg.Session.ArtifactTTL,
		SweepInterval: cfg.Session.SweepInterval,
		MaxSessions:   cfg.Session.MaxSessions,
	}
}

func busConfig(cfg *config.Config) streaming.Config {
	return streaming.Config{
		Buffer:         cfg.Research.EventBuffer,
		PublishTimeout: cfg.Research.PublishTimeout,
	}
}
