// Package gateway assembles the mapping store, the discovery engine and
// the runtime pipeline into a runnable API gateway.
package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PentesterFlow/OpenGateway/internal/cache"
	"github.com/PentesterFlow/OpenGateway/internal/discovery"
	"github.com/PentesterFlow/OpenGateway/internal/errors"
	pipeline "github.com/PentesterFlow/OpenGateway/internal/gateway"
	gwhttp "github.com/PentesterFlow/OpenGateway/internal/http"
	"github.com/PentesterFlow/OpenGateway/internal/logger"
	"github.com/PentesterFlow/OpenGateway/internal/mapping"
	"github.com/PentesterFlow/OpenGateway/internal/metrics"
	"github.com/PentesterFlow/OpenGateway/internal/ratelimit"
	"github.com/PentesterFlow/OpenGateway/internal/shutdown"
)

// Gateway is the main gateway orchestrator.
type Gateway struct {
	config  *Config
	logger  *logger.Logger
	metrics *metrics.Collector

	store     *mapping.Store
	ownsStore bool
	forwarder *gwhttp.Forwarder
	cache     *cache.Cache
	limiter   *ratelimit.Limiter
	engine    *discovery.Engine
	pipeline  *pipeline.Pipeline
	admin     *pipeline.Admin
	sweeper   *pipeline.Sweeper
	next      http.Handler
	handler   http.Handler

	running   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a gateway with the given options.
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{
		config: DefaultConfig(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	// Validate config
	if err := g.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if g.logger == nil {
		level, _ := logger.ParseLevel(g.config.Log.Level)
		g.logger = logger.New(logger.Config{
			Level:     level,
			Pretty:    g.config.Log.Pretty,
			Component: "gateway",
		})
	}
	if g.metrics == nil {
		g.metrics = metrics.New()
	}

	if err := g.initialize(); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// initialize builds every component from the configuration.
func (g *Gateway) initialize() error {
	cfg := g.config

	if g.store == nil {
		var backend mapping.Backend
		if cfg.Store.Path != "" {
			bolt, err := mapping.NewBoltBackend(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("failed to open mapping store: %w", err)
			}
			backend = bolt
		}
		store, err := mapping.NewStore(backend, g.logger)
		if err != nil {
			if backend != nil {
				backend.Close()
			}
			return fmt.Errorf("failed to load mappings: %w", err)
		}
		g.store = store
		g.ownsStore = true
	}

	if err := g.seed(); err != nil {
		return err
	}

	fwdCfg := gwhttp.ForwarderConfig{
		Timeout:             cfg.Forward.Timeout,
		MaxIdleConns:        cfg.Forward.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Forward.MaxIdleConnsPerHost,
		MaxBodyBytes:        cfg.Forward.MaxBodyBytes,
		SkipTLSVerify:       cfg.Forward.SkipTLSVerify,
		UserAgent:           gwhttp.DefaultForwarderConfig().UserAgent,
	}
	if cb := cfg.Forward.CircuitBreaker; cb.Enabled {
		fwdCfg.CircuitBreaker = &errors.CircuitBreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			Cooldown:         cb.Cooldown,
		}
	}
	g.forwarder = gwhttp.NewForwarder(fwdCfg)

	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(g.logger),
		pipeline.WithMetrics(g.metrics),
		pipeline.WithEnvironment(cfg.Environment),
		pipeline.WithClientHeader(cfg.RateLimit.ClientHeader),
		pipeline.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}
	if cfg.Cache.Enabled {
		g.cache = cache.New(cache.Config{TTL: cfg.Cache.TTL, MaxEntries: cfg.Cache.MaxEntries})
		pipeOpts = append(pipeOpts, pipeline.WithCache(g.cache))
	}
	if cfg.RateLimit.Enabled {
		g.limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		})
		pipeOpts = append(pipeOpts, pipeline.WithRateLimiter(g.limiter))
	}
	g.pipeline = pipeline.NewPipeline(g.store, g.forwarder, pipeOpts...)

	engineOpts := []discovery.EngineOption{
		discovery.WithLogger(g.logger),
		discovery.WithMetrics(g.metrics),
	}
	if cfg.ExternalTool.Enabled {
		engineOpts = append(engineOpts, discovery.WithExternal(discovery.NewExternal(cfg.ExternalTool)))
	}
	g.engine = discovery.NewEngine(engineOpts...)

	g.admin = pipeline.NewAdmin(g.store, g.engine, pipeline.AdminConfig{
		Prefix:        cfg.AdminPrefix,
		Environment:   cfg.Environment,
		Threshold:     cfg.Discovery.Threshold,
		TargetBaseURL: cfg.Discovery.TargetBaseURL,
		Logger:        g.logger,
		Metrics:       g.metrics,
	})

	g.sweeper = pipeline.NewSweeper(g.cache, g.limiter, cfg.RateLimit.IdleTimeout, cfg.Cache.SweepInterval, g.logger)
	g.handler = g.route()
	return nil
}

func (g *Gateway) seed() error {
	seeds := append([]mapping.ApiMapping(nil), g.config.Mappings...)
	if g.config.SeedFile != "" {
		fromFile, err := mapping.LoadSeedFile(g.config.SeedFile)
		if err != nil {
			return err
		}
		seeds = append(seeds, fromFile...)
	}
	if len(seeds) == 0 {
		return nil
	}

	added, err := g.store.Seed(seeds)
	if err != nil {
		return fmt.Errorf("failed to seed mappings: %w", err)
	}
	g.logger.Infof("seeded %d of %d mappings", added, len(seeds))
	return nil
}

// route sends the admin prefix to the admin surface and everything else
// through the pipeline.
func (g *Gateway) route() http.Handler {
	prefix := g.admin.Prefix()
	admin := g.admin.Handler()
	ingress := g.pipeline.Handler(g.next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == prefix || strings.HasPrefix(r.URL.Path, prefix+"/") {
			admin.ServeHTTP(w, r)
			return
		}
		ingress.ServeHTTP(w, r)
	})
}

// Handler returns the gateway's root handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Config returns the configuration in use.
func (g *Gateway) Config() *Config {
	return g.config
}

// Store returns the mapping store.
func (g *Gateway) Store() *mapping.Store {
	return g.store
}

// Engine returns the discovery engine.
func (g *Gateway) Engine() *discovery.Engine {
	return g.engine
}

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Logger returns the gateway logger.
func (g *Gateway) Logger() *logger.Logger {
	return g.logger
}

// IsRunning reports whether Serve is active.
func (g *Gateway) IsRunning() bool {
	return g.running.Load()
}

// Discover runs discovery and builds the reviewable report with the
// configured threshold and target base URL.
func (g *Gateway) Discover(ctx context.Context, sourceRef, targetRef string, acceptExternal bool) (*discovery.Report, error) {
	result, err := g.engine.DiscoverWith(ctx, sourceRef, targetRef, acceptExternal)
	if err != nil {
		return nil, err
	}
	return discovery.NewReport(result, g.config.Discovery.Threshold, g.config.Discovery.TargetBaseURL), nil
}

// Run listens on the configured address and serves until ctx ends or a
// termination signal arrives.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.config.Server.Listen, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends or a termination signal arrives, then
// shuts down gracefully and closes the gateway.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	if !g.running.CompareAndSwap(false, true) {
		ln.Close()
		return fmt.Errorf("gateway already running")
	}
	defer g.running.Store(false)

	server := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       g.config.Server.ReadTimeout,
		WriteTimeout:      g.config.Server.WriteTimeout,
		IdleTimeout:       g.config.Server.IdleTimeout,
	}

	sh := shutdown.New(shutdown.Config{
		Timeout: g.config.Server.ShutdownTimeout,
		Logger:  g.logger,
	})
	// Callbacks run last registered first.
	sh.Register("gateway", func(context.Context) error { return g.Close() })
	sh.RegisterServer("http", server)

	if g.cache != nil || g.limiter != nil {
		swept := make(chan struct{})
		go func() {
			defer close(swept)
			g.sweeper.Run(sh.Context())
		}()
		sh.RegisterFunc("sweeper", func() { <-swept })
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()
	g.logger.Event(logger.InfoLevel).
		Str("addr", ln.Addr().String()).
		Str("admin", g.admin.Prefix()).
		Int("mappings", g.store.Len()).
		Msg("gateway listening")

	waitDone := make(chan *shutdown.Result, 1)
	go func() {
		waitDone <- sh.Wait(ctx)
	}()

	select {
	case err := <-serveErr:
		res := sh.Shutdown()
		<-waitDone
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return res.Err()
	case res := <-waitDone:
		<-serveErr
		return res.Err()
	}
}

// Close releases the forwarder and the store the gateway opened.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		if g.forwarder != nil {
			g.forwarder.Close()
		}
		if g.ownsStore && g.store != nil {
			g.closeErr = g.store.Close()
		}
	})
	return g.closeErr
}
