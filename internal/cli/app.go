package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/aretw0/stepgraph"
	"github.com/aretw0/stepgraph/internal/config"
	"github.com/aretw0/stepgraph/internal/workflows/codereview"
	"github.com/aretw0/stepgraph/pkg/adapters/memory"
	"github.com/aretw0/stepgraph/pkg/adapters/process"
	"github.com/aretw0/stepgraph/pkg/adapters/redis"
	"github.com/aretw0/stepgraph/pkg/adapters/sqlstore"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
	"github.com/aretw0/stepgraph/pkg/observability"
	"github.com/aretw0/stepgraph/pkg/persistence/middleware"
	"github.com/aretw0/stepgraph/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	backend "github.com/redis/go-redis/v9"
)

// App bundles the service with the infrastructure built for it.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Service  *stepgraph.Service
	Registry *graph.Registry
	Metrics  *prometheus.Registry

	closers []func() error
}

// AppOption customizes NewApp.
type AppOption func(*appOptions)

type appOptions struct {
	hooks  domain.LifecycleHooks
	graphs []*graph.Graph
}

// WithHooks adds lifecycle hooks on top of the logging and metrics hooks.
func WithHooks(h domain.LifecycleHooks) AppOption {
	return func(o *appOptions) {
		o.hooks = o.hooks.Combine(h)
	}
}

// WithGraphs registers additional graphs next to the built-in workflows.
func WithGraphs(graphs ...*graph.Graph) AppOption {
	return func(o *appOptions) {
		o.graphs = append(o.graphs, graphs...)
	}
}

// NewRegistry returns a registry holding the built-in workflows.
func NewRegistry() *graph.Registry {
	reg := graph.NewRegistry()
	reg.MustRegister(codereview.New())
	return reg
}

// LoadRegistry returns the built-in workflows plus the process graphs
// declared in cfg.Process.File, if any.
func LoadRegistry(cfg *config.Config) (*graph.Registry, error) {
	reg := NewRegistry()
	if cfg.Process.File == "" {
		return reg, nil
	}

	file, err := process.LoadFile(cfg.Process.File)
	if err != nil {
		return nil, err
	}
	dir := cfg.Process.Dir
	if dir == "" {
		dir = filepath.Dir(cfg.Process.File)
	}
	graphs, err := file.Graphs(process.WithBaseDir(dir))
	if err != nil {
		return nil, fmt.Errorf("invalid process graphs in %s: %w", cfg.Process.File, err)
	}
	for _, g := range graphs {
		if err := reg.Register(g); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// NewApp wires stores, event delivery, locking and metrics from cfg.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...AppOption) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &appOptions{}
	for _, opt := range opts {
		opt(o)
	}

	reg, err := LoadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: logger, Registry: reg}
	for _, g := range o.graphs {
		if err := app.Registry.Register(g); err != nil {
			return nil, err
		}
	}

	var client *backend.Client
	if cfg.NeedsRedis() {
		client = backend.NewClient(&backend.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		app.closers = append(app.closers, func() error {
			if err := client.Close(); err != nil && !errors.Is(err, backend.ErrClosed) {
				return err
			}
			return nil
		})
		if err := client.Ping(ctx).Err(); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Store.Redis.Addr, err)
		}
	}

	opener, err := app.openStore(client)
	if err != nil {
		app.Close()
		return nil, err
	}
	mws, err := storeMiddleware(cfg.Store)
	if err != nil {
		app.Close()
		return nil, err
	}
	opener = middleware.Opener(opener, mws...)

	var sink ports.EventSink
	switch cfg.Events.Driver {
	case config.DriverRedis:
		sink = redis.NewEventBus(client,
			redis.WithBusBuffer(cfg.Events.Buffer),
			redis.WithBusLogger(logger),
		)
	default:
		sink = memory.NewHub(
			memory.WithBufferSize(cfg.Events.Buffer),
			memory.WithHubLogger(logger),
		)
	}

	hooks := observability.LogHooks(logger)
	if cfg.Metrics.Enabled {
		app.Metrics = prometheus.NewRegistry()
		app.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		hooks = hooks.Combine(observability.NewMetrics(app.Metrics).Hooks())
	}
	hooks = hooks.Combine(o.hooks)

	svcOpts := []stepgraph.Option{
		stepgraph.WithLogger(logger),
		stepgraph.WithLifecycleHooks(hooks),
		stepgraph.WithPacing(cfg.Engine.Pacing),
		stepgraph.WithMaxSteps(cfg.Engine.MaxSteps),
	}
	if cfg.Lock.Enabled {
		svcOpts = append(svcOpts, stepgraph.WithLocker(redis.NewLocker(client, cfg.Store.Redis.Prefix), cfg.Lock.TTL))
	}

	app.Service = stepgraph.New(app.Registry, opener, sink, svcOpts...)
	logger.Debug("application wired",
		"store", cfg.Store.Driver,
		"events", cfg.Events.Driver,
		"lock", cfg.Lock.Enabled,
		"graphs", app.Registry.IDs(),
	)
	return app, nil
}

func (a *App) openStore(client *backend.Client) (ports.StoreOpener, error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case config.DriverRedis:
		return redis.NewFromClient(client,
			redis.WithPrefix(cfg.Redis.Prefix),
			redis.WithTTL(cfg.Redis.TTL),
		), nil
	case config.DriverSQLite, config.DriverPostgres:
		db, err := sqlstore.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		store, err := sqlstore.New(db)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return memory.NewStore(), nil
	}
}

// storeMiddleware masks, then encrypts, records on their way to the store.
func storeMiddleware(cfg config.StoreConfig) ([]middleware.Middleware, error) {
	var mws []middleware.Middleware
	if len(cfg.MaskKeys) > 0 {
		mw, err := middleware.NewPIIMiddleware(cfg.MaskKeys)
		if err != nil {
			return nil, err
		}
		mws = append(mws, mw)
	}
	if cfg.EncryptionKey != "" {
		enc := middleware.EncryptionConfig{}
		var err error
		if enc.ActiveKey, err = config.DecodeKey(cfg.EncryptionKey); err != nil {
			return nil, err
		}
		for _, k := range cfg.FallbackKeys {
			key, err := config.DecodeKey(k)
			if err != nil {
				return nil, err
			}
			enc.FallbackKeys = append(enc.FallbackKeys, key)
		}
		mw, err := middleware.NewEncryptionMiddleware(enc)
		if err != nil {
			return nil, err
		}
		mws = append(mws, mw)
	}
	return mws, nil
}

// Close releases connections opened by NewApp. In-flight runs are not
// waited for; call Service.Wait first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
