package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/artpar/sop/adapters/hasher"
	"github.com/artpar/sop/adapters/idgen"
	"github.com/artpar/sop/adapters/metrics"
	"github.com/artpar/sop/auth"
	"github.com/artpar/sop/config"
	"github.com/artpar/sop/core/app"
	httpchan "github.com/artpar/sop/core/channel/http"
	"github.com/artpar/sop/core/openapi"
	"github.com/artpar/sop/core/storage"
)

// runtime is everything serve wires together.
type runtime struct {
	app     *app.App
	channel *httpchan.Channel
	metrics *metrics.Collector
	users   *auth.Service
	logger  zerolog.Logger
}

func newStore(cfg config.DatabaseConfig, ids string, logger zerolog.Logger) (storage.Store, error) {
	factory, ok := idgen.ByName(ids)
	if !ok {
		return nil, fmt.Errorf("unknown id generator %q", ids)
	}
	switch cfg.Driver {
	case config.DriverMemory:
		return storage.NewMemoryStore(storage.WithIDs(factory)), nil
	case config.DriverSQLite:
		// A sequence would restart at 1 on every boot and collide with
		// stored rows.
		if ids != "uuid" {
			logger.Warn().Str("ids", ids).Msg("sqlite store allocates uuid ids")
		}
		s, err := storage.NewSQLiteStore(cfg.DSN, idgen.UUID{})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

// newRuntime builds the app, declares the demo types and initializes the
// schema. The returned runtime is ready to serve.
func newRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	store, err := newStore(cfg.Database, cfg.App.IDs, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rt := &runtime{logger: logger}
	appCfg := app.Config{
		Prefix:  cfg.App.Prefix,
		Store:   store,
		Logger:  logger,
		AutoRPC: cfg.App.AutoRPCEnabled(),
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
		rt.metrics = metrics.NewWithRegistry(reg, reg)
		appCfg.Observer = rt.metrics
	}
	rt.app = app.New(appCfg)

	if err := declareDemo(rt.app); err != nil {
		store.Close()
		return nil, err
	}
	if cfg.Auth.Enabled {
		opts := []auth.Option{auth.WithSessionTTL(cfg.Auth.SessionTTL)}
		if rt.metrics != nil {
			opts = append(opts, auth.WithFailureObserver(rt.metrics.ObserveAuthFailure))
		}
		rt.users, err = auth.DeclareUser(rt.app, hasher.NewBcrypt(cfg.Auth.BcryptCost), opts...)
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := declareNotes(rt.app); err != nil {
			store.Close()
			return nil, err
		}
	}
	if err := rt.app.InitSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}

	chCfg := httpchan.Config{
		Addr:         cfg.Server.Addr(),
		Logger:       logger,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MetricsPath:  cfg.Metrics.Path,
		Types:        rt.app,
		APIInfo: openapi.Info{
			Title:       "sop",
			Description: "Entity API generated from the declared types.",
			Version:     version,
		},
		BearerAuth: rt.users != nil,
	}
	if rt.metrics != nil {
		rt.metrics.Subscribe(rt.app.Events())
		chCfg.MetricsHandler = rt.metrics.Handler()
		chCfg.Middleware = append(chCfg.Middleware, rt.metrics.Middleware(cfg.Metrics.Path))
	}
	if rt.users != nil {
		chCfg.Middleware = append(chCfg.Middleware, rt.users.Bearer())
	}
	rt.channel = httpchan.New(rt.app.API(), chCfg)
	return rt, nil
}

func (rt *runtime) Handler() http.Handler { return rt.channel.Handler() }

func (rt *runtime) Close() error { return rt.app.Close() }
