package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/citysearch/internal/citysearch"
	"github.com/sells-group/citysearch/internal/db"
	"github.com/sells-group/citysearch/internal/fetcher"
	"github.com/sells-group/citysearch/internal/ingest"
	"github.com/sells-group/citysearch/internal/resilience"
	"github.com/sells-group/citysearch/internal/spatial"
	"github.com/sells-group/citysearch/internal/store"
)

// cityEnv holds the opened stores and the query service used by the
// serve, load and query commands.
type cityEnv struct {
	Relational store.Relational
	Text       store.Text
	Service    *citysearch.Service
}

// Close releases both stores.
func (e *cityEnv) Close() {
	if e.Text != nil {
		_ = e.Text.Close()
	}
	if e.Relational != nil {
		_ = e.Relational.Close()
	}
}

// initEnv validates the config for mode, then opens both stores, waiting for
// each to accept connections. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*cityEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	startup := resilience.StartupRetryConfig()
	startup.ShouldRetry = func(error) bool { return true }
	startup.OnRetry = resilience.RetryLogger(citysearch.BreakerRelational, "connect")
	rel, err := resilience.DoVal(ctx, startup, func(ctx context.Context) (*store.Postgres, error) {
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "open relational store")
	}

	txt, err := store.OpenText(cfg.Text.Driver, cfg.Text.DSN, cfg.Text.MaxConns)
	if err != nil {
		_ = rel.Close()
		return nil, eris.Wrap(err, "open text store")
	}
	if err := resilience.WaitFor(ctx, citysearch.BreakerText, txt.Ping, resilience.StartupRetryConfig()); err != nil {
		_ = txt.Close()
		_ = rel.Close()
		return nil, err
	}

	zap.L().Info("stores ready",
		zap.String("text_driver", cfg.Text.Driver),
		zap.Int32("max_conns", cfg.Store.MaxConns),
	)
	return &cityEnv{
		Relational: rel,
		Text:       txt,
		Service:    citysearch.New(rel, txt, citysearch.Options{}),
	}, nil
}

// coordinator fetches the source dataset if needed and assembles the bulk
// load for the opened stores.
func (e *cityEnv) coordinator(ctx context.Context) (*ingest.Coordinator, error) {
	src := fetcher.Source{URL: cfg.Dataset.URL, Dir: cfg.Dataset.Dir, File: cfg.Dataset.File}
	path, err := fetcher.EnsureSource(ctx, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), src)
	if err != nil {
		return nil, eris.Wrap(err, "fetch dataset")
	}

	return &ingest.Coordinator{
		Source: path,
		Relational: &ingest.RelationalLoader{
			Store:     e.Relational,
			BatchSize: cfg.Load.BatchSize,
		},
		Text: &ingest.TextLoader{
			Store:       e.Text,
			BatchSize:   cfg.Load.BatchSize,
			MaxFieldLen: cfg.Load.TextMaxLen,
		},
		Workers:   cfg.Load.Workers,
		IndexOpts: []spatial.Option{spatial.WithBoxIndex(cfg.Index.BBox)},
	}, nil
}

// bootstrap runs the bulk load and publishes the result to the service.
func (e *cityEnv) bootstrap(ctx context.Context) error {
	c, err := e.coordinator(ctx)
	if err != nil {
		return err
	}
	return e.Service.Bootstrap(ctx, c)
}
