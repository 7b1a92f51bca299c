package main

import (
	"context"
	"fmt"

	"github.com/hed1ad/tokenwise/pkg/cache"
	"github.com/hed1ad/tokenwise/pkg/detectors"
	"github.com/hed1ad/tokenwise/pkg/detectors/iforest"
	feed "github.com/hed1ad/tokenwise/pkg/io"
	"github.com/hed1ad/tokenwise/pkg/io/clickhouse"
	"github.com/hed1ad/tokenwise/pkg/io/csv"
	pgfeed "github.com/hed1ad/tokenwise/pkg/io/postgres"
	"github.com/hed1ad/tokenwise/pkg/observability"
	"github.com/hed1ad/tokenwise/pkg/refresh"
	"github.com/hed1ad/tokenwise/pkg/scoring"
	"github.com/hed1ad/tokenwise/pkg/store"
	"github.com/hed1ad/tokenwise/pkg/store/fs"
	"github.com/hed1ad/tokenwise/pkg/store/memory"
	pgstore "github.com/hed1ad/tokenwise/pkg/store/postgres"
	redisstore "github.com/hed1ad/tokenwise/pkg/store/redis"
)

// closers releases connections in reverse order of acquisition.
type closers []func()

func (c *closers) add(f func()) {
	*c = append(*c, f)
}

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// pipeline is everything a refresh needs, built from config.
type pipeline struct {
	source    feed.Source
	cached    *cache.Source
	store     store.ModelStore
	scorer    *scoring.Scorer
	refresher *refresh.Refresher
	metrics   *observability.Metrics
	closers   closers
}

func (a *app) buildPipeline(ctx context.Context) (*pipeline, error) {
	p := &pipeline{metrics: observability.NewMetrics("tokenwise")}

	var pool *pgstore.Pool
	postgresPool := func() (*pgstore.Pool, error) {
		if pool != nil {
			return pool, nil
		}
		var err error
		pool, err = pgstore.NewPool(ctx, a.cfg.PostgresDSN())
		if err != nil {
			return nil, err
		}
		p.closers.add(pool.Close)
		return pool, nil
	}

	src, err := a.openSource(ctx, postgresPool, &p.closers)
	if err != nil {
		p.closers.close()
		return nil, err
	}
	p.source = src

	st, err := a.openStore(ctx, postgresPool, &p.closers)
	if err != nil {
		p.closers.close()
		return nil, err
	}
	p.store = st

	p.cached = cache.New(src, a.cfg.CacheTTL, cache.WithMetrics(p.metrics))
	p.scorer = scoring.New(st,
		scoring.WithDetector(iforest.Factory(iforest.FromConfig(a.detectorConfig())...)),
		scoring.WithLogger(a.logger),
		scoring.WithMetrics(p.metrics),
	)

	policy, err := refresh.ParsePolicy(a.cfg.ModelPolicy)
	if err != nil {
		p.closers.close()
		return nil, err
	}
	p.refresher = refresh.New(p.cached, p.scorer,
		refresh.WithPolicy(policy, a.cfg.TopWallets),
		refresh.WithWorkers(a.cfg.Workers),
		refresh.WithWhaleThreshold(a.cfg.WhaleThreshold),
		refresh.WithLogger(a.logger),
		refresh.WithMetrics(p.metrics),
	)

	return p, nil
}

func (a *app) detectorConfig() detectors.Config {
	return detectors.Config{
		Contamination: a.cfg.Contamination,
		RandomSeed:    a.cfg.RandomSeed,
		Trees:         a.cfg.Trees,
		SampleSize:    a.cfg.SampleSize,
	}
}

func (a *app) openSource(ctx context.Context, pool func() (*pgstore.Pool, error), c *closers) (feed.Source, error) {
	loc := a.cfg.Location()

	switch a.cfg.Source {
	case "postgres":
		p, err := pool()
		if err != nil {
			return nil, err
		}
		return pgfeed.NewSource(p, loc), nil
	case "clickhouse":
		conn, err := clickhouse.NewConn(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return nil, err
		}
		c.add(func() { conn.Close() })
		return clickhouse.NewSource(conn, loc), nil
	case "csv":
		return csv.NewSource(a.cfg.CSVPath, csv.WithLocation(loc)), nil
	default:
		return nil, fmt.Errorf("invalid source: %s", a.cfg.Source)
	}
}

func (a *app) openStore(ctx context.Context, pool func() (*pgstore.Pool, error), c *closers) (store.ModelStore, error) {
	switch a.cfg.StoreBackend {
	case "fs":
		return fs.New(a.cfg.ModelDir)
	case "memory":
		a.logger.Warn("memory_store_selected", "note", "baselines are lost on exit")
		return memory.New(), nil
	case "postgres":
		p, err := pool()
		if err != nil {
			return nil, err
		}
		if err := pgstore.RunMigrations(ctx, p); err != nil {
			return nil, err
		}
		return pgstore.New(p), nil
	case "redis":
		st, err := redisstore.Dial(ctx, a.cfg.RedisURL, a.cfg.RedisPassword, a.logger)
		if err != nil {
			return nil, err
		}
		c.add(func() { st.Close() })
		return st, nil
	default:
		return nil, fmt.Errorf("invalid store backend: %s", a.cfg.StoreBackend)
	}
}
