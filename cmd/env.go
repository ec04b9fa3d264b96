package main

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/catalog"
	"github.com/sells-group/catalogsync/internal/config"
	"github.com/sells-group/catalogsync/internal/fetcher"
	"github.com/sells-group/catalogsync/internal/identity"
	"github.com/sells-group/catalogsync/internal/lock"
	"github.com/sells-group/catalogsync/internal/progress"
	"github.com/sells-group/catalogsync/internal/reaper"
	"github.com/sells-group/catalogsync/internal/resilience"
	"github.com/sells-group/catalogsync/internal/source"
	"github.com/sells-group/catalogsync/internal/store"
	"github.com/sells-group/catalogsync/internal/syncjob"
)

// syncEnv holds everything a command needs to run or administer jobs.
type syncEnv struct {
	Store   store.Store
	Broker  *progress.Broker
	Redis   *progress.RedisNotifier
	Tracker *progress.Tracker
	Reaper  *reaper.Reaper
	Mapper  *identity.Mapper
	Runner  *syncjob.Runner
	Catalog *catalog.Service
	Locks   *lock.Manager
}

// Close releases the store and the Redis connection.
func (e *syncEnv) Close() {
	if e.Redis != nil {
		if err := e.Redis.Close(); err != nil {
			zap.L().Warn("close redis", zap.Error(err))
		}
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// initEnv opens the store and wires the tracker, reaper, mapper, jobs,
// runner and catalog service from cfg.
func initEnv(ctx context.Context) (*syncEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &syncEnv{Store: st, Broker: progress.NewBroker()}

	notifiers := []progress.Notifier{env.Broker}
	if cfg.Redis.Addr != "" {
		rn, err := progress.NewRedisNotifier(ctx, cfg.Redis.Addr, cfg.Redis.Channel, uuid.NewString())
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "init redis notifier")
		}
		env.Redis = rn
		notifiers = append(notifiers, rn)
	}
	env.Tracker = progress.NewTracker(st, notifiers...)

	env.Reaper = reaper.New(st, cfg.Sync.StaleAfter())
	env.Mapper = identity.NewMapper(st, identity.Options{
		Threshold: cfg.Identity.Threshold,
		Margin:    cfg.Identity.Margin,
	})

	reg, err := buildRegistry(cfg, st, env.Mapper)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Locks = lock.NewManager(st)
	env.Runner = syncjob.NewRunner(reg, st, env.Locks, env.Tracker, env.Reaper, syncjob.Options{
		LockTTL:     cfg.Sync.LockTTL(),
		Concurrency: cfg.Sync.Concurrency,
		MinInterval: cfg.Sync.MinInterval(),
	})
	env.Reaper.SetCanceller(env.Runner)
	env.Catalog = catalog.NewService(st, env.Locks, syncjob.CatalogJobName)
	return env, nil
}

// buildRegistry creates the source adapters and the jobs that use them.
// Sources without a URL are left out; the catalog job needs the catalog
// source.
func buildRegistry(c *config.Config, st store.Store, m *identity.Mapper) (*syncjob.Registry, error) {
	src := c.Sources
	if src.Catalog.BaseURL == "" {
		return nil, eris.New("sources.catalog.base_url is required")
	}

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  src.UserAgent,
		Timeout:    maxTimeout(src.Catalog, src.Wiki, src.News, src.Status),
		RateLimits: rateLimits(src.Catalog, src.Wiki, src.News, src.Status),
	})
	breakers := resilience.NewBreakers(resilience.FromCircuitConfig(c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs))
	retry := resilience.FromRetryConfig(c.Retry.MaxAttempts, c.Retry.InitialBackoffMS, c.Retry.MaxBackoffMS)
	opts := func(sc config.SourceConfig) source.ChainOptions {
		return source.ChainOptions{Snapshots: st, Breakers: breakers, Retry: retry, Timeout: sc.Timeout()}
	}

	primary := source.NewCatalogAdapter(src.Catalog.BaseURL, f, opts(src.Catalog))
	var aux []source.Adapter
	if src.Wiki.BaseURL != "" {
		aux = append(aux, source.NewWikiAdapter(src.Wiki.BaseURL, f, opts(src.Wiki)))
	}

	reg := syncjob.NewRegistry(syncjob.NewCatalogJob(primary, aux, st, m))
	if src.News.GraphQLURL != "" || src.News.RSSURL != "" {
		news := source.NewNewsAdapter(src.News.GraphQLURL, src.News.RSSURL, f, opts(src.News))
		reg.Register(syncjob.NewContentJob(syncjob.NewsJobName, news, st))
	}
	if src.Status.BaseURL != "" {
		status := source.NewStatusAdapter(src.Status.BaseURL, f, opts(src.Status))
		reg.Register(syncjob.NewContentJob(syncjob.StatusJobName, status, st))
	}
	return reg, nil
}

// rateLimits keys each source's request rate by the host of its URLs.
func rateLimits(sources ...config.SourceConfig) map[string]float64 {
	out := make(map[string]float64)
	for _, sc := range sources {
		if sc.RatePerSec <= 0 {
			continue
		}
		for _, raw := range []string{sc.BaseURL, sc.GraphQLURL, sc.RSSURL} {
			u, err := url.Parse(raw)
			if err != nil || u.Host == "" {
				continue
			}
			out[u.Host] = sc.RatePerSec
		}
	}
	return out
}

func maxTimeout(sources ...config.SourceConfig) time.Duration {
	var d time.Duration
	for _, sc := range sources {
		d = max(d, sc.Timeout())
	}
	return d
}
