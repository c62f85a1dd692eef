package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"orgbot/internal/cache"
	"orgbot/internal/config"
	"orgbot/internal/content"
	"orgbot/internal/corpus"
	"orgbot/internal/domain"
	"orgbot/internal/engine"
	"orgbot/internal/keyword"
	"orgbot/internal/memory"
	"orgbot/internal/metrics"
	"orgbot/internal/provider"
	"orgbot/internal/retrieval"
	"orgbot/internal/store"
)

const (
	pageConcurrency = 4
	redisKeyPrefix  = "orgbot:session:"
)

// app is everything a command needs, built once from config.
type app struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger

	db        *sql.DB // nil unless a component uses SQLite
	documents *corpus.SQLiteCorpus
	sessions  domain.SessionStore
	fetcher   domain.ContentProvider
	metrics   *metrics.Metrics
	engine    *engine.Engine
}

func newApp(cfg *config.Config, cfgPath string, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, cfgPath: cfgPath, logger: logger}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	if strings.EqualFold(cfg.Memory.Backend, "sqlite") || cfg.Corpus.UseDatabase {
		db, err := store.Open(cfg.Memory.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.db = db
		a.documents = corpus.NewSQLiteCorpus(db)
	}

	sessions, err := memory.New(memory.Config{
		Backend:       cfg.Memory.Backend,
		MaxTurns:      cfg.Memory.MaxTurns,
		DB:            a.db,
		RedisAddr:     cfg.Memory.RedisAddr,
		RedisPassword: cfg.Memory.RedisPassword,
		RedisDB:       cfg.Memory.RedisDB,
		RedisPrefix:   redisKeyPrefix,
		TTL:           cfg.Memory.TTL(),
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("session store: %w", err)
	}
	a.sessions = sessions

	a.fetcher = newFetcher(cfg.Corpus, cfg.Cache, logger)

	keywords, err := loadKeywords(cfg.Keywords)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.metrics.SetKeywordEntries(keywords.Table().Len())

	prov, err := provider.NewFactory(cfg, logger).DefaultProvider()
	if err != nil {
		// Keyword and retrieval answers still work without a provider.
		logger.Warn("no completion provider", "err", err)
	}

	contentCache, err := cache.New(cache.Config{
		Capacity:     cfg.Cache.Capacity,
		FetchTimeout: cfg.Cache.FetchTimeout(),
		Logger:       logger,
		Metrics:      a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Keywords: keywords,
		Matcher: retrieval.NewMatcher(retrieval.MatcherConfig{
			Threshold:  cfg.Retrieval.Threshold,
			MaxPassage: cfg.Retrieval.MaxPassage,
		}),
		Cache:             contentCache,
		Pages:             cfg.Corpus.Pages,
		Fetcher:           a.fetcher,
		Corpus:            a.corpusProvider(),
		Memory:            sessions,
		Provider:          prov,
		Metrics:           a.metrics,
		Logger:            logger,
		Model:             cfg.Providers[cfg.General.DefaultProvider].DefaultModel,
		SystemPrompt:      cfg.Engine.SystemPrompt,
		MaxContextChars:   cfg.Engine.MaxContextChars,
		CompletionTimeout: cfg.Engine.CompletionTimeout(),
		MaxTokens:         cfg.Engine.MaxTokens,
		Temperature:       cfg.Engine.Temperature,
		RecordRefinements: cfg.Engine.RecordRefinements,
		ChunkSize:         cfg.Retrieval.ChunkSize,
		ChunkOverlap:      cfg.Retrieval.ChunkOverlap,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = eng
	return a, nil
}

// corpusProvider combines the configured document sources. Nil when
// indexing is off or nothing is configured.
func (a *app) corpusProvider() domain.CorpusProvider {
	if !a.cfg.Corpus.BuildIndex {
		return nil
	}
	var providers []domain.CorpusProvider
	if len(a.cfg.Corpus.Pages) > 0 {
		providers = append(providers, corpus.NewPageCorpus(a.fetcher, a.cfg.Corpus.Pages, pageConcurrency))
	}
	if a.cfg.Corpus.Dir != "" {
		providers = append(providers, corpus.NewDirCorpus(a.cfg.Corpus.Dir, a.logger))
	}
	if a.documents != nil {
		providers = append(providers, a.documents)
	}
	if len(providers) == 0 {
		return nil
	}
	return corpus.NewMulti(a.logger, providers...)
}

// warmUp builds the initial index. Failures are logged; answers then fall
// back to cached pages.
func (a *app) warmUp(ctx context.Context) {
	if !a.cfg.Corpus.BuildIndex {
		return
	}
	if _, err := a.engine.RefreshCorpus(ctx); err != nil {
		a.logger.Warn("initial corpus refresh failed", "err", err)
	}
}

// refreshLoop rebuilds the index every interval until ctx is done.
func (a *app) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.engine.RefreshCorpus(ctx); err != nil {
				a.logger.Warn("scheduled corpus refresh failed", "err", err)
			}
		}
	}
}

func (a *app) Close() {
	if c, ok := a.sessions.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("close session store", "err", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", "err", err)
		}
	}
}

func newFetcher(cc config.CorpusConfig, cacheCfg config.CacheConfig, logger *slog.Logger) domain.ContentProvider {
	if strings.EqualFold(cc.Fetcher, "browser") {
		return content.NewBrowserFetcher(content.BrowserConfig{
			ProfileDir: cc.ProfileDir,
			Headless:   cc.Headless,
			Timeout:    cacheCfg.FetchTimeout(),
			Logger:     logger,
		})
	}
	return content.NewHTTPFetcher(content.HTTPConfig{
		UserAgent: cc.UserAgent,
		MaxBytes:  cc.MaxPageBytes,
		Logger:    logger,
	})
}

// loadKeywords reads the keyword file, then lets entries written in the
// config override or extend it.
func loadKeywords(kc config.KeywordsConfig) (*keyword.Matcher, error) {
	base := keyword.NewTable(nil)
	if kc.File != "" {
		t, err := keyword.LoadFile(kc.File)
		if err != nil {
			return nil, err
		}
		base = t
	}
	m := keyword.NewMatcher(base)
	if len(kc.Entries) > 0 {
		entries := make([]keyword.Entry, 0, len(kc.Entries))
		for _, e := range kc.Entries {
			entries = append(entries, keyword.Entry{Trigger: e.Trigger, Answer: e.Answer})
		}
		m.Merge(keyword.NewTable(entries))
	}
	return m, nil
}
