// Package app initializes and holds the long-lived services every command
// needs, acting as the composition root.
package app

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/ThatOneAnimeGuy/seiso/internal/blob"
	"github.com/ThatOneAnimeGuy/seiso/internal/blob/gcs"
	"github.com/ThatOneAnimeGuy/seiso/internal/cache"
	"github.com/ThatOneAnimeGuy/seiso/internal/config"
	"github.com/ThatOneAnimeGuy/seiso/internal/events"
	eventspubsub "github.com/ThatOneAnimeGuy/seiso/internal/events/pubsub"
	"github.com/ThatOneAnimeGuy/seiso/internal/feeds"
	"github.com/ThatOneAnimeGuy/seiso/internal/fetch"
	"github.com/ThatOneAnimeGuy/seiso/internal/importer"
	"github.com/ThatOneAnimeGuy/seiso/internal/logging"
	"github.com/ThatOneAnimeGuy/seiso/internal/media"
	"github.com/ThatOneAnimeGuy/seiso/internal/metrics"
	"github.com/ThatOneAnimeGuy/seiso/internal/runlog"
	"github.com/ThatOneAnimeGuy/seiso/internal/store"
	"github.com/ThatOneAnimeGuy/seiso/internal/vault"
)

// App bundles the wired services for one process.
type App struct {
	Config config.Config
	Logger *zap.Logger
	Store  *store.Store
	Blob   blob.Store
	Vault  *vault.Vault
	Fetch  *fetch.Fetcher
	RunLog *runlog.Logger
	Engine *importer.Engine
	Events events.Publisher

	closers []func()
}

// New wires every service from configuration, failing fast on anything
// unusable. Feed sources from feeds.replay_dirs are registered; live
// adapters are registered by the caller afterwards.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{Config: cfg, Logger: logger}

	a.Store, err = store.New(ctx, store.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	if cfg.Blob.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		g, err := gcs.New(client, gcs.Config{Bucket: cfg.Blob.Bucket})
		if err != nil {
			_ = client.Close()
			a.Close()
			return nil, fmt.Errorf("init blob store: %w", err)
		}
		a.Blob = g
		a.closers = append(a.closers, func() {
			if cerr := client.Close(); cerr != nil {
				logger.Warn("close gcs client", zap.Error(cerr))
			}
		})
	} else {
		logger.Warn("no blob bucket configured, storing objects in memory")
		a.Blob = blob.NewMemory()
	}

	a.Vault, err = vault.New(cfg.Vault.AESKey, cfg.Vault.RSAPublicKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init vault: %w", err)
	}

	a.Fetch = fetch.New(&http.Client{Timeout: cfg.Fetch.Timeout}, fetch.Config{
		ScratchDir:   cfg.Fetch.ScratchDir,
		Attempts:     cfg.Fetch.Attempts,
		RetryDelay:   cfg.Fetch.RetryDelay,
		UserAgent:    cfg.Fetch.UserAgent,
		MaxFileBytes: cfg.Fetch.MaxFileBytes,
	}, logger)

	if cfg.Events.ProjectID != "" && cfg.Events.TopicName != "" {
		pub, err := eventspubsub.New(ctx, cfg.Events.ProjectID, cfg.Events.TopicName)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init events publisher: %w", err)
		}
		a.Events = pub
		a.closers = append(a.closers, func() {
			if cerr := pub.Close(); cerr != nil {
				logger.Warn("close events publisher", zap.Error(cerr))
			}
		})
	} else {
		a.Events = events.NewMemory()
	}

	a.RunLog = runlog.New(logger)

	a.Engine, err = importer.NewEngine(importer.Deps{
		Store:  a.Store,
		Fetch:  a.Fetch,
		Blob:   a.Blob,
		Media:  media.Noop{},
		Vault:  a.Vault,
		RunLog: a.RunLog,
		Events: a.Events,
		Cache:  cache.Noop{},
		Logger: logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}

	registry := feeds.NewRegistry()
	for service, dir := range cfg.Feeds.ReplayDirs {
		if err := registry.Register(feeds.NewReplay(service, dir)); err != nil {
			a.Close()
			return nil, fmt.Errorf("register replay feed: %w", err)
		}
	}
	for _, src := range registry.All() {
		a.Engine.RegisterSource(src)
	}

	return a, nil
}

// Boot runs the process-start sweeps: scratch wipe, lock table clear, and
// ongoing-import replay.
func (a *App) Boot(ctx context.Context) error {
	if err := a.Fetch.InitScratch(); err != nil {
		return err
	}
	return a.Engine.Boot(ctx)
}

// Close tears services down in reverse initialization order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}
