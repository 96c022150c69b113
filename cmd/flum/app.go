package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/pders01/flum/internal/catalog"
	"github.com/pders01/flum/internal/config"
	"github.com/pders01/flum/internal/debuglog"
	"github.com/pders01/flum/internal/feed"
	"github.com/pders01/flum/internal/ogp"
	"github.com/pders01/flum/internal/refresh"
	"github.com/pders01/flum/internal/search"
	"github.com/pders01/flum/internal/storage"
	"github.com/pders01/flum/internal/validation"
)

// app holds every long-lived component for one command invocation.
type app struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	store    *storage.ItemStore
	index    *search.BleveEngine
	searcher search.Searcher
	service  *refresh.Service
}

func openApp(cfg *config.Config) (*app, error) {
	if err := prepareDataPaths(cfg); err != nil {
		return nil, err
	}

	cat, err := catalog.Open(cfg.Database.CatalogPath)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewItemStore(cfg.Database.ItemsPath, cfg.Database.Timeout,
		storage.WithMaxAge(cfg.Store.MaxAge))
	if err != nil {
		cat.Close()
		return nil, err
	}

	a := &app{cfg: cfg, catalog: cat, store: store}

	a.searcher = search.NewEngine(store)
	if cfg.Database.SearchIndex != "" {
		idx, err := search.NewBleveEngine(store, cfg.Database.SearchIndex)
		if err != nil {
			debuglog.Warnf("search index unavailable, falling back to scanning: %v", err)
		} else {
			a.index = idx
			a.searcher = idx
			store.AddListener(idx)
		}
	}

	var validator *validation.URLValidator
	if cfg.Feed.AllowPrivateNetworks {
		validator = validation.NewPermissiveURLValidator()
	} else {
		validator = validation.NewURLValidator()
	}

	fetcher := feed.NewFetcher(cfg, validator)
	enricher := ogp.NewClient(cfg, validator)
	orch := refresh.NewOrchestratorFromConfig(cfg, cat, fetcher, enricher)
	a.service = refresh.NewService(cat, store, fetcher, orch)
	return a, nil
}

// prepareDataPaths validates the configured data locations and creates
// their parent directories.
func prepareDataPaths(cfg *config.Config) error {
	paths := validation.NewPathValidator()
	var err error
	if cfg.Database.ItemsPath, err = paths.PrepareFile(cfg.Database.ItemsPath); err != nil {
		return fmt.Errorf("items path: %w", err)
	}
	if cfg.Database.CatalogPath != ":memory:" {
		if cfg.Database.CatalogPath, err = paths.PrepareFile(cfg.Database.CatalogPath); err != nil {
			return fmt.Errorf("catalog path: %w", err)
		}
	}
	if cfg.Database.SearchIndex != "" {
		if cfg.Database.SearchIndex, err = paths.PrepareDir(cfg.Database.SearchIndex); err != nil {
			return fmt.Errorf("search index path: %w", err)
		}
	}
	return nil
}

func (a *app) Close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			debuglog.Warnf("closing search index: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		debuglog.Warnf("closing item store: %v", err)
	}
	if err := a.catalog.Close(); err != nil {
		debuglog.Warnf("closing catalog: %v", err)
	}
}

// withApp loads the config, opens the app for the duration of fn and
// closes it afterwards.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (a *app) channel(ctx context.Context, idOrName string) (*catalog.Channel, error) {
	ch, err := a.catalog.FindChannel(ctx, idOrName)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("no channel %q", idOrName)
	}
	return ch, err
}

// channelSnapshot returns the store's cached items for channelID if the
// last read was for that channel. Source ids are looked up on every call
// so sources added or removed meanwhile still match.
func (a *app) channelSnapshot(ctx context.Context, channelID string) []storage.StoredItem {
	ids, err := a.sourceIDs(ctx, channelID)
	if err != nil {
		debuglog.Warnf("listing sources of %s: %v", channelID, err)
		return nil
	}
	return a.store.Snapshot(ids)
}

func (a *app) sourceIDs(ctx context.Context, channelID string) ([]string, error) {
	sources, err := a.catalog.ListSources(ctx, channelID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(sources))
	for i, s := range sources {
		ids[i] = s.ID
	}
	return ids, nil
}
