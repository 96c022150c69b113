// Package refresh turns a channel's registered sources into fresh,
// enriched items: fetching them concurrently, filtering, enriching and
// recording revalidation state.
package refresh

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pders01/flum/internal/catalog"
	"github.com/pders01/flum/internal/config"
	"github.com/pders01/flum/internal/debuglog"
	"github.com/pders01/flum/internal/feed"
	"github.com/pders01/flum/internal/ogp"
	"github.com/pders01/flum/internal/storage"
)

// SourceRepository is the part of the catalog the orchestrator needs.
type SourceRepository interface {
	ListSources(ctx context.Context, channelID string) ([]catalog.Source, error)
	GetSource(ctx context.Context, id string) (*catalog.Source, error)
	MarkFetched(ctx context.Context, id string, at time.Time) error
	SaveRevalidation(ctx context.Context, id, etag, lastModified string, at time.Time) error
}

type FeedFetcher interface {
	Fetch(ctx context.Context, rawURL string, cond feed.Conditional) (*feed.Result, error)
}

type Enricher interface {
	FetchBatch(ctx context.Context, urls []string) map[string]ogp.Data
}

type Orchestrator struct {
	sources  SourceRepository
	fetcher  FeedFetcher
	enricher Enricher
	policy   feed.RecencyPolicy
	now      func() time.Time
}

type OrchestratorOption func(*Orchestrator)

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

func WithRecencyPolicy(p feed.RecencyPolicy) OrchestratorOption {
	return func(o *Orchestrator) { o.policy = p }
}

func NewOrchestrator(sources SourceRepository, fetcher FeedFetcher, enricher Enricher, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		sources:  sources,
		fetcher:  fetcher,
		enricher: enricher,
		policy:   feed.DefaultRecencyPolicy(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewOrchestratorFromConfig wires the orchestrator with the recency
// settings of cfg.
func NewOrchestratorFromConfig(cfg *config.Config, sources SourceRepository, fetcher FeedFetcher, enricher Enricher) *Orchestrator {
	return NewOrchestrator(sources, fetcher, enricher, WithRecencyPolicy(feed.RecencyPolicyFromConfig(cfg)))
}

// outcome is the settled result of one source's refresh.
type outcome struct {
	items       []storage.Item
	notModified bool
	err         error
}

// RefreshChannel fetches every source of channelID concurrently and
// returns their enriched items, concatenated in source order. A failing
// source contributes nothing; only a failure to list the sources is
// returned.
func (o *Orchestrator) RefreshChannel(ctx context.Context, channelID string) ([]storage.Item, error) {
	sources, err := o.sources.ListSources(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("loading sources: %w", err)
	}

	outcomes := make([]outcome, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			outcomes[i] = o.refresh(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	var items []storage.Item
	for i, res := range outcomes {
		if res.err != nil {
			debuglog.WithFields(map[string]any{
				"source": sources[i].ID,
				"url":    sources[i].URL,
			}).Infof("refresh failed: %v", res.err)
			continue
		}
		items = append(items, res.items...)
	}
	return items, nil
}

// RefreshSource refreshes a single source. Unlike RefreshChannel the
// fetch error is returned, since a caller asked for this source.
func (o *Orchestrator) RefreshSource(ctx context.Context, sourceID string) ([]storage.Item, error) {
	src, err := o.sources.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	res := o.refresh(ctx, *src)
	return res.items, res.err
}

func (o *Orchestrator) refresh(ctx context.Context, src catalog.Source) outcome {
	result, err := o.fetcher.Fetch(ctx, src.URL, feed.Conditional{
		ETag:         src.ETag,
		LastModified: src.LastModified,
	})
	if err != nil {
		return outcome{err: err}
	}

	log := debuglog.WithFields(map[string]any{"source": src.ID})
	if result.NotModified {
		if err := o.sources.MarkFetched(ctx, src.ID, o.now()); err != nil {
			log.Warnf("recording fetch time: %v", err)
		}
		return outcome{notModified: true}
	}

	items := o.Ingest(ctx, src.ID, result.Feed)
	if err := o.sources.SaveRevalidation(ctx, src.ID, result.ETag, result.LastModified, o.now()); err != nil {
		log.Warnf("recording revalidation tokens: %v", err)
	}
	log.Debugf("fetched %d items, kept %d", len(result.Feed.Items), len(items))
	return outcome{items: items}
}

// Ingest applies the recency policy to a parsed feed and attaches Open
// Graph data to what is left.
func (o *Orchestrator) Ingest(ctx context.Context, sourceID string, f *feed.Feed) []storage.Item {
	if f == nil {
		return nil
	}
	recent := o.policy.Filter(f.Items, o.now())
	if len(recent) == 0 {
		return nil
	}

	urls := make([]string, len(recent))
	for i, it := range recent {
		urls[i] = it.URL
	}
	var og map[string]ogp.Data
	if o.enricher != nil {
		og = o.enricher.FetchBatch(ctx, urls)
	}

	out := make([]storage.Item, len(recent))
	for i, it := range recent {
		data := og[it.URL]
		out[i] = storage.Item{
			SourceID:      sourceID,
			Title:         it.Title,
			URL:           it.URL,
			Content:       it.Content,
			ThumbnailURL:  it.ThumbnailURL,
			PublishedAt:   it.PublishedAt,
			OGImage:       data.Image,
			OGDescription: data.Description,
		}
	}
	return out
}
