package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pders01/flum/internal/catalog"
	"github.com/pders01/flum/internal/debuglog"
	"github.com/pders01/flum/internal/feed"
	"github.com/pders01/flum/internal/storage"
)

// Messages returned by AddSource. They are meant for end users.
var (
	ErrEmptyURL          = errors.New("enter a URL")
	ErrAlreadyRegistered = errors.New("this URL is already registered")
	ErrRegisterFailed    = errors.New("could not register the source")
)

// FeedSource fetches feeds and, for HTML pages, finds the feed they
// advertise.
type FeedSource interface {
	FeedFetcher
	Discover(ctx context.Context, pageURL string) (string, error)
}

// Service ties the catalog, the fetch pipeline and the item store
// together for source management and channel syncs.
type Service struct {
	catalog *catalog.Catalog
	store   *storage.ItemStore
	fetcher FeedSource
	orch    *Orchestrator
	now     func() time.Time
}

func NewService(cat *catalog.Catalog, store *storage.ItemStore, fetcher FeedSource, orch *Orchestrator) *Service {
	return &Service{
		catalog: cat,
		store:   store,
		fetcher: fetcher,
		orch:    orch,
		now:     orch.now,
	}
}

// AddSource registers rawURL in channelID and stores its first batch of
// items. When rawURL is a web page rather than a feed, the feed the page
// links to is registered instead. Returned errors carry user-facing
// messages.
func (s *Service) AddSource(ctx context.Context, channelID, rawURL string) (*catalog.Source, error) {
	rawURL = strings.TrimSpace(rawURL)
	if channelID == "" || rawURL == "" {
		return nil, ErrEmptyURL
	}

	log := debuglog.WithFields(map[string]any{"channel": channelID, "url": rawURL})

	if exists, err := s.catalog.SourceExists(ctx, channelID, rawURL); err != nil {
		log.Warnf("checking for duplicate source: %v", err)
		return nil, ErrRegisterFailed
	} else if exists {
		return nil, ErrAlreadyRegistered
	}

	feedURL := rawURL
	result, err := s.fetcher.Fetch(ctx, rawURL, feed.Conditional{})
	if errors.Is(err, feed.ErrNotAFeed) {
		if discovered, derr := s.fetcher.Discover(ctx, rawURL); derr == nil && discovered != "" {
			log.Debugf("discovered feed %s", discovered)
			feedURL = discovered
			result, err = s.fetcher.Fetch(ctx, discovered, feed.Conditional{})
		}
	}
	if err != nil {
		return nil, err
	}
	if result.NotModified || result.Feed == nil {
		log.Warnf("fetch returned no feed")
		return nil, ErrRegisterFailed
	}

	src, err := s.catalog.AddSource(ctx, channelID, result.Feed.Title, feedURL)
	if errors.Is(err, catalog.ErrDuplicate) {
		return nil, ErrAlreadyRegistered
	}
	if err != nil {
		log.Warnf("adding source: %v", err)
		return nil, ErrRegisterFailed
	}

	items := s.orch.Ingest(ctx, src.ID, result.Feed)
	if _, err := s.store.PutItems(items); err != nil {
		log.Errorf("storing initial items: %v", err)
	}
	if err := s.catalog.SaveRevalidation(ctx, src.ID, result.ETag, result.LastModified, s.now()); err != nil {
		log.Warnf("recording revalidation tokens: %v", err)
	}
	return src, nil
}

// DeleteSource removes a source and every item cached for it.
func (s *Service) DeleteSource(ctx context.Context, sourceID string) error {
	if err := s.catalog.DeleteSource(ctx, sourceID); err != nil {
		return err
	}
	if _, err := s.store.DeleteBySource(sourceID); err != nil {
		return fmt.Errorf("dropping cached items: %w", err)
	}
	return nil
}

// DeleteChannel removes a channel, its sources and their cached items.
func (s *Service) DeleteChannel(ctx context.Context, channelID string) error {
	sourceIDs, err := s.catalog.DeleteChannel(ctx, channelID)
	if err != nil {
		return err
	}
	for _, id := range sourceIDs {
		if _, err := s.store.DeleteBySource(id); err != nil {
			return fmt.Errorf("dropping cached items: %w", err)
		}
	}
	return nil
}

// SyncChannel refreshes channelID, stores what came back, prunes expired
// items and returns the channel's current items. Reading the items also
// notifies store subscribers.
func (s *Service) SyncChannel(ctx context.Context, channelID string) ([]storage.StoredItem, error) {
	items, err := s.orch.RefreshChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.PutItems(items); err != nil {
		return nil, err
	}
	return s.reload(ctx, channelID)
}

// SyncSource refreshes one source and returns the items of its channel.
func (s *Service) SyncSource(ctx context.Context, sourceID string) ([]storage.StoredItem, error) {
	src, err := s.catalog.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	items, err := s.orch.RefreshSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.PutItems(items); err != nil {
		return nil, err
	}
	return s.reload(ctx, src.ChannelID)
}

// Items reads a channel's cached items without fetching anything.
func (s *Service) Items(ctx context.Context, channelID string) ([]storage.StoredItem, error) {
	ids, err := s.sourceIDs(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return s.store.GetBySourceIDs(ids)
}

func (s *Service) reload(ctx context.Context, channelID string) ([]storage.StoredItem, error) {
	if n, err := s.store.PruneExpired(); err != nil {
		debuglog.Warnf("pruning expired items: %v", err)
	} else if n > 0 {
		debuglog.Debugf("pruned %d expired items", n)
	}
	return s.Items(ctx, channelID)
}

func (s *Service) sourceIDs(ctx context.Context, channelID string) ([]string, error) {
	sources, err := s.catalog.ListSources(ctx, channelID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(sources))
	for i, src := range sources {
		ids[i] = src.ID
	}
	return ids, nil
}
