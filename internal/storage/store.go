package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pders01/flum/internal/debuglog"
	"github.com/pders01/flum/internal/notify"
)

var (
	itemsBucket    = []byte("items")
	bySourceBucket = []byte("by_source")
)

// DefaultMaxAge is how long an item survives PruneExpired.
const DefaultMaxAge = 7 * 24 * time.Hour

// ItemStore is the local cache of fetched items. The items bucket holds
// records under a sequence key; by_source holds one nested bucket per
// source mapping item URL to that key, which serves as both the source
// index and the (source, url) uniqueness index.
type ItemStore struct {
	db     *bolt.DB
	bus    *notify.Bus
	now    func() time.Time
	maxAge time.Duration

	mu          sync.Mutex
	cacheIDs    []string
	cacheItems  []StoredItem
	cacheFilled bool

	// cacheGen counts invalidations. A read only fills the cache when no
	// write landed while it ran.
	cacheGen  uint64
	afterRead func()

	listenersMu sync.RWMutex
	listeners   []Listener
}

type Option func(*ItemStore)

func WithClock(now func() time.Time) Option {
	return func(s *ItemStore) { s.now = now }
}

func WithMaxAge(d time.Duration) Option {
	return func(s *ItemStore) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithBus shares a notification bus with other components.
func WithBus(bus *notify.Bus) Option {
	return func(s *ItemStore) {
		if bus != nil {
			s.bus = bus
		}
	}
}

func NewItemStore(dbPath string, timeout time.Duration, opts ...Option) (*ItemStore, error) {
	if timeout <= 0 {
		timeout = 1 * time.Second
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{itemsBucket, bySourceBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	s := &ItemStore{
		db:     db,
		bus:    notify.NewBus(),
		now:    time.Now,
		maxAge: DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *ItemStore) Close() error {
	return s.db.Close()
}

// Subscribe registers fn for change notifications.
func (s *ItemStore) Subscribe(fn func()) (unsubscribe func()) {
	return s.bus.Subscribe(fn)
}

// AddListener registers l for committed additions and removals.
func (s *ItemStore) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// PutItems inserts every item whose (source, url) pair is not stored yet
// and stamps it with the current time. Existing records are left
// untouched. Items that cannot be stored are skipped individually; only a
// failure of the transaction itself is returned. It does not notify
// subscribers; callers follow up with GetBySourceIDs.
func (s *ItemStore) PutItems(items []Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	now := s.now()
	var added []StoredItem

	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(itemsBucket)
		index := tx.Bucket(bySourceBucket)

		for _, it := range items {
			if it.SourceID == "" || it.URL == "" {
				debuglog.Debugf("skipping item without source or url: %q", it.Title)
				continue
			}
			if len(it.URL) > bolt.MaxKeySize || len(it.SourceID) > bolt.MaxKeySize {
				debuglog.Warnf("skipping item with oversized key (%d byte url): %q", len(it.URL), it.Title)
				continue
			}

			src, err := index.CreateBucketIfNotExists([]byte(it.SourceID))
			if err != nil {
				debuglog.Warnf("source index for %s: %v", it.SourceID, err)
				continue
			}
			if src.Get([]byte(it.URL)) != nil {
				continue
			}

			id, err := records.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating item key: %w", err)
			}
			stored := StoredItem{ID: id, Item: it, FetchedAt: now}
			data, err := json.Marshal(stored)
			if err != nil {
				debuglog.Warnf("encoding item %s: %v", it.URL, err)
				continue
			}

			key := itob(id)
			if err := records.Put(key, data); err != nil {
				return fmt.Errorf("writing item: %w", err)
			}
			if err := src.Put([]byte(it.URL), key); err != nil {
				return fmt.Errorf("indexing item: %w", err)
			}
			added = append(added, stored)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(added) > 0 {
		s.invalidate()
		s.emitAdded(added)
	}
	return len(added), nil
}

// PruneExpired deletes every item whose publication time, or fetch time
// when undated, is at least the maximum age in the past.
func (s *ItemStore) PruneExpired() (int, error) {
	now := s.now()
	var removed []StoredItem

	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(itemsBucket)

		err := records.ForEach(func(_, v []byte) error {
			var it StoredItem
			if err := json.Unmarshal(v, &it); err != nil {
				return nil
			}
			if now.Sub(it.EffectiveTime()) >= s.maxAge {
				removed = append(removed, it)
			}
			return nil
		})
		if err != nil {
			return err
		}

		index := tx.Bucket(bySourceBucket)
		for _, it := range removed {
			if err := records.Delete(itob(it.ID)); err != nil {
				return err
			}
			if src := index.Bucket([]byte(it.SourceID)); src != nil {
				if err := src.Delete([]byte(it.URL)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning items: %w", err)
	}

	if len(removed) > 0 {
		s.invalidate()
		s.emitRemoved(removed)
		s.bus.Publish()
	}
	return len(removed), nil
}

// DeleteBySource removes every item of sourceID.
func (s *ItemStore) DeleteBySource(sourceID string) (int, error) {
	var removed []StoredItem

	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bySourceBucket)
		src := index.Bucket([]byte(sourceID))
		if src == nil {
			return nil
		}

		records := tx.Bucket(itemsBucket)
		err := src.ForEach(func(_, key []byte) error {
			if v := records.Get(key); v != nil {
				var it StoredItem
				if err := json.Unmarshal(v, &it); err == nil {
					removed = append(removed, it)
				}
			}
			return records.Delete(key)
		})
		if err != nil {
			return err
		}
		return index.DeleteBucket([]byte(sourceID))
	})
	if err != nil {
		return 0, fmt.Errorf("deleting items of %s: %w", sourceID, err)
	}

	if len(removed) > 0 {
		s.invalidate()
		s.emitRemoved(removed)
		s.bus.Publish()
	}
	return len(removed), nil
}

// GetBySourceIDs reads all items of the given sources, newest first with
// undated items last. The result becomes the snapshot for exactly this
// ordered id list, and subscribers are notified every time.
func (s *ItemStore) GetBySourceIDs(sourceIDs []string) ([]StoredItem, error) {
	s.mu.Lock()
	gen := s.cacheGen
	s.mu.Unlock()

	var items []StoredItem

	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(bySourceBucket)
		records := tx.Bucket(itemsBucket)

		seen := make(map[string]bool, len(sourceIDs))
		for _, id := range sourceIDs {
			if seen[id] {
				continue
			}
			seen[id] = true

			src := index.Bucket([]byte(id))
			if src == nil {
				continue
			}
			err := src.ForEach(func(_, key []byte) error {
				v := records.Get(key)
				if v == nil {
					return nil
				}
				var it StoredItem
				if err := json.Unmarshal(v, &it); err != nil {
					return nil
				}
				items = append(items, it)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading items: %w", err)
	}

	sortByPublished(items)
	if s.afterRead != nil {
		s.afterRead()
	}

	s.mu.Lock()
	if s.cacheGen == gen {
		s.cacheIDs = slices.Clone(sourceIDs)
		s.cacheItems = items
		s.cacheFilled = true
	}
	s.mu.Unlock()

	s.bus.Publish()
	return slices.Clone(items), nil
}

// Snapshot returns the cached result of the last GetBySourceIDs call, but
// only when it was made for the same ids in the same order. Anything else
// gets an empty slice.
func (s *ItemStore) Snapshot(sourceIDs []string) []StoredItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cacheFilled || !slices.Equal(s.cacheIDs, sourceIDs) {
		return []StoredItem{}
	}
	return slices.Clone(s.cacheItems)
}

// All returns every stored item in key order. It does not touch the
// snapshot.
func (s *ItemStore) All() ([]StoredItem, error) {
	var items []StoredItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(_, v []byte) error {
			var it StoredItem
			if err := json.Unmarshal(v, &it); err != nil {
				return nil
			}
			items = append(items, it)
			return nil
		})
	})
	return items, err
}

func (s *ItemStore) invalidate() {
	s.mu.Lock()
	s.cacheIDs = nil
	s.cacheItems = nil
	s.cacheFilled = false
	s.cacheGen++
	s.mu.Unlock()
}

func (s *ItemStore) snapshotListeners() []Listener {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	return slices.Clone(s.listeners)
}

func (s *ItemStore) emitAdded(items []StoredItem) {
	for _, l := range s.snapshotListeners() {
		l.ItemsAdded(items)
	}
}

func (s *ItemStore) emitRemoved(items []StoredItem) {
	for _, l := range s.snapshotListeners() {
		l.ItemsRemoved(items)
	}
}

func sortByPublished(items []StoredItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].PublishedAt, items[j].PublishedAt
		switch {
		case a == nil && b == nil:
			return items[i].ID < items[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return items[i].ID < items[j].ID
		default:
			return a.After(*b)
		}
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
