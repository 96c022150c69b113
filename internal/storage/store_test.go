package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func setupTestStore(t *testing.T) (*ItemStore, *fakeClock) {
	t.Helper()

	clock := &fakeClock{t: time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)}
	dbPath := filepath.Join(t.TempDir(), "items.db")
	store, err := NewItemStore(dbPath, time.Second, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return store, clock
}

func ptr(t time.Time) *time.Time { return &t }

func countNotifications(store *ItemStore) (count func() int) {
	var mu sync.Mutex
	n := 0
	store.Subscribe(func() {
		mu.Lock()
		n++
		mu.Unlock()
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}

func TestItemStore_PutItemsUniqueness(t *testing.T) {
	store, _ := setupTestStore(t)

	first := []Item{
		{SourceID: "s1", Title: "A", URL: "https://a.example/1"},
		{SourceID: "s1", Title: "B", URL: "https://a.example/2"},
		{SourceID: "s2", Title: "A elsewhere", URL: "https://a.example/1"},
	}
	added, err := store.PutItems(first)
	if err != nil {
		t.Fatalf("PutItems: %v", err)
	}
	if added != 3 {
		t.Fatalf("expected 3 added, got %d", added)
	}

	again := []Item{
		{SourceID: "s1", Title: "A changed", URL: "https://a.example/1", Content: "new"},
		{SourceID: "s1", Title: "A changed twice", URL: "https://a.example/1"},
		{SourceID: "s1", Title: "C", URL: "https://a.example/3"},
	}
	added, err = store.PutItems(again)
	if err != nil {
		t.Fatalf("PutItems: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected only the new url to be added, got %d", added)
	}

	items, err := store.GetBySourceIDs([]string{"s1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items for s1, got %d", len(items))
	}
	for _, it := range items {
		if it.URL == "https://a.example/1" && (it.Title != "A" || it.Content != "") {
			t.Errorf("existing record was modified: %+v", it)
		}
	}

	all, err := store.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 records in total, got %d", len(all))
	}
}

func TestItemStore_PutItemsSkipsIncomplete(t *testing.T) {
	store, _ := setupTestStore(t)

	added, err := store.PutItems([]Item{
		{SourceID: "", Title: "no source", URL: "https://x.example"},
		{SourceID: "s1", Title: "no url"},
		{SourceID: "s1", Title: "ok", URL: "https://x.example/ok"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("expected 1 added, got %d", added)
	}
}

func TestItemStore_FetchedAtStamped(t *testing.T) {
	store, clock := setupTestStore(t)

	if _, err := store.PutItems([]Item{{SourceID: "s1", Title: "t", URL: "u"}}); err != nil {
		t.Fatal(err)
	}
	items, _ := store.GetBySourceIDs([]string{"s1"})
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if !items[0].FetchedAt.Equal(clock.Now()) {
		t.Errorf("FetchedAt = %v, want %v", items[0].FetchedAt, clock.Now())
	}
	if items[0].ID == 0 {
		t.Error("expected a non-zero key")
	}
}

func TestItemStore_PruneExpired(t *testing.T) {
	store, clock := setupTestStore(t)
	now := clock.Now()

	_, err := store.PutItems([]Item{
		{SourceID: "s1", Title: "eight days", URL: "u1", PublishedAt: ptr(now.Add(-8 * 24 * time.Hour))},
		{SourceID: "s1", Title: "exactly seven", URL: "u2", PublishedAt: ptr(now.Add(-7 * 24 * time.Hour))},
		{SourceID: "s1", Title: "six days 23h", URL: "u3", PublishedAt: ptr(now.Add(-(6*24 + 23) * time.Hour))},
		{SourceID: "s1", Title: "undated", URL: "u4"},
	})
	if err != nil {
		t.Fatal(err)
	}

	notified := countNotifications(store)

	removed, err := store.PruneExpired()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if notified() != 1 {
		t.Errorf("expected exactly one notification, got %d", notified())
	}

	all, _ := store.All()
	titles := map[string]bool{}
	for _, it := range all {
		titles[it.Title] = true
	}
	if !titles["six days 23h"] || !titles["undated"] || len(titles) != 2 {
		t.Errorf("unexpected survivors: %v", titles)
	}

	// nothing left to prune: no notification
	if _, err := store.PruneExpired(); err != nil {
		t.Fatal(err)
	}
	if notified() != 1 {
		t.Errorf("no-op prune must not notify, got %d notifications", notified())
	}

	// the undated item ages from its fetch time
	clock.Set(now.Add(7 * 24 * time.Hour))
	removed, err = store.PruneExpired()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("expected both remaining items to expire, got %d", removed)
	}
}

func TestItemStore_PruneFreesURLForReinsert(t *testing.T) {
	store, clock := setupTestStore(t)
	now := clock.Now()

	old := Item{SourceID: "s1", Title: "old", URL: "u1", PublishedAt: ptr(now.Add(-10 * 24 * time.Hour))}
	if _, err := store.PutItems([]Item{old}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.PruneExpired(); err != nil {
		t.Fatal(err)
	}

	added, err := store.PutItems([]Item{{SourceID: "s1", Title: "again", URL: "u1"}})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("expected the url index entry to be removed by prune, added=%d", added)
	}
}

func TestItemStore_DeleteBySource(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.PutItems([]Item{
		{SourceID: "s1", Title: "a", URL: "u1"},
		{SourceID: "s1", Title: "b", URL: "u2"},
		{SourceID: "s2", Title: "c", URL: "u1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	notified := countNotifications(store)

	removed, err := store.DeleteBySource("s1")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if notified() != 1 {
		t.Errorf("expected one notification, got %d", notified())
	}

	removed, err = store.DeleteBySource("missing")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 || notified() != 1 {
		t.Errorf("deleting nothing must not notify (removed=%d, notified=%d)", removed, notified())
	}

	all, _ := store.All()
	if len(all) != 1 || all[0].SourceID != "s2" {
		t.Errorf("unexpected remaining items: %+v", all)
	}
}

func TestItemStore_GetBySourceIDsOrdering(t *testing.T) {
	store, clock := setupTestStore(t)
	now := clock.Now()

	_, err := store.PutItems([]Item{
		{SourceID: "s1", Title: "undated-1", URL: "z"},
		{SourceID: "s1", Title: "older", URL: "a", PublishedAt: ptr(now.Add(-5 * time.Hour))},
		{SourceID: "s2", Title: "newest", URL: "b", PublishedAt: ptr(now.Add(-1 * time.Hour))},
		{SourceID: "s2", Title: "undated-2", URL: "c"},
		{SourceID: "s3", Title: "other channel", URL: "d", PublishedAt: ptr(now)},
	})
	if err != nil {
		t.Fatal(err)
	}

	items, err := store.GetBySourceIDs([]string{"s1", "s2", "s1"})
	if err != nil {
		t.Fatal(err)
	}

	got := make([]string, 0, len(items))
	for _, it := range items {
		got = append(got, it.Title)
	}
	want := []string{"newest", "older", "undated-1", "undated-2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestItemStore_GetBySourceIDsAlwaysNotifies(t *testing.T) {
	store, _ := setupTestStore(t)
	notified := countNotifications(store)

	for i := 0; i < 3; i++ {
		if _, err := store.GetBySourceIDs([]string{"s1"}); err != nil {
			t.Fatal(err)
		}
	}
	if notified() != 3 {
		t.Errorf("expected a notification per read, got %d", notified())
	}
}

func TestItemStore_SnapshotIsolation(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.PutItems([]Item{
		{SourceID: "x", Title: "x1", URL: "u1"},
		{SourceID: "a", Title: "a1", URL: "u2"},
		{SourceID: "b", Title: "b1", URL: "u3"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := store.Snapshot([]string{"x"}); len(got) != 0 {
		t.Fatalf("snapshot before any read should be empty, got %d", len(got))
	}

	if _, err := store.GetBySourceIDs([]string{"x"}); err != nil {
		t.Fatal(err)
	}
	if got := store.Snapshot([]string{"x"}); len(got) != 1 || got[0].Title != "x1" {
		t.Errorf("expected cached x result, got %+v", got)
	}
	if got := store.Snapshot([]string{"a", "b"}); got == nil || len(got) != 0 {
		t.Errorf("different ids must give an empty, non-nil result, got %+v", got)
	}

	if _, err := store.GetBySourceIDs([]string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if got := store.Snapshot([]string{"b", "a"}); len(got) != 0 {
		t.Errorf("id order matters, got %+v", got)
	}
	if got := store.Snapshot([]string{"a", "b"}); len(got) != 2 {
		t.Errorf("expected 2 cached items, got %d", len(got))
	}

	// callers cannot corrupt the cache through the returned slice
	snap := store.Snapshot([]string{"a", "b"})
	snap[0].Title = "mutated"
	if again := store.Snapshot([]string{"a", "b"}); again[0].Title == "mutated" {
		t.Error("snapshot leaked internal state")
	}
}

func TestItemStore_PutItemsInvalidatesSnapshot(t *testing.T) {
	store, _ := setupTestStore(t)

	if _, err := store.GetBySourceIDs([]string{"s1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.PutItems([]Item{{SourceID: "s1", Title: "t", URL: "u"}}); err != nil {
		t.Fatal(err)
	}
	if got := store.Snapshot([]string{"s1"}); len(got) != 0 {
		t.Errorf("snapshot should be invalidated by a write, got %d items", len(got))
	}

	items, _ := store.GetBySourceIDs([]string{"s1"})
	if len(items) != 1 || len(store.Snapshot([]string{"s1"})) != 1 {
		t.Error("reload should refill the snapshot")
	}
}

func TestItemStore_Unsubscribe(t *testing.T) {
	store, _ := setupTestStore(t)

	calls := 0
	unsubscribe := store.Subscribe(func() { calls++ })
	store.GetBySourceIDs(nil)
	unsubscribe()
	store.GetBySourceIDs(nil)

	if calls != 1 {
		t.Errorf("expected 1 call before unsubscribe, got %d", calls)
	}
}

type recordingListener struct {
	added   []StoredItem
	removed []StoredItem
}

func (r *recordingListener) ItemsAdded(items []StoredItem)   { r.added = append(r.added, items...) }
func (r *recordingListener) ItemsRemoved(items []StoredItem) { r.removed = append(r.removed, items...) }

func TestItemStore_Listener(t *testing.T) {
	store, _ := setupTestStore(t)
	l := &recordingListener{}
	store.AddListener(l)

	store.PutItems([]Item{
		{SourceID: "s1", Title: "a", URL: "u1"},
		{SourceID: "s1", Title: "a dup", URL: "u1"},
	})
	if len(l.added) != 1 {
		t.Fatalf("expected 1 added event item, got %d", len(l.added))
	}

	store.DeleteBySource("s1")
	if len(l.removed) != 1 || l.removed[0].URL != "u1" {
		t.Errorf("unexpected removed items: %+v", l.removed)
	}
}

func TestItemStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "items.db")

	store, err := NewItemStore(dbPath, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.PutItems([]Item{{SourceID: "s1", Title: "kept", URL: "u1"}}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := NewItemStore(dbPath, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	added, err := reopened.PutItems([]Item{{SourceID: "s1", Title: "dup", URL: "u1"}})
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 {
		t.Error("uniqueness index must survive a reopen")
	}

	items, _ := reopened.GetBySourceIDs([]string{"s1"})
	if len(items) != 1 || items[0].Title != "kept" {
		t.Errorf("unexpected items after reopen: %+v", items)
	}
}

func TestItemStore_PutItemsSkipsOversizedURL(t *testing.T) {
	store, _ := setupTestStore(t)

	huge := "https://evil.example/" + strings.Repeat("a", 40*1024)
	added, err := store.PutItems([]Item{
		{SourceID: "good", Title: "good", URL: "https://good.example/1"},
		{SourceID: "evil", Title: "evil", URL: huge},
		{SourceID: "good", Title: "good too", URL: "https://good.example/2"},
	})
	if err != nil {
		t.Fatalf("one oversized item must not fail the batch: %v", err)
	}
	if added != 2 {
		t.Errorf("expected 2 added, got %d", added)
	}

	items, err := store.GetBySourceIDs([]string{"good", "evil"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Errorf("expected the 2 good items, got %d", len(items))
	}
}

func TestItemStore_WriteDuringReadKeepsSnapshotEmpty(t *testing.T) {
	store, _ := setupTestStore(t)

	store.afterRead = func() {
		store.afterRead = nil
		if _, err := store.PutItems([]Item{{SourceID: "s1", Title: "late", URL: "https://x.example/late"}}); err != nil {
			t.Error(err)
		}
	}

	items, err := store.GetBySourceIDs([]string{"s1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("read started before the write, got %d items", len(items))
	}
	if got := store.Snapshot([]string{"s1"}); len(got) != 0 {
		t.Errorf("stale read must not fill the snapshot, got %d items", len(got))
	}

	if items, _ := store.GetBySourceIDs([]string{"s1"}); len(items) != 1 {
		t.Errorf("expected the late item on the next read, got %d", len(items))
	}
	if got := store.Snapshot([]string{"s1"}); len(got) != 1 {
		t.Errorf("expected the snapshot to be refilled, got %d items", len(got))
	}
}
