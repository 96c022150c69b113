package storage

import (
	"time"
)

// Item is what callers hand to PutItems. SourceID and URL together
// identify it.
type Item struct {
	SourceID      string     `json:"source_id"`
	Title         string     `json:"title"`
	URL           string     `json:"url"`
	Content       string     `json:"content,omitempty"`
	ThumbnailURL  string     `json:"thumbnail_url,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	OGImage       string     `json:"og_image,omitempty"`
	OGDescription string     `json:"og_description,omitempty"`
}

// StoredItem is an Item as persisted, with its key and first-seen time.
type StoredItem struct {
	ID uint64 `json:"id"`
	Item
	FetchedAt time.Time `json:"fetched_at"`
}

// EffectiveTime is the publication time, or the fetch time for undated
// items.
func (s StoredItem) EffectiveTime() time.Time {
	if s.PublishedAt != nil {
		return *s.PublishedAt
	}
	return s.FetchedAt
}

// Listener observes committed mutations. Calls happen after the
// transaction, outside any store lock.
type Listener interface {
	ItemsAdded(items []StoredItem)
	ItemsRemoved(items []StoredItem)
}
