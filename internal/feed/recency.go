package feed

import (
	"time"

	"github.com/pders01/flum/internal/config"
)

const (
	DefaultRecentWindow = 48 * time.Hour
	DefaultMaxRecent    = 50
)

// RecencyPolicy decides which freshly fetched items are worth enriching
// and storing.
type RecencyPolicy struct {
	Window   time.Duration
	MaxItems int
}

func DefaultRecencyPolicy() RecencyPolicy {
	return RecencyPolicy{Window: DefaultRecentWindow, MaxItems: DefaultMaxRecent}
}

func RecencyPolicyFromConfig(cfg *config.Config) RecencyPolicy {
	p := DefaultRecencyPolicy()
	if cfg == nil {
		return p
	}
	if cfg.Feed.RecentWindow > 0 {
		p.Window = cfg.Feed.RecentWindow
	}
	if cfg.Feed.MaxRecentItems > 0 {
		p.MaxItems = cfg.Feed.MaxRecentItems
	}
	return p
}

// Filter keeps undated items and items younger than the window, in their
// original order, then truncates to MaxItems.
func (p RecencyPolicy) Filter(items []Item, now time.Time) []Item {
	if p.MaxItems <= 0 {
		p.MaxItems = DefaultMaxRecent
	}
	cutoff := now.Add(-p.Window)
	out := make([]Item, 0, min(len(items), p.MaxItems))
	for _, it := range items {
		if it.PublishedAt != nil && !it.PublishedAt.After(cutoff) {
			continue
		}
		out = append(out, it)
		if len(out) == p.MaxItems {
			break
		}
	}
	return out
}

// FilterRecent applies the default policy.
func FilterRecent(items []Item, now time.Time) []Item {
	return DefaultRecencyPolicy().Filter(items, now)
}
