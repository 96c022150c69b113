// Package freshness grades items by age for display.
package freshness

import "time"

// DisplayMaxAge is how long an item stays on screen.
const DisplayMaxAge = 24 * time.Hour

type Stage int

const (
	Fresh Stage = iota
	Recent
	Aging
	Old
	Stale
)

func (s Stage) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Recent:
		return "recent"
	case Aging:
		return "aging"
	case Old:
		return "old"
	default:
		return "stale"
	}
}

// StageFor grades an item published at published. Undated items are stale.
func StageFor(published *time.Time, now time.Time) Stage {
	if published == nil {
		return Stale
	}
	return stageForAge(now.Sub(*published))
}

func stageForAge(age time.Duration) Stage {
	switch {
	case age < time.Hour:
		return Fresh
	case age < 6*time.Hour:
		return Recent
	case age < 12*time.Hour:
		return Aging
	case age < 18*time.Hour:
		return Old
	default:
		return Stale
	}
}

// IsExpired reports whether an item has aged out of the display window.
// Undated items age from fetchedAt.
func IsExpired(published *time.Time, fetchedAt, now time.Time) bool {
	ref := fetchedAt
	if published != nil {
		ref = *published
	}
	return now.Sub(ref) >= DisplayMaxAge
}
