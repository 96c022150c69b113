package refresh

import (
	"context"
	"time"

	"github.com/pders01/flum/internal/debuglog"
	"github.com/pders01/flum/internal/storage"
)

// DefaultInterval is the automatic refresh period.
const DefaultInterval = 30 * time.Minute

type Syncer interface {
	SyncChannel(ctx context.Context, channelID string) ([]storage.StoredItem, error)
}

// Scheduler syncs a fixed set of channels when started, on every tick
// and whenever Trigger is called. Failures are logged and otherwise
// ignored.
type Scheduler struct {
	syncer   Syncer
	channels []string
	interval time.Duration
	trigger  chan struct{}
}

func NewScheduler(syncer Syncer, interval time.Duration, channelIDs ...string) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		syncer:   syncer,
		channels: channelIDs,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests an immediate sync. Requests made while one is
// already pending are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.syncAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.syncAll(ctx)
		case <-s.trigger:
			s.syncAll(ctx)
			ticker.Reset(s.interval)
		}
	}
}

func (s *Scheduler) syncAll(ctx context.Context) {
	for _, id := range s.channels {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.syncer.SyncChannel(ctx, id); err != nil {
			debuglog.WithFields(map[string]any{"channel": id}).Infof("scheduled refresh failed: %v", err)
		}
	}
}
