package session

import (
	"context"
	"time"

	"github.com/odvcencio/scribe/pkg/logging"
)

// Reaper is the background task that expires idle sessions. It shares the
// registry's mutex discipline with foreground validation, so a session can
// never be both past its timeout and still reported valid.
type Reaper struct {
	registry *Registry
	interval time.Duration
	log      *logging.Logger
	stopChan chan struct{}

	// onSweep, when set, observes the result of each pass. Used for metrics.
	onSweep func(closed int, err error)
}

// ReaperConfig configures the background reaper.
type ReaperConfig struct {
	Registry *Registry
	Interval time.Duration
	Log      *logging.Logger
	OnSweep  func(closed int, err error)
}

// NewReaper creates a reaper. It does not start sweeping until Start.
func NewReaper(cfg ReaperConfig) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log := cfg.Log
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Reaper{
		registry: cfg.Registry,
		interval: interval,
		log:      log,
		stopChan: make(chan struct{}),
		onSweep:  cfg.OnSweep,
	}
}

// Start begins the reaper's background loop.
func (r *Reaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop terminates the background loop. Safe to call once.
func (r *Reaper) Stop() {
	close(r.stopChan)
}

func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one reaper pass. A pass failure is logged and swallowed; the
// next scheduled pass retries. Zero-work passes log at debug only.
func (r *Reaper) Sweep() {
	closed, err := r.registry.sweepExpired()
	if r.onSweep != nil {
		r.onSweep(closed, err)
	}
	if err != nil {
		r.log.Error(logging.CategoryReaper, "sweep_failed", "reaper pass failed", map[string]any{
			"closed": closed,
			"error":  err.Error(),
		})
		return
	}
	if closed == 0 {
		r.log.Debug(logging.CategoryReaper, "sweep_idle", "no sessions to expire", nil)
		return
	}
	r.log.Info(logging.CategoryReaper, "sweep_closed", "expired idle sessions", map[string]any{
		"closed": closed,
	})
}
