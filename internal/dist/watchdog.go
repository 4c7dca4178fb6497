package dist

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// DefaultWatchInterval is how often a worker checks its parent.
const DefaultWatchInterval = time.Second

// ParentWatch cancels a worker's context when its controller goes away. A
// worker whose parent dies is re-parented, so a changed parent pid means the
// controller is gone.
type ParentWatch struct {
	Interval time.Duration
	Getppid  func() int
	Logger   *zap.Logger
}

// Watch returns a context that is canceled when the parent pid changes or
// parent is canceled. The returned cancel function stops the watch.
func (p ParentWatch) Watch(parent context.Context) (context.Context, context.CancelFunc) {
	getppid := p.Getppid
	if getppid == nil {
		getppid = os.Getppid
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	original := getppid()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ppid := getppid(); ppid != original {
					log.Warn("controller gone, stopping worker",
						zap.Int("original_ppid", original),
						zap.Int("ppid", ppid))
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}
