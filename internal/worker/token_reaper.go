package worker

import (
	"context"
	"sync"
	"time"

	"github.com/skygames/payout-engine/internal/service"
	"go.uber.org/zap"
)

const defaultReapInterval = 10 * time.Minute

// TokenReaper periodically deletes expired confirmation tokens so the token
// store only ever holds live or recently burned tokens.
type TokenReaper struct {
	admin    *service.AdminService
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTokenReaper wires the reaper. A non-positive interval falls back to 10
// minutes.
func NewTokenReaper(admin *service.AdminService, interval time.Duration, log *zap.Logger) *TokenReaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenReaper{admin: admin, interval: interval, log: log.Named("token_reaper")}
}

// Start launches the background loop. No-op when already running.
func (r *TokenReaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run(ctx, r.stopCh, r.doneCh)
}

// Stop signals the loop and waits for it to exit.
func (r *TokenReaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
	r.stopCh = nil
	r.doneCh = nil
}

func (r *TokenReaper) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := r.admin.SweepExpiredTokens(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("token sweep failed", zap.Error(err))
			}
		}
	}
}
