package syncer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sellerledger/recovery-engine/internal/store"
)

// Scheduler triggers a sync for every eligible seller on a fixed tick.
// A seller is eligible when it has no active run and its last completed
// run is older than the minimum interval. Starts are staggered so a tick
// never bursts the marketplace API.
type Scheduler struct {
	db          store.Store
	mgr         *Manager
	interval    time.Duration // tick period
	minInterval time.Duration // minimum gap between completed syncs
	stagger     time.Duration // delay between per-seller starts

	clock func() time.Time
	sleep func(context.Context, time.Duration)
}

func NewScheduler(db store.Store, mgr *Manager, interval, minInterval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if minInterval <= 0 {
		minInterval = time.Hour
	}
	return &Scheduler{
		db:          db,
		mgr:         mgr,
		interval:    interval,
		minInterval: minInterval,
		stagger:     2 * time.Second,
		clock:       time.Now,
		sleep:       sleepCtx,
	}
}

// Run ticks until the context is cancelled. The first sweep happens
// immediately.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] Started: tick %s, min interval %s", s.interval, s.minInterval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] Stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep starts a sync for every eligible seller. One seller's failure
// never blocks the rest.
func (s *Scheduler) sweep(ctx context.Context) {
	sellers, err := s.db.ListSellerAccounts(ctx)
	if err != nil {
		log.Printf("[Scheduler] Failed to list sellers: %v", err)
		return
	}

	started := 0
	for _, seller := range sellers {
		if ctx.Err() != nil {
			return
		}
		eligible, err := s.eligible(ctx, seller.SellerID)
		if err != nil {
			log.Printf("[Scheduler] Eligibility check failed for %s: %v", seller.SellerID, err)
			continue
		}
		if !eligible {
			continue
		}
		if started > 0 {
			s.sleep(ctx, s.stagger)
		}
		syncID, err := s.mgr.Start(ctx, seller.SellerID)
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			// Raced with a manual start; fine.
		case err != nil:
			log.Printf("[Scheduler] Failed to start sync for %s: %v", seller.SellerID, err)
		default:
			log.Printf("[Scheduler] Started sync %s for seller %s", syncID, seller.SellerID)
			started++
		}
	}
}

// eligible applies the no-active-run and min-interval guards.
func (s *Scheduler) eligible(ctx context.Context, sellerID string) (bool, error) {
	if _, err := s.db.ActiveSyncRun(ctx, sellerID); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	last, err := s.db.LastCompletedSync(ctx, sellerID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil // never synced
	}
	if err != nil {
		return false, err
	}
	completedAt := last.StartedAt
	if last.CompletedAt != nil {
		completedAt = *last.CompletedAt
	}
	return s.clock().Sub(completedAt) >= s.minInterval, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
