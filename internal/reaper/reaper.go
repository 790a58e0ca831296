package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/dukepan/presence-fabric/internal/presence"
	"github.com/dukepan/presence-fabric/internal/utils"
)

// Reaper periodically garbage-collects connections whose heartbeats have
// lapsed, issuing synthetic leaves through the Service so the resulting
// events are indistinguishable from explicit ones. Two reapers on two nodes
// may target the same connection; the Service's reap path publishes at most
// one leave event, so the race is harmless.
type Reaper struct {
	svc      *presence.Service
	logger   *utils.Logger
	interval time.Duration
	lookback time.Duration

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a reaper. interval is the scan frequency, lookback the age a
// connection's last heartbeat must exceed to be considered stale.
func New(svc *presence.Service, logger *utils.Logger, interval, lookback time.Duration) *Reaper {
	return &Reaper{
		svc:      svc,
		logger:   logger,
		interval: interval,
		lookback: lookback,
		done:     make(chan struct{}),
	}
}

// Start begins the periodic scan. Scans run synchronously on the ticker
// goroutine with the interval as a soft deadline, so an overrunning scan
// drops the ticks it missed instead of queueing them.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-ticker.C:
				scanCtx, cancel := context.WithTimeout(ctx, r.interval)
				r.scanOnce(scanCtx)
				cancel()
			}
		}
	}()
}

// Stop halts the scan loop and waits for an in-flight scan to finish. Safe
// to call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

// scanOnce walks every active room and reaps its stale connections. Errors
// are logged and swallowed per room; the next tick retries.
func (r *Reaper) scanOnce(ctx context.Context) {
	rooms, err := r.svc.ActiveRooms(ctx)
	if err != nil {
		r.logger.Error(ctx, "reaper failed to list active rooms: %v", err)
		return
	}

	staleBefore := time.Now().Add(-r.lookback).UnixMilli()
	for _, roomID := range rooms {
		if ctx.Err() != nil {
			return
		}
		if err := r.reapRoom(ctx, roomID, staleBefore); err != nil {
			r.logger.Error(ctx, "reaper failed for room %s: %v", roomID, err)
		}
	}
}

func (r *Reaper) reapRoom(ctx context.Context, roomID string, staleBefore int64) error {
	stale, err := r.svc.StaleConnections(ctx, roomID, staleBefore)
	if err != nil {
		return err
	}
	for _, connID := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reaped, err := r.svc.Reap(ctx, roomID, connID, staleBefore)
		if err != nil {
			r.logger.Error(ctx, "reaper failed to remove conn %s from room %s: %v", connID, roomID, err)
			continue
		}
		if reaped {
			r.logger.Info(ctx, "reaped stale conn %s from room %s", connID, roomID)
		}
	}
	return nil
}
