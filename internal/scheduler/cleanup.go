package scheduler

import (
	"context"
	"time"
)

// StartCleanup periodically forgets terminal records older than ttlHours and
// prunes the history store with the same cutoff. It returns immediately; the
// loop stops when ctx is done. A non-positive ttlHours disables cleanup.
func (s *Scheduler) StartCleanup(ctx context.Context, ttlHours, intervalMinutes int) {
	if ttlHours <= 0 {
		return
	}
	if intervalMinutes <= 0 {
		intervalMinutes = 60
	}
	ttl := time.Duration(ttlHours) * time.Hour
	ticker := time.NewTicker(time.Duration(intervalMinutes) * time.Minute)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup(ctx, ttl)
			}
		}
	}()
}

func (s *Scheduler) cleanup(ctx context.Context, ttl time.Duration) {
	cutoff := s.now().Add(-ttl)
	swept := s.SweepFinishedBefore(cutoff)

	if s.store == nil {
		return
	}
	n, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("cleanup: delete history", "error", err)
		return
	}
	if n > 0 || swept > 0 {
		s.logger.Info("cleanup: removed expired jobs", "live", swept, "history", n)
	}
}
