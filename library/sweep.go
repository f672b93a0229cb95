package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SweepInterval is the default period between overdue sweeps.
const SweepInterval = time.Hour

// AutoReturnOverdue returns every textbook whose due date has passed. Each
// textbook is handled in its own transaction; a failure on one is logged and
// does not stop the others. Textbooks returned concurrently by someone else
// are skipped, so overlapping sweeps never double count.
func (lm *LibraryManager) AutoReturnOverdue(ctx context.Context) (*SweepResult, error) {
	now := lm.now()
	overdue, err := lm.db.GetOverdueTextbooks(now)
	if err != nil {
		return nil, fmt.Errorf("select overdue textbooks: %w", err)
	}

	result := &SweepResult{}
	for _, b := range overdue {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		returned, closed, err := lm.db.AutoReturnTextbook(b.ID, now)
		if err != nil {
			lm.logger.ErrorContext(ctx, "auto-return failed", "textbook_id", b.ID, "error", err)
			continue
		}
		if !returned {
			continue
		}
		if !closed {
			lm.logger.WarnContext(ctx, "no open checkout record to close", "textbook_id", b.ID)
		}
		lm.logger.InfoContext(ctx, "textbook auto-returned", "textbook_id", b.ID, "member_id", derefID(b.CheckedOutBy))
		result.ReturnedCount++
	}

	lm.logger.InfoContext(ctx, "overdue sweep finished", "overdue", len(overdue), "returned_count", result.ReturnedCount)
	return result, nil
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

// Sweeper is what the Scheduler triggers.
type Sweeper interface {
	AutoReturnOverdue(ctx context.Context) (*SweepResult, error)
}

// Scheduler runs a Sweeper immediately and then once per interval. A sweep
// that outlasts the interval delays the next one rather than overlapping it.
type Scheduler struct {
	logger   *slog.Logger
	sweeper  Sweeper
	interval time.Duration
}

func NewScheduler(logger *slog.Logger, sweeper Sweeper, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, sweeper: sweeper, interval: interval}
}

// Run blocks until ctx is done and returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.sweeper.AutoReturnOverdue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.ErrorContext(ctx, "overdue sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
