// Package merge drives the background processing of merge-tree tables: a
// periodic scheduler that asks each table for at most one merge or mutation
// per tick, plus the due cleanups.
package merge

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harshithgowdakt/mergetree/internal/storage"
)

// BackgroundScheduler periodically ticks a table's background protocol. It
// owns no table state; it only borrows snapshots through the table's
// scheduling entry point.
type BackgroundScheduler struct {
	table    *storage.MergeTreeTable
	interval time.Duration
	trigger  chan struct{}
	log      logrus.FieldLogger
}

// NewBackgroundScheduler creates a scheduler for one table and installs its
// wake-up hook so inserts, mutations and kills re-tick immediately.
func NewBackgroundScheduler(table *storage.MergeTreeTable, interval time.Duration, log logrus.FieldLogger) *BackgroundScheduler {
	if log == nil {
		log = logrus.StandardLogger().WithField("table", table.Name)
	}
	s := &BackgroundScheduler{
		table:    table,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		log:      log,
	}
	table.SetOnTrigger(s.Trigger)
	return s
}

// Trigger wakes the scheduler without waiting for the next tick.
func (s *BackgroundScheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, ticking the table on the configured
// interval and on explicit triggers. A tick that found work re-ticks
// immediately: several small merges should not wait a full interval each.
func (s *BackgroundScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}

		for s.tick(ctx) {
			if ctx.Err() != nil || s.table.ShutdownCalled() {
				return
			}
		}
		if s.table.ShutdownCalled() {
			return
		}
	}
}

func (s *BackgroundScheduler) tick(ctx context.Context) bool {
	return s.table.ScheduleBackgroundJob(ctx)
}
