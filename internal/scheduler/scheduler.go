// Package scheduler keeps entity snapshots warm. On a cron-defined cadence
// it re-fetches the upstream entities of every ticket with an enabled
// automation and stores the result, so read surfaces and the external
// evaluator work from recent data. It never evaluates or fires rules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/autoflow/internal/entities"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/store"
)

// Scheduler refreshes entity snapshots for enabled automations.
type Scheduler struct {
	store    store.Store
	source   entities.Source
	parser   cron.Parser
	schedule cron.Schedule
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // ticket keys currently refreshing (dedup)
}

// NewScheduler creates a scheduler driven by a five-field cron expression,
// e.g. "*/5 * * * *" for every five minutes.
func NewScheduler(s store.Store, source entities.Source, cronExpr string, logger *slog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return &Scheduler{
		store:    s,
		source:   source,
		parser:   parser,
		schedule: schedule,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}, nil
}

// Start launches the background refresh loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	// Run an initial tick immediately, then follow the cron cadence.
	s.tick(ctx)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// tick refreshes every enabled ticket once.
func (s *Scheduler) tick(ctx context.Context) {
	keys, err := s.store.ListEnabledTickets(ctx)
	if err != nil {
		s.logger.Error("failed to list enabled tickets", slog.String("error", err.Error()))
		return
	}

	for _, key := range keys {
		if !s.tryAcquire(key) {
			continue // already refreshing (dedup)
		}
		if err := s.refresh(ctx, key); err != nil {
			logging.LogWith(logging.WithTicketKey(ctx, key), s.logger).
				Error("snapshot refresh failed", slog.String("error", err.Error()))
		}
		s.release(key)
	}
}

// refresh fetches one ticket's entities and stores the snapshot.
func (s *Scheduler) refresh(ctx context.Context, ticketKey string) error {
	snap, err := entities.Fetch(ctx, s.source, ticketKey)
	if err != nil {
		return err
	}
	return s.store.SaveEntitySnapshot(ctx, &store.EntitySnapshot{
		TicketKey:  ticketKey,
		WorkItem:   snap.WorkItem,
		Subtasks:   snap.Subtasks,
		Activities: snap.Activities,
		FetchedAt:  time.Now().UTC(),
	})
}

// RefreshNow refreshes a single ticket out of band.
func (s *Scheduler) RefreshNow(ctx context.Context, ticketKey string) error {
	if !s.tryAcquire(ticketKey) {
		return fmt.Errorf("refresh for %s already in flight", ticketKey)
	}
	defer s.release(ticketKey)
	return s.refresh(ctx, ticketKey)
}

// NextRun computes the next cadence point after from.
func (s *Scheduler) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

func (s *Scheduler) tryAcquire(ticketKey string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[ticketKey]; ok {
		return false
	}
	s.inflight[ticketKey] = struct{}{}
	return true
}

func (s *Scheduler) release(ticketKey string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, ticketKey)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
