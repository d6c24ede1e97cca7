package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/SteelMorgan/remote-log-ingest/internal/mutation"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Scheduler triggers RunTail per (server, category) on each category's
// cadence and RunMutationDrain per server on the drain cadence
type Scheduler struct {
	svc       *IngestService
	cron      *cron.Cron
	drainSpec string
	runCtx    context.Context
	cancel    context.CancelFunc
}

// NewScheduler creates a scheduler. drainSpec is a cron spec such as "@every 10s".
func NewScheduler(svc *IngestService, drainSpec string) *Scheduler {
	return &Scheduler{
		svc:       svc,
		drainSpec: drainSpec,
		cron: cron.New(
			cron.WithChain(cron.Recover(cron.PrintfLogger(&log.Logger))),
		),
	}
}

// Register adds jobs for every active server. Call before Start.
func (s *Scheduler) Register(ctx context.Context) error {
	s.runCtx, s.cancel = context.WithCancel(ctx)
	reg := s.svc.registry

	for _, server := range reg.ActiveServers() {
		serverID := server.ID
		for _, category := range reg.CategoryNames() {
			entry, _ := reg.Category(category)
			if _, err := s.cron.AddFunc(entry.Schedule, func() { s.tail(serverID, category) }); err != nil {
				return fmt.Errorf("schedule %s for server %s: %w", category, serverID, err)
			}
		}
		if _, err := s.cron.AddFunc(s.drainSpec, func() { s.drain(serverID) }); err != nil {
			return fmt.Errorf("schedule mutation drain for server %s: %w", serverID, err)
		}
	}

	log.Info().
		Int("jobs", len(s.cron.Entries())).
		Str("drain_interval", s.drainSpec).
		Msg("Scheduler jobs registered")
	return nil
}

// Jobs returns the number of registered jobs
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start starts the cron loop in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops triggering new runs, cancels in-flight ones and waits for them
// up to timeout
func (s *Scheduler) Stop(timeout time.Duration) {
	done := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-done.Done():
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Timed out waiting for scheduled runs to finish")
	}
}

func (s *Scheduler) tail(serverID string, category domain.Category) {
	if !s.svc.Active(serverID) {
		return
	}
	res, err := s.svc.RunTail(s.runCtx, serverID, category)
	if err != nil || res.Skipped {
		return
	}
	if res.Lines > 0 || res.Rotated || res.Truncated {
		log.Info().
			Str("run_id", res.RunID).
			Str("server_id", serverID).
			Str("category", string(category)).
			Str("file", res.File).
			Int64("position", res.To).
			Int64("size", res.Size).
			Int("lines", res.Lines).
			Bool("rotated", res.Rotated).
			Msg("Tail run completed")
	}
}

func (s *Scheduler) drain(serverID string) {
	if !s.svc.Active(serverID) {
		return
	}
	outcome, err := s.svc.RunMutationDrain(s.runCtx, serverID)
	if err != nil && !errors.Is(err, context.Canceled) && outcome != mutation.Requeued && outcome != mutation.Dropped {
		log.Warn().Err(err).Str("server_id", serverID).Msg("Mutation drain failed")
	}
}
