package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/config"
	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/SteelMorgan/remote-log-ingest/internal/keylock"
	"github.com/SteelMorgan/remote-log-ingest/internal/mutation"
	"github.com/SteelMorgan/remote-log-ingest/internal/observability"
	"github.com/SteelMorgan/remote-log-ingest/internal/offset"
	"github.com/SteelMorgan/remote-log-ingest/internal/remote"
	"github.com/SteelMorgan/remote-log-ingest/internal/tailer"
	"github.com/SteelMorgan/remote-log-ingest/internal/writer"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "remote-log-ingest/service"

var (
	// ErrServerInactive is returned for runs against a deactivated server
	ErrServerInactive = errors.New("server is inactive")
	// ErrUnknownCategory is returned for a category missing from the registry
	ErrUnknownCategory = errors.New("unknown category")
)

// TailResult describes one RunTail invocation. Skipped is set when another
// run for the same (server, category) was already in flight.
type TailResult = tailer.Result

// Deps are the collaborators of IngestService
type Deps struct {
	Registry   *config.Registry
	Store      offset.PointerStore
	Pool       remote.Pool
	Dispatcher tailer.Dispatcher
	Queue      *mutation.Queue
	Progress   writer.ProgressWriter // optional
}

// IngestService is the entry point for scheduled work: tail runs and
// mutation drains
type IngestService struct {
	registry *config.Registry
	store    offset.PointerStore
	tailer   *tailer.Tailer
	queue    *mutation.Queue
	progress writer.ProgressWriter
	locks    *keylock.Set

	mu       sync.RWMutex
	inactive map[string]bool
	// gates are held shared by runs of a server and exclusively by its
	// deactivation
	gates map[string]*sync.RWMutex
}

// NewIngestService creates the service
func NewIngestService(deps Deps) (*IngestService, error) {
	if deps.Registry == nil || deps.Store == nil || deps.Pool == nil || deps.Dispatcher == nil || deps.Queue == nil {
		return nil, fmt.Errorf("registry, store, pool, dispatcher and queue are required")
	}

	s := &IngestService{
		registry: deps.Registry,
		store:    deps.Store,
		tailer:   tailer.New(deps.Pool, deps.Store, deps.Dispatcher),
		queue:    deps.Queue,
		progress: deps.Progress,
		locks:    keylock.New(),
		inactive: make(map[string]bool),
		gates:    make(map[string]*sync.RWMutex),
	}
	for _, e := range deps.Registry.Servers {
		if info, err := deps.Registry.Server(e.ID); err == nil && !info.Active {
			s.inactive[e.ID] = true
		}
	}
	return s, nil
}

// Tailer exposes the underlying tailer (used to pin the clock in tests)
func (s *IngestService) Tailer() *tailer.Tailer {
	return s.tailer
}

func (s *IngestService) gate(serverID string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[serverID]
	if !ok {
		g = &sync.RWMutex{}
		s.gates[serverID] = g
	}
	return g
}

func (s *IngestService) activeServer(serverID string) (*domain.ServerInfo, error) {
	server, err := s.registry.Server(serverID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	off := s.inactive[serverID]
	s.mu.RUnlock()
	if off {
		return nil, fmt.Errorf("%w: %s", ErrServerInactive, serverID)
	}
	return server, nil
}

// RunTail performs one tail run for (serverID, category). If a run for the
// same pair is still in flight it returns immediately with Skipped set.
func (s *IngestService) RunTail(ctx context.Context, serverID string, category domain.Category) (*TailResult, error) {
	gate := s.gate(serverID)
	gate.RLock()
	defer gate.RUnlock()

	server, err := s.activeServer(serverID)
	if err != nil {
		return nil, err
	}
	entry, ok := s.registry.Category(category)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	unlock, ok := s.locks.TryLock(domain.PointerKey(serverID, category))
	if !ok {
		log.Debug().
			Str("server_id", serverID).
			Str("category", string(category)).
			Msg("Tail run already in flight, skipping")
		return &TailResult{ServerID: serverID, Category: category, Skipped: true}, nil
	}
	defer unlock()

	ctx, span := observability.StartSpan(ctx, tracerName, "RunTail",
		attribute.String("server.id", serverID),
		attribute.String("log.category", string(category)),
	)

	res, err := s.tailer.Run(ctx, tailer.Target{
		Server:   server,
		Category: category,
		Prefix:   entry.Prefix,
	})
	if err != nil {
		observability.EndSpan(span, err, "tail run failed")
		log.Warn().
			Err(err).
			Str("server_id", serverID).
			Str("category", string(category)).
			Msg("Tail run failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("log.file", res.File),
		attribute.Int64("log.from", res.From),
		attribute.Int64("log.to", res.To),
		attribute.Int("log.lines", res.Lines),
		attribute.Bool("log.rotated", res.Rotated),
	)
	observability.EndSpan(span, nil, "tail run completed")

	if res.Committed {
		s.mirrorProgress(ctx, server, res)
	}
	return res, nil
}

func (s *IngestService) mirrorProgress(ctx context.Context, server *domain.ServerInfo, res *TailResult) {
	if s.progress == nil {
		return
	}
	err := s.progress.WriteFileReadingProgress(ctx, &domain.FileReadingProgress{
		Timestamp:     time.Now().UTC(),
		RunID:         res.RunID,
		ServerID:      server.ID,
		ServerName:    server.Name,
		Category:      string(res.Category),
		FileName:      res.File,
		FileSizeBytes: res.Size,
		OffsetBytes:   res.To,
		BytesRead:     res.BytesRead,
		LinesRead:     uint64(res.Lines),
		Rotated:       res.Rotated,
		DurationMs:    uint64(res.Duration.Milliseconds()),
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("server_id", server.ID).
			Str("category", string(res.Category)).
			Msg("Failed to mirror tail progress")
	}
}

// RunMutationDrain applies at most one pending mutation command for serverID
func (s *IngestService) RunMutationDrain(ctx context.Context, serverID string) (mutation.Outcome, error) {
	gate := s.gate(serverID)
	gate.RLock()
	defer gate.RUnlock()

	if _, err := s.activeServer(serverID); err != nil {
		return "", err
	}

	ctx, span := observability.StartSpan(ctx, tracerName, "RunMutationDrain",
		attribute.String("server.id", serverID),
	)
	outcome, err := s.queue.DrainOne(ctx, serverID)
	span.SetAttributes(attribute.String("mutation.outcome", string(outcome)))
	observability.EndSpan(span, err, "mutation drain "+string(outcome))
	return outcome, err
}

// Enqueue queues a mutation command after checking that its server and
// target are known
func (s *IngestService) Enqueue(cmd domain.MutationCommand) (string, error) {
	gate := s.gate(cmd.ServerID)
	gate.RLock()
	defer gate.RUnlock()

	server, err := s.activeServer(cmd.ServerID)
	if err != nil {
		return "", err
	}
	if _, ok := s.registry.TargetPath(server, cmd.TargetFile); !ok {
		return "", fmt.Errorf("%w: %s", mutation.ErrUnknownTarget, cmd.TargetFile)
	}
	return s.queue.Enqueue(cmd)
}

// DeactivateServer stops work for a server and forgets its pointers and
// pending mutations. It waits for runs already in flight, so none of them
// can save a pointer or re-queue a command afterwards.
func (s *IngestService) DeactivateServer(ctx context.Context, serverID string) error {
	if _, err := s.registry.Server(serverID); err != nil {
		return err
	}

	gate := s.gate(serverID)
	gate.Lock()
	defer gate.Unlock()

	s.mu.Lock()
	s.inactive[serverID] = true
	s.mu.Unlock()

	pointers, err := s.store.DeleteServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("delete pointers: %w", err)
	}
	commands := s.queue.DeleteServer(serverID)

	log.Info().
		Str("server_id", serverID).
		Int("pointers", pointers).
		Int("commands", commands).
		Msg("Server deactivated")
	return nil
}

// Active reports whether serverID is known and active
func (s *IngestService) Active(serverID string) bool {
	_, err := s.activeServer(serverID)
	return err == nil
}
