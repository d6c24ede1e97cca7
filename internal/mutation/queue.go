// Package mutation implements the per-server queue of line edits applied to
// remote config/list files.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/SteelMorgan/remote-log-ingest/internal/keylock"
	"github.com/SteelMorgan/remote-log-ingest/internal/remote"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultMaxRetries is how many times a failed command is re-queued before
// it is dropped
const DefaultMaxRetries = 5

// ErrUnknownTarget is returned when a command names a target file that is
// not configured
var ErrUnknownTarget = errors.New("unknown mutation target")

// Outcome is the result of one drain tick
type Outcome string

const (
	Empty    Outcome = "empty"
	Busy     Outcome = "busy"
	Applied  Outcome = "applied"
	Requeued Outcome = "requeued"
	Dropped  Outcome = "dropped"
)

// Targets resolves a target name to a remote path on a server
type Targets interface {
	Server(id string) (*domain.ServerInfo, error)
	TargetPath(server *domain.ServerInfo, target string) (string, bool)
}

// Notifier receives the follow-up action of a successfully applied command
type Notifier interface {
	Notify(ctx context.Context, serverID, followUp string) error
}

// Queue holds pending commands per server, in FIFO order. Commands live in
// memory only and are lost on restart.
type Queue struct {
	pool       remote.Pool
	targets    Targets
	notifier   Notifier
	maxRetries int
	locks      *keylock.Set

	mu      sync.Mutex
	pending map[string][]*domain.MutationCommand
	// epoch is bumped by DeleteServer so a command taken off the queue
	// before the delete is not put back after it
	epoch map[string]uint64
}

// NewQueue creates a queue. notifier may be nil.
func NewQueue(pool remote.Pool, targets Targets, notifier Notifier, maxRetries int) *Queue {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{
		pool:       pool,
		targets:    targets,
		notifier:   notifier,
		maxRetries: maxRetries,
		locks:      keylock.New(),
		pending:    make(map[string][]*domain.MutationCommand),
		epoch:      make(map[string]uint64),
	}
}

// Enqueue validates cmd and appends it to its server's queue
func (q *Queue) Enqueue(cmd domain.MutationCommand) (string, error) {
	if cmd.ServerID == "" {
		return "", fmt.Errorf("mutation command has no server id")
	}
	if cmd.TargetFile == "" {
		return "", fmt.Errorf("mutation command has no target file")
	}
	if err := cmd.Operation.Validate(); err != nil {
		return "", err
	}
	if cmd.Operation == domain.OpUpdateByKey && strings.TrimSpace(cmd.Key) == "" {
		return "", fmt.Errorf("update command has no key")
	}

	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.RetryCount = 0
	cmd.EnqueuedAt = time.Now().UTC()

	q.mu.Lock()
	q.pending[cmd.ServerID] = append(q.pending[cmd.ServerID], &cmd)
	depth := len(q.pending[cmd.ServerID])
	q.mu.Unlock()

	log.Debug().
		Str("command_id", cmd.ID).
		Str("server_id", cmd.ServerID).
		Str("target", cmd.TargetFile).
		Str("operation", string(cmd.Operation)).
		Int("queue_depth", depth).
		Msg("Mutation command enqueued")

	return cmd.ID, nil
}

// Len returns the number of pending commands for a server
func (q *Queue) Len(serverID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[serverID])
}

// Pending returns copies of the pending commands for a server in queue order
func (q *Queue) Pending(serverID string) []domain.MutationCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.MutationCommand, 0, len(q.pending[serverID]))
	for _, c := range q.pending[serverID] {
		out = append(out, *c)
	}
	return out
}

// DeleteServer discards every pending command of a server
func (q *Queue) DeleteServer(serverID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending[serverID])
	delete(q.pending, serverID)
	q.epoch[serverID]++
	return n
}

func (q *Queue) pop(serverID string) (*domain.MutationCommand, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	epoch := q.epoch[serverID]
	queue := q.pending[serverID]
	if len(queue) == 0 {
		return nil, epoch
	}
	cmd := queue[0]
	queue[0] = nil
	if len(queue) == 1 {
		delete(q.pending, serverID)
	} else {
		q.pending[serverID] = queue[1:]
	}
	return cmd, epoch
}

// pushBack re-queues cmd unless the server was deleted since epoch
func (q *Queue) pushBack(cmd *domain.MutationCommand, epoch uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.epoch[cmd.ServerID] != epoch {
		return false
	}
	q.pending[cmd.ServerID] = append(q.pending[cmd.ServerID], cmd)
	return true
}

// DrainOne takes at most one command off the server's queue and applies it.
// A failed command goes to the back of the queue with its retry counter
// incremented; once the counter exceeds the retry bound it is dropped.
// Drains of the same server never overlap: a concurrent call returns Busy.
func (q *Queue) DrainOne(ctx context.Context, serverID string) (Outcome, error) {
	unlock, ok := q.locks.TryLock(serverID)
	if !ok {
		return Busy, nil
	}
	defer unlock()

	cmd, epoch := q.pop(serverID)
	if cmd == nil {
		return Empty, nil
	}

	logger := log.With().
		Str("command_id", cmd.ID).
		Str("server_id", serverID).
		Str("target", cmd.TargetFile).
		Str("operation", string(cmd.Operation)).
		Logger()

	err := q.apply(ctx, cmd)
	if err == nil {
		logger.Info().Int("retry_count", cmd.RetryCount).Msg("Mutation command applied")
		q.notify(ctx, cmd)
		return Applied, nil
	}

	cmd.RetryCount++
	if cmd.RetryCount > q.maxRetries {
		logger.Error().
			Err(err).
			Int("retry_count", cmd.RetryCount).
			Int("max_retries", q.maxRetries).
			Msg("Mutation command dropped after exhausting retries")
		return Dropped, err
	}

	if !q.pushBack(cmd, epoch) {
		logger.Info().
			Err(err).
			Msg("Mutation command failed after its server was removed, discarding")
		return Dropped, err
	}
	logger.Warn().
		Err(err).
		Int("retry_count", cmd.RetryCount).
		Msg("Mutation command failed, re-queued")
	return Requeued, err
}

func (q *Queue) apply(ctx context.Context, cmd *domain.MutationCommand) error {
	server, err := q.targets.Server(cmd.ServerID)
	if err != nil {
		return err
	}
	target, ok := q.targets.TargetPath(server, cmd.TargetFile)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, cmd.TargetFile)
	}

	conn, err := q.pool.Acquire(ctx, cmd.ServerID)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}

	err = q.edit(ctx, conn, target, cmd)
	if errors.Is(err, ErrLineNotFound) || errors.Is(err, ErrKeyNotFound) {
		// content problem, the session itself is fine
		q.pool.Release(conn, nil)
	} else {
		q.pool.Release(conn, err)
	}
	return err
}

func (q *Queue) edit(ctx context.Context, conn remote.Conn, target string, cmd *domain.MutationCommand) error {
	content, err := conn.Download(ctx, target)
	if errors.Is(err, remote.ErrNotFound) && cmd.Operation == domain.OpAppend {
		content, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", target, err)
	}

	updated, changed, err := Apply(content, cmd)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err := conn.Upload(ctx, target, updated); err != nil {
		return fmt.Errorf("upload %s: %w", target, err)
	}
	return nil
}

func (q *Queue) notify(ctx context.Context, cmd *domain.MutationCommand) {
	if q.notifier == nil || cmd.FollowUp == "" {
		return
	}
	if err := q.notifier.Notify(ctx, cmd.ServerID, cmd.FollowUp); err != nil {
		log.Warn().
			Err(err).
			Str("command_id", cmd.ID).
			Str("server_id", cmd.ServerID).
			Str("follow_up", cmd.FollowUp).
			Msg("Failed to send mutation follow-up")
	}
}
