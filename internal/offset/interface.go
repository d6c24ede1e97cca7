package offset

import (
	"context"
	"fmt"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
)

// PointerStore stores and retrieves read pointers, one per (server, category).
// Implementations: BoltDB (default), SQLite.
//
// Save is atomic per key. Callers serialize writers for the same key
// (see keylock), so the store does no locking of its own beyond that.
type PointerStore interface {
	// Load returns the pointer for (serverID, category), or nil if the pair
	// has never been tailed
	Load(ctx context.Context, serverID string, category domain.Category) (*domain.ReadPointer, error)

	// Save creates or replaces the pointer
	Save(ctx context.Context, p *domain.ReadPointer) error

	// Delete removes one pointer
	Delete(ctx context.Context, serverID string, category domain.Category) error

	// DeleteServer removes every pointer of a server and returns how many were removed
	DeleteServer(ctx context.Context, serverID string) (int, error)

	// List returns all stored pointers ordered by server and category
	List(ctx context.Context) ([]domain.ReadPointer, error)

	// Close closes the store
	Close() error
}

// validate enforces the pointer invariants before anything is persisted
func validate(p *domain.ReadPointer) error {
	if p == nil {
		return fmt.Errorf("pointer is nil")
	}
	if p.ServerID == "" || p.Category == "" {
		return fmt.Errorf("pointer key is incomplete (server=%q category=%q)", p.ServerID, p.Category)
	}
	if p.FileName == "" {
		return fmt.Errorf("pointer %s has no file name", p.Key())
	}
	if p.Position < 0 {
		return fmt.Errorf("pointer %s has negative position %d", p.Key(), p.Position)
	}
	if p.Position > p.ObservedFileSize {
		return fmt.Errorf("pointer %s position %d exceeds observed size %d", p.Key(), p.Position, p.ObservedFileSize)
	}
	return nil
}
