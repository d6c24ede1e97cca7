package writer

import (
	"context"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
)

// ProgressWriter records committed tail runs for monitoring.
// It mirrors the pointer store; it is never read back.
type ProgressWriter interface {
	WriteFileReadingProgress(ctx context.Context, progress *domain.FileReadingProgress) error
}

// BatchConfig configures batch behavior
type BatchConfig struct {
	Database            string // Target database (default: logs)
	MaxSize             int    // Lines buffered before an automatic flush
	EnableDeduplication bool   // Skip lines whose hash already exists (slower but prevents duplicates)
}

// rowSender inserts rows into a table
type rowSender func(ctx context.Context, table string, rows [][]any) error

// hashChecker reports which of the hashes already exist in a table
type hashChecker func(ctx context.Context, table string, hashes []string) (map[string]bool, error)
