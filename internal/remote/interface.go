package remote

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrAcquireTimeout is returned when no connection slot frees up before the
	// acquire deadline. It fails the run, never the pool.
	ErrAcquireTimeout = errors.New("timed out waiting for a remote connection")

	// ErrNotFound is returned by Conn operations when the remote path does not exist
	ErrNotFound = errors.New("remote file not found")
)

// Conn is an authenticated remote file transfer handle for one server.
// A Conn is used by one goroutine at a time between Acquire and Release.
type Conn interface {
	// List returns the base names of the entries in dir
	List(ctx context.Context, dir string) ([]string, error)

	// Size returns the current size of the remote file in bytes
	Size(ctx context.Context, filePath string) (int64, error)

	// Open starts a streaming read of filePath as close to offset as the
	// transport allows. It returns the offset the stream actually starts at,
	// which is either offset or 0 for transports without range support.
	Open(ctx context.Context, filePath string, offset int64) (io.ReadCloser, int64, error)

	// Download reads the whole remote file
	Download(ctx context.Context, filePath string) ([]byte, error)

	// Upload replaces the whole remote file
	Upload(ctx context.Context, filePath string, data []byte) error
}

// Pool hands out connections per server id
type Pool interface {
	// Acquire blocks until a connection for serverID is available, the pool's
	// acquire timeout elapses, or ctx is cancelled.
	Acquire(ctx context.Context, serverID string) (Conn, error)

	// Release returns conn to the pool. A non-nil err marks the connection as
	// suspect; it is closed instead of being reused.
	Release(conn Conn, err error)
}
