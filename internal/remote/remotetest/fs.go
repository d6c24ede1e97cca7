// Package remotetest provides an in-memory remote filesystem implementing
// remote.Pool for tests.
package remotetest

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/SteelMorgan/remote-log-ingest/internal/remote"
)

// FS is a thread-safe in-memory remote shared by every server id.
// Paths are absolute and slash-separated.
type FS struct {
	mu    sync.Mutex
	files map[string][]byte

	// NoRange makes Open ignore the offset hint, like a server without REST
	NoRange bool

	errs     map[string][]error
	acquired int
	released int
	opens    int
}

// New creates an empty FS
func New() *FS {
	return &FS{
		files: make(map[string][]byte),
		errs:  make(map[string][]error),
	}
}

// Put replaces the content of a file
func (f *FS) Put(p string, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = []byte(data)
}

// Append appends to a file, creating it if needed
func (f *FS) Append(p string, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = append(f.files[p], data...)
}

// Remove deletes a file
func (f *FS) Remove(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, p)
}

// Get returns a file's content and whether it exists
func (f *FS) Get(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[p]
	return string(data), ok
}

// FailNext queues err to be returned by the next call of op
// ("acquire", "list", "size", "open", "download", "upload").
func (f *FS) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], err)
}

// Stats returns acquire/release/open counters
func (f *FS) Stats() (acquired, released, opens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released, f.opens
}

func (f *FS) takeErr(op string) error {
	queue := f.errs[op]
	if len(queue) == 0 {
		return nil
	}
	f.errs[op] = queue[1:]
	return queue[0]
}

// Acquire implements remote.Pool
func (f *FS) Acquire(ctx context.Context, serverID string) (remote.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("acquire"); err != nil {
		return nil, err
	}
	f.acquired++
	return &conn{fs: f}, nil
}

// Release implements remote.Pool
func (f *FS) Release(c remote.Conn, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

type conn struct {
	fs *FS
}

func (c *conn) List(ctx context.Context, dir string) ([]string, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.takeErr("list"); err != nil {
		return nil, err
	}

	dir = strings.TrimSuffix(dir, "/")
	var names []string
	for p := range c.fs.files {
		if path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (c *conn) Size(ctx context.Context, p string) (int64, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.takeErr("size"); err != nil {
		return 0, err
	}
	data, ok := c.fs.files[p]
	if !ok {
		return 0, remote.ErrNotFound
	}
	return int64(len(data)), nil
}

func (c *conn) Open(ctx context.Context, p string, offset int64) (io.ReadCloser, int64, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.takeErr("open"); err != nil {
		return nil, 0, err
	}
	data, ok := c.fs.files[p]
	if !ok {
		return nil, 0, remote.ErrNotFound
	}
	c.fs.opens++

	snapshot := append([]byte(nil), data...)
	if c.fs.NoRange || offset <= 0 || offset > int64(len(snapshot)) {
		return io.NopCloser(bytes.NewReader(snapshot)), 0, nil
	}
	return io.NopCloser(bytes.NewReader(snapshot[offset:])), offset, nil
}

func (c *conn) Download(ctx context.Context, p string) ([]byte, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.takeErr("download"); err != nil {
		return nil, err
	}
	data, ok := c.fs.files[p]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (c *conn) Upload(ctx context.Context, p string, data []byte) error {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.takeErr("upload"); err != nil {
		return err
	}
	c.fs.files[p] = append([]byte(nil), data...)
	return nil
}
