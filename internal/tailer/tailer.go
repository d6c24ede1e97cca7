package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/catalog"
	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/SteelMorgan/remote-log-ingest/internal/offset"
	"github.com/SteelMorgan/remote-log-ingest/internal/remote"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

const (
	readBufferSize = 64 * 1024
	ctxCheckEvery  = 256
)

// errShortRead means the stream ended before the size observed at open
var errShortRead = errors.New("remote stream ended before the observed file size")

// Dispatcher receives the sanitized lines of a run, in file order
type Dispatcher interface {
	Dispatch(ctx context.Context, lines []domain.Line) error
}

// Target identifies what to tail. It is resolved from the server registry.
type Target struct {
	Server   *domain.ServerInfo
	Category domain.Category
	Prefix   string
}

// Outcome is the result of reading one run's worth of data, before anything
// is dispatched or persisted
type Outcome struct {
	Pointer   *domain.ReadPointer // nil when there was nothing to read from
	Lines     []domain.Line
	From      int64 // start position in the first file read
	BytesRead int64
	Rotated   bool
	Truncated bool
	Files     []string

	// closeErr is a non-fatal transport error seen while closing a stream;
	// the connection is released as suspect
	closeErr error
}

// Result summarizes one committed (or skipped) run
type Result struct {
	RunID        string
	ServerID     string
	Category     domain.Category
	File         string
	From         int64
	To           int64
	Size         int64
	Lines        int
	BytesRead    int64
	Rotated      bool
	Truncated    bool
	NoCandidates bool
	Committed    bool
	Skipped      bool
	Duration     time.Duration
}

// Tailer incrementally reads remote log files from the last committed
// pointer and hands new lines to a Dispatcher
type Tailer struct {
	pool       remote.Pool
	store      offset.PointerStore
	dispatcher Dispatcher
	now        func() time.Time
}

// New creates a Tailer
func New(pool remote.Pool, store offset.PointerStore, dispatcher Dispatcher) *Tailer {
	return &Tailer{
		pool:       pool,
		store:      store,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// WithClock overrides the clock used for the resolver window and pointer
// timestamps
func (t *Tailer) WithClock(now func() time.Time) *Tailer {
	t.now = now
	return t
}

// Run performs one tail run for target: resolve candidates, read new lines,
// dispatch them, then persist the pointer. The pointer save is the single
// commit point and the last action; any earlier failure leaves it untouched.
func (t *Tailer) Run(ctx context.Context, target Target) (*Result, error) {
	start := time.Now()
	server := target.Server
	res := &Result{
		RunID:    uuid.NewString(),
		ServerID: server.ID,
		Category: target.Category,
	}
	logger := log.With().
		Str("run_id", res.RunID).
		Str("server_id", server.ID).
		Str("category", string(target.Category)).
		Logger()

	ptr, err := t.store.Load(ctx, server.ID, target.Category)
	if err != nil {
		return nil, fmt.Errorf("load pointer: %w", err)
	}

	conn, err := t.pool.Acquire(ctx, server.ID)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	now := t.now()
	if server.Location != nil {
		now = now.In(server.Location)
	}
	candidates, err := catalog.Resolve(ctx, conn, server.LogFolder, target.Prefix, now)
	if err != nil {
		t.pool.Release(conn, err)
		return nil, err
	}
	if len(candidates) == 0 {
		t.pool.Release(conn, nil)
		logger.Debug().Msg("No candidate files, nothing to do")
		res.NoCandidates = true
		res.Duration = time.Since(start)
		return res, nil
	}

	out, err := t.Tail(ctx, conn, target, candidates, ptr)
	if err != nil {
		t.pool.Release(conn, err)
		return nil, err
	}
	// Dispatch does not need the connection
	t.pool.Release(conn, out.closeErr)

	if out.Pointer == nil {
		res.Duration = time.Since(start)
		return res, nil
	}

	res.File = out.Pointer.FileName
	res.From = out.From
	res.To = out.Pointer.Position
	res.Size = out.Pointer.ObservedFileSize
	res.Lines = len(out.Lines)
	res.BytesRead = out.BytesRead
	res.Rotated = out.Rotated
	res.Truncated = out.Truncated

	if !pointerChanged(ptr, out.Pointer) {
		res.Duration = time.Since(start)
		return res, nil
	}

	if len(out.Lines) > 0 {
		if err := t.dispatcher.Dispatch(ctx, out.Lines); err != nil {
			return nil, fmt.Errorf("dispatch: %w", err)
		}
	}

	// Cancelled after dispatch: do not commit a position for lines whose
	// delivery was not confirmed
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled before commit: %w", err)
	}

	out.Pointer.LastUpdated = t.now().UTC()
	if err := t.store.Save(ctx, out.Pointer); err != nil {
		return nil, fmt.Errorf("save pointer: %w", err)
	}

	res.Committed = true
	res.Duration = time.Since(start)
	logger.Debug().
		Str("file", res.File).
		Int64("from", res.From).
		Int64("to", res.To).
		Int("lines", res.Lines).
		Dur("elapsed", res.Duration).
		Msg("Tail run committed")

	return res, nil
}

func pointerChanged(old, updated *domain.ReadPointer) bool {
	if old == nil {
		return true
	}
	return old.FileName != updated.FileName ||
		old.Position != updated.Position ||
		old.ObservedFileSize != updated.ObservedFileSize
}

// Tail reads new data for one (server, category) from the ordered candidate
// files, starting at ptr. It neither dispatches nor persists anything.
//
// A file that showed no growth since the last committed run and has a newer
// candidate after it is considered closed: its held-back partial line is
// flushed and the next file is adopted at position 0 in the same run. A file
// that is still growing is never left for a newer one.
func (t *Tailer) Tail(ctx context.Context, conn remote.Conn, target Target, candidates []domain.CandidateFile, ptr *domain.ReadPointer) (*Outcome, error) {
	server := target.Server
	out := &Outcome{}

	sp := pickStart(ptr, candidates)
	if sp.index < 0 {
		if ptr != nil {
			log.Debug().
				Str("server_id", server.ID).
				Str("category", string(target.Category)).
				Str("pointer_file", ptr.FileName).
				Msg("All candidates are older than the pointer file")
		}
		return out, nil
	}

	idx := sp.index
	current := ptr
	if !sp.resumed {
		current = nil
		if ptr != nil {
			out.Rotated = true
			log.Info().
				Str("server_id", server.ID).
				Str("category", string(target.Category)).
				Str("old_file", ptr.FileName).
				Str("new_file", candidates[idx].FileName).
				Msg("Pointer file no longer listed, starting newer file")
		}
	}
	first := true

	for {
		cand := candidates[idx]
		filePath := path.Join(server.LogFolder, cand.FileName)

		size, err := conn.Size(ctx, filePath)
		if err != nil {
			return nil, err
		}

		position := int64(0)
		observedBefore := int64(-1)
		switch DetectReset(current, cand.FileName, size) {
		case NoReset:
			position = current.Position
			observedBefore = current.ObservedFileSize
		case Truncated:
			out.Truncated = true
			log.Info().
				Str("server_id", server.ID).
				Str("category", string(target.Category)).
				Str("file", cand.FileName).
				Int64("observed_size", current.ObservedFileSize).
				Int64("current_size", size).
				Msg("Remote file shrank, restarting from beginning")
		}
		if first {
			out.From = position
			first = false
		}

		hasNext := idx+1 < len(candidates)
		// Archives never grow, so one with a successor is closed as soon as seen
		closed := hasNext && (catalog.IsArchive(cand.FileName) || (observedBefore >= 0 && size == observedBefore))

		var consumed int64
		if position < size {
			c, err := t.read(ctx, conn, target, cand.FileName, filePath, position, size, closed)
			if err != nil {
				return nil, err
			}
			consumed = c.consumed
			out.Lines = append(out.Lines, c.lines...)
			out.BytesRead += c.consumed
			if c.closeErr != nil {
				out.closeErr = c.closeErr
			}
		}

		current = &domain.ReadPointer{
			ServerID:         server.ID,
			Category:         target.Category,
			FileName:         cand.FileName,
			Position:         position + consumed,
			ObservedFileSize: size,
		}
		out.Pointer = current
		out.Files = append(out.Files, cand.FileName)

		if !closed || current.Position < size {
			break
		}

		idx++
		out.Rotated = true
		log.Info().
			Str("server_id", server.ID).
			Str("category", string(target.Category)).
			Str("old_file", cand.FileName).
			Str("new_file", candidates[idx].FileName).
			Msg("Log file rotated, adopting newer file")
	}

	return out, nil
}

// chunk is what one read of a file produced
type chunk struct {
	lines    []domain.Line
	consumed int64
	closeErr error
}

// read streams filePath from position up to size and splits it into lines.
// Only newline-terminated lines are consumed unless final is set, in which
// case a trailing partial line is delivered too.
func (t *Tailer) read(ctx context.Context, conn remote.Conn, target Target, fileName, filePath string, position, size int64, final bool) (chunk, error) {
	if catalog.IsArchive(fileName) {
		return t.readArchive(ctx, conn, target, fileName, filePath, size)
	}

	rc, start, err := conn.Open(ctx, filePath, position)
	if err != nil {
		return chunk{}, err
	}
	closeStream := func() error { return rc.Close() }

	if start > position {
		closeStream()
		return chunk{}, fmt.Errorf("open %s: stream starts at %d, after requested %d", filePath, start, position)
	}
	if gap := position - start; gap > 0 {
		// No range support: skip already-processed bytes client-side
		n, err := io.CopyN(io.Discard, rc, gap)
		if err != nil {
			closeStream()
			if errors.Is(err, io.EOF) {
				return chunk{}, fmt.Errorf("%s: skipped %d of %d bytes: %w", filePath, n, gap, errShortRead)
			}
			return chunk{}, fmt.Errorf("skip to %d in %s: %w", position, filePath, err)
		}
	}

	want := size - position
	lines, consumed, total, err := splitLines(ctx, io.LimitReader(rc, want), target, fileName, position, final)
	closeErr := closeStream()
	if err != nil {
		return chunk{}, fmt.Errorf("read %s: %w", filePath, err)
	}
	if total < want {
		return chunk{}, fmt.Errorf("%s: read %d of %d bytes: %w", filePath, total, want, errShortRead)
	}

	return chunk{lines: lines, consumed: consumed, closeErr: closeErr}, nil
}

// readArchive reads a gzip-compressed rotated log in one pass. Archives are
// immutable, so the committed position is the compressed size.
func (t *Tailer) readArchive(ctx context.Context, conn remote.Conn, target Target, fileName, filePath string, size int64) (chunk, error) {
	rc, _, err := conn.Open(ctx, filePath, 0)
	if err != nil {
		return chunk{}, err
	}

	gz, err := gzip.NewReader(io.LimitReader(rc, size))
	if err != nil {
		rc.Close()
		return chunk{}, fmt.Errorf("open gzip %s: %w", filePath, err)
	}
	lines, _, _, err := splitLines(ctx, gz, target, fileName, 0, true)
	gz.Close()
	closeErr := rc.Close()
	if err != nil {
		return chunk{}, fmt.Errorf("read gzip %s: %w", filePath, err)
	}
	return chunk{lines: lines, consumed: size, closeErr: closeErr}, nil
}

// splitLines reads r to EOF. r starts at byte base of the file. consumed
// counts bytes of delivered lines; total counts every byte read, including a
// held-back partial line.
func splitLines(ctx context.Context, r io.Reader, target Target, fileName string, base int64, final bool) (lines []domain.Line, consumed, total int64, err error) {
	br := bufio.NewReaderSize(r, readBufferSize)

	for n := 0; ; n++ {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, total, err
			}
		}

		chunk, readErr := br.ReadBytes('\n')
		total += int64(len(chunk))

		if len(chunk) > 0 {
			complete := chunk[len(chunk)-1] == '\n'
			if complete || (final && readErr == io.EOF) {
				offset := base + consumed
				consumed += int64(len(chunk))
				if text, ok := SanitizeLine(chunk); ok {
					lines = append(lines, domain.Line{
						ServerID:   target.Server.ID,
						Category:   target.Category,
						SourceFile: fileName,
						Offset:     offset,
						Text:       text,
					})
				}
			}
		}

		if readErr == io.EOF {
			return lines, consumed, total, nil
		}
		if readErr != nil {
			return nil, 0, total, readErr
		}
	}
}
