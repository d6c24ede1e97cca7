// Package dispatch routes tailed lines to category-specific handlers.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/rs/zerolog/log"
)

// LineHandler consumes lines of one category.
//
// Handlers may see a line twice after a crash between dispatch and pointer
// commit, so Handle must tolerate duplicates.
type LineHandler interface {
	Category() domain.Category
	Handle(ctx context.Context, line domain.Line) error
}

// BatchHandler is implemented by handlers that buffer lines and need a flush
// at the end of each dispatched batch (e.g. ClickHouse inserts)
type BatchHandler interface {
	LineHandler
	Flush(ctx context.Context) error
}

// Registry is the category lookup table. Several handlers may be registered
// for one category; they run in registration order.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Category][]LineHandler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.Category][]LineHandler)}
}

// Register adds a handler for its category
func (r *Registry) Register(h LineHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Category()] = append(r.handlers[h.Category()], h)
}

// Handlers returns the handlers registered for category
func (r *Registry) Handlers(category domain.Category) []LineHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.handlers[category]
	out := make([]LineHandler, len(hs))
	copy(out, hs)
	return out
}

// Dispatch delivers lines in order. A handler failure (error or panic) is
// logged for that line and never aborts the batch; only cancellation of ctx
// is returned.
func (r *Registry) Dispatch(ctx context.Context, lines []domain.Line) error {
	if len(lines) == 0 {
		return nil
	}

	touched := make(map[domain.Category][]LineHandler)
	for i, line := range lines {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		hs, ok := touched[line.Category]
		if !ok {
			hs = r.Handlers(line.Category)
			touched[line.Category] = hs
			if len(hs) == 0 {
				log.Debug().
					Str("category", string(line.Category)).
					Msg("No handler registered for category")
			}
		}

		for _, h := range hs {
			if err := safeHandle(ctx, h, line); err != nil {
				log.Warn().
					Err(err).
					Str("server_id", line.ServerID).
					Str("category", string(line.Category)).
					Str("file", line.SourceFile).
					Str("line", truncate(line.Text, 200)).
					Msg("Line handler failed")
			}
		}
	}

	for category, hs := range touched {
		for _, h := range hs {
			bh, ok := h.(BatchHandler)
			if !ok {
				continue
			}
			if err := bh.Flush(ctx); err != nil {
				log.Warn().
					Err(err).
					Str("category", string(category)).
					Msg("Line handler flush failed")
			}
		}
	}

	return ctx.Err()
}

func safeHandle(ctx context.Context, h LineHandler, line domain.Line) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(ctx, line)
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// HandlerFunc adapts a function to LineHandler
type HandlerFunc struct {
	Cat domain.Category
	Fn  func(ctx context.Context, line domain.Line) error
}

func (f HandlerFunc) Category() domain.Category { return f.Cat }

func (f HandlerFunc) Handle(ctx context.Context, line domain.Line) error {
	return f.Fn(ctx, line)
}
