package dispatch

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
)

type flushCounter struct {
	HandlerFunc
	flushes int
}

func (f *flushCounter) Flush(ctx context.Context) error {
	f.flushes++
	return nil
}

func lines(category domain.Category, texts ...string) []domain.Line {
	out := make([]domain.Line, 0, len(texts))
	for _, text := range texts {
		out = append(out, domain.Line{ServerID: "1", Category: category, SourceFile: "f.log", Text: text})
	}
	return out
}

func TestDispatchRoutesByCategory(t *testing.T) {
	r := NewRegistry()
	var chat, login []string
	r.Register(HandlerFunc{Cat: domain.CategoryChat, Fn: func(ctx context.Context, l domain.Line) error {
		chat = append(chat, l.Text)
		return nil
	}})
	r.Register(HandlerFunc{Cat: domain.CategoryLogin, Fn: func(ctx context.Context, l domain.Line) error {
		login = append(login, l.Text)
		return nil
	}})

	batch := append(lines(domain.CategoryChat, "a", "b"), lines(domain.CategoryLogin, "c")...)
	if err := r.Dispatch(context.Background(), batch); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(chat) != 2 || chat[0] != "a" || chat[1] != "b" {
		t.Errorf("chat = %v", chat)
	}
	if len(login) != 1 || login[0] != "c" {
		t.Errorf("login = %v", login)
	}
}

func TestDispatchIsolatesHandlerFailures(t *testing.T) {
	tests := []struct {
		name string
		fail func(text string) error
	}{
		{name: "error", fail: func(text string) error { return errors.New("bad line") }},
		{name: "panic", fail: func(text string) error { panic("parser bug") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			var seen []string
			r.Register(HandlerFunc{Cat: domain.CategoryChat, Fn: func(ctx context.Context, l domain.Line) error {
				if l.Text == "bad" {
					return tt.fail(l.Text)
				}
				seen = append(seen, l.Text)
				return nil
			}})

			err := r.Dispatch(context.Background(), lines(domain.CategoryChat, "ok1", "bad", "ok2"))
			if err != nil {
				t.Fatalf("Dispatch() error = %v, want nil", err)
			}
			if len(seen) != 2 || seen[1] != "ok2" {
				t.Errorf("seen = %v, want [ok1 ok2]", seen)
			}
		})
	}
}

func TestDispatchFlushesBatchHandlers(t *testing.T) {
	r := NewRegistry()
	h := &flushCounter{HandlerFunc: HandlerFunc{Cat: domain.CategoryKill, Fn: func(ctx context.Context, l domain.Line) error { return nil }}}
	r.Register(h)

	if err := r.Dispatch(context.Background(), lines(domain.CategoryKill, "x", "y")); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if h.flushes != 1 {
		t.Errorf("flushes = %d, want 1", h.flushes)
	}

	// No lines for the category, no flush
	if err := r.Dispatch(context.Background(), lines(domain.CategoryChat, "z")); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if h.flushes != 1 {
		t.Errorf("flushes = %d, want 1", h.flushes)
	}
}

func TestDispatchCancelled(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Dispatch(ctx, lines(domain.CategoryChat, "a")); !errors.Is(err, context.Canceled) {
		t.Errorf("Dispatch() error = %v, want context.Canceled", err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"привет", 5, "пр..."},
		{"привет", 4, "пр..."},
		{"日本語", 2, "..."},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.n)
		}
	}
}
