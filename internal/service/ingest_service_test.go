package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/config"
	"github.com/SteelMorgan/remote-log-ingest/internal/dispatch"
	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/SteelMorgan/remote-log-ingest/internal/mutation"
	"github.com/SteelMorgan/remote-log-ingest/internal/offset"
	"github.com/SteelMorgan/remote-log-ingest/internal/remote/remotetest"
)

const testRegistry = `
servers:
  - id: "1"
    name: Alpha
    host: 10.0.0.1
    log_folder: /logs
    config_folder: /cfg
  - id: "2"
    name: Beta
    host: 10.0.0.2
    log_folder: /logs2
    active: false
categories:
  chat:
    prefix: chat_
    schedule: "@every 15s"
  login:
    prefix: login_
targets:
  bans: BannedUsers.ini
`

const chatFile = "/logs/chat_20250601_20250601120000.log"

type progressRecorder struct {
	mu   sync.Mutex
	rows []domain.FileReadingProgress
}

func (p *progressRecorder) WriteFileReadingProgress(ctx context.Context, progress *domain.FileReadingProgress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = append(p.rows, *progress)
	return nil
}

type fixture struct {
	svc      *IngestService
	fs       *remotetest.FS
	store    offset.PointerStore
	handlers *dispatch.Registry
	progress *progressRecorder
	seen     *[]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := config.ParseRegistry([]byte(testRegistry))
	if err != nil {
		t.Fatalf("ParseRegistry() error = %v", err)
	}
	store, err := offset.Open("bolt", filepath.Join(t.TempDir(), "pointers.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fs := remotetest.New()
	handlers := dispatch.NewRegistry()
	var mu sync.Mutex
	seen := []string{}
	handlers.Register(dispatch.HandlerFunc{Cat: domain.CategoryChat, Fn: func(ctx context.Context, l domain.Line) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, l.Text)
		return nil
	}})

	progress := &progressRecorder{}
	svc, err := NewIngestService(Deps{
		Registry:   reg,
		Store:      store,
		Pool:       fs,
		Dispatcher: handlers,
		Queue:      mutation.NewQueue(fs, reg, nil, mutation.DefaultMaxRetries),
		Progress:   progress,
	})
	if err != nil {
		t.Fatalf("NewIngestService() error = %v", err)
	}
	svc.Tailer().WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC) })

	return &fixture{svc: svc, fs: fs, store: store, handlers: handlers, progress: progress, seen: &seen}
}

func TestRunTailEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fs.Put(chatFile, "l1\nl2\nl3\n")

	res, err := f.svc.RunTail(ctx, "1", domain.CategoryChat)
	if err != nil {
		t.Fatalf("RunTail() error = %v", err)
	}
	if res.Lines != 3 || res.Skipped {
		t.Fatalf("first run = %+v", res)
	}

	f.fs.Append(chatFile, "l4\nl5\n")
	res, err = f.svc.RunTail(ctx, "1", domain.CategoryChat)
	if err != nil {
		t.Fatalf("RunTail() error = %v", err)
	}
	if res.Lines != 2 || res.From != 9 || res.To != 15 {
		t.Errorf("second run = %+v, want 2 lines from 9 to 15", res)
	}
	if len(*f.seen) != 5 || (*f.seen)[4] != "l5" {
		t.Errorf("dispatched = %v", *f.seen)
	}

	if len(f.progress.rows) != 2 || f.progress.rows[1].OffsetBytes != 15 || f.progress.rows[1].LinesRead != 2 {
		t.Errorf("progress = %+v", f.progress.rows)
	}
}

func TestRunTailSkipsWhenInFlight(t *testing.T) {
	f := newFixture(t)
	f.fs.Put(chatFile, "l1\n")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.handlers.Register(dispatch.HandlerFunc{Cat: domain.CategoryChat, Fn: func(ctx context.Context, l domain.Line) error {
		close(entered)
		<-release
		return nil
	}})

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.RunTail(context.Background(), "1", domain.CategoryChat)
		done <- err
	}()
	<-entered

	res, err := f.svc.RunTail(context.Background(), "1", domain.CategoryChat)
	if err != nil {
		t.Fatalf("concurrent RunTail() error = %v", err)
	}
	if !res.Skipped {
		t.Errorf("concurrent RunTail() = %+v, want Skipped", res)
	}

	// Another category is independent
	f.fs.Put("/logs/login_20250601_20250601120000.log", "x\n")
	res, err = f.svc.RunTail(context.Background(), "1", domain.CategoryLogin)
	if err != nil || res.Skipped {
		t.Errorf("login RunTail() = %+v, %v; want not skipped", res, err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunTail() error = %v", err)
	}

	p, _ := f.store.Load(context.Background(), "1", domain.CategoryChat)
	if p == nil || p.Position != 3 {
		t.Errorf("pointer = %+v, want position 3", p)
	}
}

func TestRunTailErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		server   string
		category domain.Category
		want     error
	}{
		{name: "unknown server", server: "404", category: domain.CategoryChat, want: config.ErrUnknownServer},
		{name: "inactive server", server: "2", category: domain.CategoryChat, want: ErrServerInactive},
		{name: "unknown category", server: "1", category: domain.CategoryEconomy, want: ErrUnknownCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.RunTail(ctx, tt.server, tt.category); !errors.Is(err, tt.want) {
				t.Errorf("RunTail() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRunTailConnectivityFailureKeepsPointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fs.Put(chatFile, "l1\n")
	f.svc.RunTail(ctx, "1", domain.CategoryChat)

	f.fs.Append(chatFile, "l2\n")
	f.fs.FailNext("open", errors.New("425 can't open data connection"))
	if _, err := f.svc.RunTail(ctx, "1", domain.CategoryChat); err == nil {
		t.Fatal("RunTail() error = nil, want open failure")
	}

	res, err := f.svc.RunTail(ctx, "1", domain.CategoryChat)
	if err != nil || res.Lines != 1 {
		t.Errorf("retry run = %+v, %v; want the missed line", res, err)
	}
}

func TestMutationFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fs.Put("/cfg/BannedUsers.ini", "111\n")

	if _, err := f.svc.Enqueue(domain.MutationCommand{ServerID: "1", TargetFile: "whitelist", Operation: domain.OpAppend, Value: "x"}); !errors.Is(err, mutation.ErrUnknownTarget) {
		t.Errorf("Enqueue(unknown target) error = %v", err)
	}
	if _, err := f.svc.Enqueue(domain.MutationCommand{ServerID: "1", TargetFile: "bans", Operation: domain.OpAppend, Value: "222"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	outcome, err := f.svc.RunMutationDrain(ctx, "1")
	if err != nil || outcome != mutation.Applied {
		t.Fatalf("RunMutationDrain() = %s, %v", outcome, err)
	}
	if got, _ := f.fs.Get("/cfg/BannedUsers.ini"); got != "111\n222\n" {
		t.Errorf("file = %q", got)
	}

	outcome, _ = f.svc.RunMutationDrain(ctx, "1")
	if outcome != mutation.Empty {
		t.Errorf("second drain = %s, want empty", outcome)
	}
}

func TestDeactivateServer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fs.Put(chatFile, "l1\n")
	f.svc.RunTail(ctx, "1", domain.CategoryChat)
	f.svc.Enqueue(domain.MutationCommand{ServerID: "1", TargetFile: "bans", Operation: domain.OpAppend, Value: "222"})

	if err := f.svc.DeactivateServer(ctx, "1"); err != nil {
		t.Fatalf("DeactivateServer() error = %v", err)
	}

	if p, _ := f.store.Load(ctx, "1", domain.CategoryChat); p != nil {
		t.Errorf("pointer survived deactivation: %+v", p)
	}
	if _, err := f.svc.RunTail(ctx, "1", domain.CategoryChat); !errors.Is(err, ErrServerInactive) {
		t.Errorf("RunTail() after deactivation error = %v", err)
	}
	if _, err := f.svc.RunMutationDrain(ctx, "1"); !errors.Is(err, ErrServerInactive) {
		t.Errorf("RunMutationDrain() after deactivation error = %v", err)
	}
	if err := f.svc.DeactivateServer(ctx, "404"); !errors.Is(err, config.ErrUnknownServer) {
		t.Errorf("DeactivateServer(unknown) error = %v", err)
	}
}

func TestDeactivateServerWaitsForRunInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fs.Put(chatFile, "l1\n")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.handlers.Register(dispatch.HandlerFunc{Cat: domain.CategoryChat, Fn: func(ctx context.Context, l domain.Line) error {
		close(entered)
		<-release
		return nil
	}})

	tailDone := make(chan error, 1)
	go func() {
		_, err := f.svc.RunTail(ctx, "1", domain.CategoryChat)
		tailDone <- err
	}()
	<-entered

	deactivated := make(chan error, 1)
	go func() {
		deactivated <- f.svc.DeactivateServer(ctx, "1")
	}()

	select {
	case err := <-deactivated:
		t.Fatalf("DeactivateServer() returned %v while a run was in flight", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-tailDone; err != nil {
		t.Fatalf("RunTail() error = %v", err)
	}
	if err := <-deactivated; err != nil {
		t.Fatalf("DeactivateServer() error = %v", err)
	}

	if p, _ := f.store.Load(ctx, "1", domain.CategoryChat); p != nil {
		t.Errorf("pointer after deactivation = %+v, want none", p)
	}
	if _, err := f.svc.Enqueue(domain.MutationCommand{ServerID: "1", TargetFile: "bans", Operation: domain.OpAppend, Value: "1"}); !errors.Is(err, ErrServerInactive) {
		t.Errorf("Enqueue() after deactivation error = %v", err)
	}
}

func TestSchedulerRegistersActiveServers(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc, "@every 10s")
	if err := s.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// one active server: chat + login + drain
	if s.Jobs() != 3 {
		t.Errorf("Jobs() = %d, want 3", s.Jobs())
	}
	s.Start()
	s.Stop(time.Second)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc, "every ten seconds")
	if err := s.Register(context.Background()); err == nil {
		t.Error("Register() error = nil, want bad spec error")
	}
}
