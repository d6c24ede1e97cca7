package mutation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/SteelMorgan/remote-log-ingest/internal/config"
	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/SteelMorgan/remote-log-ingest/internal/remote"
	"github.com/SteelMorgan/remote-log-ingest/internal/remote/remotetest"
)

const testRegistry = `
servers:
  - id: "1"
    name: Alpha
    host: 10.0.0.1
    log_folder: /logs
    config_folder: /cfg
categories:
  chat:
    prefix: chat_
targets:
  bans: BannedUsers.ini
`

const bansPath = "/cfg/BannedUsers.ini"

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(ctx context.Context, serverID, followUp string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, serverID+":"+followUp)
	return nil
}

func newQueue(t *testing.T) (*Queue, *remotetest.FS, *recordingNotifier) {
	t.Helper()
	reg, err := config.ParseRegistry([]byte(testRegistry))
	if err != nil {
		t.Fatalf("ParseRegistry() error = %v", err)
	}
	fs := remotetest.New()
	n := &recordingNotifier{}
	return NewQueue(fs, reg, n, DefaultMaxRetries), fs, n
}

func TestDrainEmpty(t *testing.T) {
	q, _, _ := newQueue(t)
	out, err := q.DrainOne(context.Background(), "1")
	if err != nil || out != Empty {
		t.Errorf("DrainOne() = %s, %v; want empty", out, err)
	}
}

func TestDrainAppliesOneCommandPerTick(t *testing.T) {
	q, fs, n := newQueue(t)
	fs.Put(bansPath, "111\n")

	for _, v := range []string{"222", "333"} {
		if _, err := q.Enqueue(domain.MutationCommand{
			ServerID: "1", TargetFile: "bans", Operation: domain.OpAppend, Value: v, FollowUp: "reload_bans",
		}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	out, err := q.DrainOne(context.Background(), "1")
	if err != nil || out != Applied {
		t.Fatalf("DrainOne() = %s, %v; want applied", out, err)
	}
	if got, _ := fs.Get(bansPath); got != "111\n222\n" {
		t.Errorf("file after first drain = %q", got)
	}
	if q.Len("1") != 1 {
		t.Errorf("Len() = %d, want 1", q.Len("1"))
	}

	q.DrainOne(context.Background(), "1")
	if got, _ := fs.Get(bansPath); got != "111\n222\n333\n" {
		t.Errorf("file after second drain = %q", got)
	}
	if len(n.calls) != 2 || n.calls[0] != "1:reload_bans" {
		t.Errorf("notifications = %v", n.calls)
	}
}

func TestDrainCreatesMissingFileOnAppend(t *testing.T) {
	q, fs, _ := newQueue(t)
	q.Enqueue(domain.MutationCommand{ServerID: "1", TargetFile: "bans", Operation: domain.OpAppend, Value: "111"})

	if out, err := q.DrainOne(context.Background(), "1"); out != Applied {
		t.Fatalf("DrainOne() = %s, %v; want applied", out, err)
	}
	if got, _ := fs.Get(bansPath); got != "111\n" {
		t.Errorf("file = %q, want %q", got, "111\n")
	}
}

func TestDrainRetryBound(t *testing.T) {
	q, fs, n := newQueue(t)
	fs.Put(bansPath, "111\n")
	id, _ := q.Enqueue(domain.MutationCommand{
		ServerID: "1", TargetFile: "bans", Operation: domain.OpAppend, Value: "222", FollowUp: "reload_bans",
	})

	for i := 0; i < DefaultMaxRetries+1; i++ {
		fs.FailNext("upload", errors.New("426 connection closed"))
	}

	for i := 1; i <= DefaultMaxRetries; i++ {
		out, err := q.DrainOne(context.Background(), "1")
		if out != Requeued || err == nil {
			t.Fatalf("attempt %d: DrainOne() = %s, %v; want requeued", i, out, err)
		}
		pending := q.Pending("1")
		if len(pending) != 1 || pending[0].ID != id || pending[0].RetryCount != i {
			t.Fatalf("attempt %d: pending = %+v", i, pending)
		}
	}

	out, err := q.DrainOne(context.Background(), "1")
	if out != Dropped || err == nil {
		t.Fatalf("final DrainOne() = %s, %v; want dropped", out, err)
	}
	if q.Len("1") != 0 {
		t.Errorf("Len() = %d after drop, want 0", q.Len("1"))
	}
	if got, _ := fs.Get(bansPath); got != "111\n" {
		t.Errorf("file = %q, want unchanged", got)
	}
	if len(n.calls) != 0 {
		t.Errorf("notifications = %v, want none", n.calls)
	}
}

func TestDrainRequeuesAtTail(t *testing.T) {
	q, fs, _ := newQueue(t)
	fs.Put(bansPath, "")
	q.Enqueue(domain.MutationCommand{ServerID: "1", TargetFile: "bans", Operation: domain.OpRemove, Value: "missing"})
	q.Enqueue(domain.MutationCommand{ServerID: "1", TargetFile: "bans", Operation: domain.OpAppend, Value: "222"})

	if out, _ := q.DrainOne(context.Background(), "1"); out != Requeued {
		t.Fatalf("first DrainOne() = %s, want requeued", out)
	}
	pending := q.Pending("1")
	if len(pending) != 2 || pending[0].Operation != domain.OpAppend || pending[1].RetryCount != 1 {
		t.Errorf("pending = %+v, want append first then failed remove", pending)
	}
}

func TestDrainUnknownTarget(t *testing.T) {
	q, _, _ := newQueue(t)
	q.Enqueue(domain.MutationCommand{ServerID: "1", TargetFile: "whitelist", Operation: domain.OpAppend, Value: "x"})

	_, err := q.DrainOne(context.Background(), "1")
	if !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("DrainOne() error = %v, want ErrUnknownTarget", err)
	}
}

func TestDrainBusy(t *testing.T) {
	q, _, _ := newQueue(t)
	unlock, ok := q.locks.TryLock("1")
	if !ok {
		t.Fatal("TryLock failed")
	}
	defer unlock()

	if out, _ := q.DrainOne(context.Background(), "1"); out != Busy {
		t.Errorf("DrainOne() = %s, want busy", out)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q, _, _ := newQueue(t)
	tests := []struct {
		name string
		cmd  domain.MutationCommand
	}{
		{name: "no server", cmd: domain.MutationCommand{TargetFile: "bans", Operation: domain.OpAppend}},
		{name: "no target", cmd: domain.MutationCommand{ServerID: "1", Operation: domain.OpAppend}},
		{name: "bad op", cmd: domain.MutationCommand{ServerID: "1", TargetFile: "bans", Operation: "rename"}},
		{name: "update without key", cmd: domain.MutationCommand{ServerID: "1", TargetFile: "bans", Operation: domain.OpUpdateByKey}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := q.Enqueue(tt.cmd); err == nil {
				t.Error("Enqueue() error = nil, want validation error")
			}
		})
	}
}

func TestDeleteServer(t *testing.T) {
	q, _, _ := newQueue(t)
	q.Enqueue(domain.MutationCommand{ServerID: "1", TargetFile: "bans", Operation: domain.OpAppend, Value: "a"})
	q.Enqueue(domain.MutationCommand{ServerID: "1", TargetFile: "bans", Operation: domain.OpAppend, Value: "b"})

	if n := q.DeleteServer("1"); n != 2 {
		t.Errorf("DeleteServer() = %d, want 2", n)
	}
	if q.Len("1") != 0 {
		t.Errorf("Len() = %d, want 0", q.Len("1"))
	}
}

// stalledPool blocks Acquire until released, then fails it
type stalledPool struct {
	*remotetest.FS
	entered chan struct{}
	release chan struct{}
}

func (p *stalledPool) Acquire(ctx context.Context, serverID string) (remote.Conn, error) {
	close(p.entered)
	<-p.release
	return nil, errors.New("connection refused")
}

func TestDeleteServerDuringDrain(t *testing.T) {
	reg, err := config.ParseRegistry([]byte(testRegistry))
	if err != nil {
		t.Fatalf("ParseRegistry() error = %v", err)
	}
	pool := &stalledPool{FS: remotetest.New(), entered: make(chan struct{}), release: make(chan struct{})}
	q := NewQueue(pool, reg, nil, DefaultMaxRetries)
	q.Enqueue(domain.MutationCommand{ServerID: "1", TargetFile: "bans", Operation: domain.OpAppend, Value: "a"})

	done := make(chan Outcome, 1)
	go func() {
		out, _ := q.DrainOne(context.Background(), "1")
		done <- out
	}()
	<-pool.entered

	q.DeleteServer("1")
	close(pool.release)

	if out := <-done; out != Dropped {
		t.Errorf("DrainOne() = %s, want dropped", out)
	}
	if q.Len("1") != 0 {
		t.Errorf("Len() = %d after DeleteServer, want 0", q.Len("1"))
	}

	// The server's queue is usable again afterwards
	q.Enqueue(domain.MutationCommand{ServerID: "1", TargetFile: "bans", Operation: domain.OpAppend, Value: "b"})
	if q.Len("1") != 1 {
		t.Errorf("Len() = %d, want 1", q.Len("1"))
	}
}
