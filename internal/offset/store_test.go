package offset

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
)

func backends(t *testing.T) map[string]PointerStore {
	t.Helper()
	dir := t.TempDir()

	bolt, err := Open("bolt", filepath.Join(dir, "pointers.bolt"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	sqlite, err := Open("sqlite", filepath.Join(dir, "pointers.sqlite"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		bolt.Close()
		sqlite.Close()
	})
	return map[string]PointerStore{"bolt": bolt, "sqlite": sqlite}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			p, err := store.Load(context.Background(), "1", domain.CategoryChat)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if p != nil {
				t.Errorf("Load() = %+v, want nil", p)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	updated := time.Date(2025, 6, 1, 12, 0, 0, 123, time.UTC)
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := &domain.ReadPointer{
				ServerID:         "1",
				Category:         domain.CategoryChat,
				FileName:         "chat_20250601_20250601120000.log",
				Position:         42,
				ObservedFileSize: 50,
				LastUpdated:      updated,
			}
			if err := store.Save(ctx, want); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			got, err := store.Load(ctx, "1", domain.CategoryChat)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got == nil {
				t.Fatal("Load() returned nil")
			}
			if got.FileName != want.FileName || got.Position != want.Position || got.ObservedFileSize != want.ObservedFileSize {
				t.Errorf("Load() = %+v, want %+v", got, want)
			}
			if !got.LastUpdated.Equal(updated) {
				t.Errorf("LastUpdated = %v, want %v", got.LastUpdated, updated)
			}

			// Last writer wins
			want.Position = 50
			if err := store.Save(ctx, want); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			got, _ = store.Load(ctx, "1", domain.CategoryChat)
			if got.Position != 50 {
				t.Errorf("Position = %d, want 50", got.Position)
			}
		})
	}
}

func TestSaveRejectsBrokenInvariants(t *testing.T) {
	tests := []struct {
		name string
		p    *domain.ReadPointer
	}{
		{name: "nil", p: nil},
		{name: "missing server", p: &domain.ReadPointer{Category: "chat", FileName: "f"}},
		{name: "missing file", p: &domain.ReadPointer{ServerID: "1", Category: "chat"}},
		{name: "negative position", p: &domain.ReadPointer{ServerID: "1", Category: "chat", FileName: "f", Position: -1}},
		{
			name: "position beyond size",
			p:    &domain.ReadPointer{ServerID: "1", Category: "chat", FileName: "f", Position: 10, ObservedFileSize: 5},
		},
	}

	for name, store := range backends(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				if err := store.Save(context.Background(), tt.p); err == nil {
					t.Error("Save() expected error")
				}
			})
		}
	}
}

func TestDeleteServerAndList(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed := []domain.ReadPointer{
				{ServerID: "1", Category: domain.CategoryChat, FileName: "a", Position: 1, ObservedFileSize: 1},
				{ServerID: "1", Category: domain.CategoryKill, FileName: "b", Position: 2, ObservedFileSize: 2},
				{ServerID: "2", Category: domain.CategoryChat, FileName: "c", Position: 3, ObservedFileSize: 3},
			}
			for i := range seed {
				if err := store.Save(ctx, &seed[i]); err != nil {
					t.Fatalf("Save() error = %v", err)
				}
			}

			all, err := store.List(ctx)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("List() returned %d pointers, want 3", len(all))
			}
			if all[0].ServerID != "1" || all[0].Category != domain.CategoryChat || all[2].ServerID != "2" {
				t.Errorf("List() order = %+v", all)
			}

			removed, err := store.DeleteServer(ctx, "1")
			if err != nil {
				t.Fatalf("DeleteServer() error = %v", err)
			}
			if removed != 2 {
				t.Errorf("DeleteServer() removed %d, want 2", removed)
			}

			if err := store.Delete(ctx, "2", domain.CategoryChat); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			all, _ = store.List(ctx)
			if len(all) != 0 {
				t.Errorf("List() after deletes = %+v, want empty", all)
			}

			if n, err := store.DeleteServer(ctx, "missing"); err != nil || n != 0 {
				t.Errorf("DeleteServer(missing) = %d, %v", n, err)
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("redis", filepath.Join(t.TempDir(), "x")); err == nil {
		t.Error("Open() expected error for unknown backend")
	}
}
