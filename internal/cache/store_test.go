package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t)
	name := "0123456789abcdef0123456789abcdef.jpg"

	modTime := time.Now().Add(-time.Hour).UTC()
	payload := []byte("payload")
	if _, err := store.Put(context.Background(), name, bytes.NewReader(payload), PutOptions{ModTime: modTime}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	result, err := store.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
	if result.Entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", result.Entry.SizeBytes)
	}
	if !result.Entry.ModTime.Equal(modTime) {
		t.Fatalf("modtime mismatch: expected %v got %v", modTime, result.Entry.ModTime)
	}
	if filepath.Dir(result.Entry.FilePath) != store.Root() {
		t.Fatalf("entry should live directly under root, got %s", result.Entry.FilePath)
	}
}

func TestStoreStatMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Stat(context.Background(), "missing.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Get(context.Background(), "missing.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t)
	name := "remove.jpg"
	if _, err := store.Put(context.Background(), name, bytes.NewReader([]byte("data")), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), name); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Stat(context.Background(), name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if err := store.Remove(context.Background(), name); err != nil {
		t.Fatalf("removing a missing entry should succeed, got %v", err)
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	name := "dir.jpg"
	if err := os.Mkdir(filepath.Join(store.Root(), name), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := store.Stat(context.Background(), name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestStoreRejectsInvalidNames(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"", ".", "..", "../escape.jpg", "a/b.jpg", `a\b.jpg`, ".hidden"} {
		if _, err := store.Put(context.Background(), name, bytes.NewReader(nil), PutOptions{}); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
}

func TestStorePutLeavesNoTempFileOnFailure(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Put(ctx, "cancelled.jpg", bytes.NewReader([]byte("data")), PutOptions{}); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
	entries, err := os.ReadDir(store.Root())
	if err != nil {
		t.Fatalf("readdir error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty directory, found %d entries", len(entries))
	}
}

func TestStoreConcurrentPutsKeepCompleteFile(t *testing.T) {
	store := newTestStore(t)
	name := "race.jpg"
	payload := bytes.Repeat([]byte("x"), 256*1024)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Put(context.Background(), name, bytes.NewReader(payload), PutOptions{}); err != nil {
				t.Errorf("put error: %v", err)
			}
		}()
	}
	wg.Wait()

	entry, err := store.Stat(context.Background(), name)
	if err != nil {
		t.Fatalf("stat error: %v", err)
	}
	if entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("expected complete payload, got %d bytes", entry.SizeBytes)
	}
}

func TestStoreCountAndSweep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"a.jpg", "b.jpg", "a.origin"} {
		if _, err := store.Put(ctx, name, bytes.NewReader([]byte(name)), PutOptions{}); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}
	stale := filepath.Join(store.Root(), ".cache-stale")
	if err := os.WriteFile(stale, []byte("partial"), 0o600); err != nil {
		t.Fatalf("write stale temp: %v", err)
	}

	if n, err := store.Count(ctx, ".jpg"); err != nil || n != 2 {
		t.Fatalf("expected 2 jpg entries, got %d (%v)", n, err)
	}
	if n, err := store.Count(ctx, ""); err != nil || n != 3 {
		t.Fatalf("expected 3 entries ignoring temp files, got %d (%v)", n, err)
	}

	removed, err := store.SweepTemp(ctx)
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 stale temp removed, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale temp file should be gone, got %v", err)
	}
}

func TestNewStoreRequiresPath(t *testing.T) {
	if _, err := NewStore(""); err == nil {
		t.Fatalf("expected error for empty storage path")
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "covers"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestStoreStatIgnoresCancelledContext(t *testing.T) {
	store := newTestStore(t)
	name := "0123456789abcdef0123456789abcdef.jpg"
	if _, err := store.Put(context.Background(), name, bytes.NewReader([]byte("data")), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	entry, err := store.Stat(ctx, name)
	if err != nil {
		t.Fatalf("stat should not depend on ctx, got %v", err)
	}
	if entry.SizeBytes != 4 {
		t.Fatalf("size mismatch: %d", entry.SizeBytes)
	}
}

func TestStorePutKeepsEntryWhenChtimesFails(t *testing.T) {
	prev := chtimes
	chtimes = func(string, time.Time, time.Time) error {
		return errors.New("chtimes unsupported")
	}
	t.Cleanup(func() { chtimes = prev })

	store := newTestStore(t)
	name := "0123456789abcdef0123456789abcdef.jpg"
	entry, err := store.Put(context.Background(), name, bytes.NewReader([]byte("payload")), PutOptions{
		ModTime: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("put should succeed once the rename committed, got %v", err)
	}
	info, err := os.Stat(entry.FilePath)
	if err != nil {
		t.Fatalf("entry should stay on disk: %v", err)
	}
	if !entry.ModTime.Equal(info.ModTime()) {
		t.Fatalf("entry modtime should reflect the file, expected %v got %v", info.ModTime(), entry.ModTime)
	}
}
