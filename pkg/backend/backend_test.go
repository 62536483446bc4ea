package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newLocalTestBackend(t *testing.T, dir string) *RcloneBackend {
	t.Helper()
	b, err := NewRcloneBackend("test_local", "local", dir, map[string]string{})
	if err != nil {
		t.Fatalf("Failed to create test backend: %v", err)
	}
	return b
}

func populateTestDir(t *testing.T, dir string) {
	t.Helper()

	sub := filepath.Join(dir, "archive")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	for _, f := range []struct {
		name    string
		content []byte
	}{
		{"kernel.log", []byte("hello world")},
		{"store.log", []byte("goodbye world")},
		{"archive/old.log", []byte("archived content")},
	} {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.content, 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// ---- Registry tests ----

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)

	if err := reg.Register(b); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(b); err == nil {
		t.Error("duplicate Register should fail")
	}

	got, err := reg.Get("test_local")
	if err != nil {
		t.Fatal("Get returned error:", err)
	}
	if got.Name() != "test_local" {
		t.Errorf("Name = %q, want test_local", got.Name())
	}
	if _, err := reg.Get("missing"); err == nil {
		t.Error("Get(missing) should return error")
	} else if !strings.Contains(err.Error(), "test_local") {
		t.Errorf("Get(missing) error should name configured remotes, got %v", err)
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "test_local" {
		t.Errorf("Names() = %v, want [test_local]", names)
	}
	if err := reg.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// ---- RcloneBackend tests ----

func TestRcloneBackend_List(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)
	defer b.Close()

	entries, err := b.List(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 3 {
		t.Errorf("List returned %d entries, want >= 3", len(entries))
	}

	var hasDir, hasFile bool
	for _, e := range entries {
		if e.IsDir {
			hasDir = true
		} else {
			hasFile = true
		}
	}
	if !hasDir {
		t.Error("no directory entry found")
	}
	if !hasFile {
		t.Error("no file entry found")
	}
}

func TestRcloneBackend_Stat(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)
	defer b.Close()

	ctx := context.Background()

	info, err := b.Stat(ctx, "kernel.log")
	if err != nil {
		t.Fatalf("Stat file: %v", err)
	}
	if info.Size != 11 {
		t.Errorf("kernel.log Size = %d, want 11", info.Size)
	}
	if info.IsDir {
		t.Error("kernel.log reported as dir")
	}

	info, err = b.Stat(ctx, "archive")
	if err != nil {
		t.Fatalf("Stat dir: %v", err)
	}
	if !info.IsDir {
		t.Error("archive not reported as dir")
	}

	if _, err := b.Stat(ctx, "no_such_file.log"); err == nil {
		t.Error("Stat nonexistent should error")
	}
}

func TestRcloneBackend_Open(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)
	defer b.Close()

	rc, err := b.Open(context.Background(), "kernel.log")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Errorf("Open = %q, want hello world", string(data))
	}
}

func TestRcloneBackend_Open_NotFound(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)
	defer b.Close()

	if _, err := b.Open(context.Background(), "missing.log"); err == nil {
		t.Error("Open nonexistent should error")
	}
}

func TestRcloneBackend_ConcurrentOpens(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)
	defer b.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc, err := b.Open(context.Background(), "store.log")
			if err != nil {
				errs <- err
				return
			}
			_, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent open error: %v", err)
	}
}
