package source

import (
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/warpdrive/warptrace/pkg/backend"
	"github.com/warpdrive/warptrace/pkg/cache"
	"github.com/warpdrive/warptrace/pkg/config"
	"github.com/warpdrive/warptrace/pkg/namespace"
	"github.com/warpdrive/warptrace/pkg/parse"
	"github.com/warpdrive/warptrace/pkg/trace"
)

func structuredLine(sec int64, msg string) string {
	return fmt.Sprintf(`{"timestamp":{"seconds":%d,"nanos":0},"severity":"debug","message":"%s"}`, sec, msg)
}

func requestMsg() string {
	return `fuse_debug: Op 0x1 <- ReadFile (inode 2, PID 9, handle 0, offset 0, 4096 bytes)`
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestLoader(t *testing.T) (*Loader, *trace.FaultLog) {
	t.Helper()
	faults := trace.NewFaultLog(100, nil)
	l := NewLoader(t.TempDir(), nil, parse.EncodingStructured, parse.KindProxyTrace, faults)
	return l, faults
}

func TestLoadOrdersByFirstTimestamp(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")
	c := filepath.Join(dir, "c.log")
	writeLines(t, a, structuredLine(300, requestMsg()))
	writeLines(t, b, structuredLine(100, requestMsg()))
	writeLines(t, c, structuredLine(200, requestMsg()))

	l, _ := newTestLoader(t)
	sources, err := l.Load(context.Background(), []string{a, b, c})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(sources))
	}
	want := []string{b, c, a}
	for i, s := range sources {
		if s.Name != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], s.Name)
		}
		if !s.Ordered {
			t.Errorf("source %s: expected ordered", s.Name)
		}
	}
	if sources[0].First.Sec != 100 {
		t.Errorf("expected first timestamp 100, got %d", sources[0].First.Sec)
	}
}

func TestUnparseableSourceGoesLast(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "z-good.log")
	junk := filepath.Join(dir, "a-junk.log")
	writeLines(t, good, structuredLine(50, requestMsg()))
	writeLines(t, junk, "this is not json", "neither is this")

	l, faults := newTestLoader(t)
	sources, err := l.Load(context.Background(), []string{junk, good})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	if sources[0].Name != good {
		t.Errorf("expected ordered source first, got %s", sources[0].Name)
	}
	if sources[1].Name != junk || sources[1].Ordered {
		t.Errorf("expected unordered junk source last, got %+v", sources[1])
	}
	if n := faults.Counts()[trace.FaultUnorderedSource]; n != 1 {
		t.Errorf("expected 1 unordered-source fault, got %d", n)
	}
}

func TestGzipSource(t *testing.T) {
	dir := t.TempDir()
	gzPath := filepath.Join(dir, "kernel.log.gz")
	f, err := os.Create(gzPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := gzip.NewWriter(f)
	fmt.Fprintln(zw, structuredLine(42, requestMsg()))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	l, _ := newTestLoader(t)
	sources, err := l.Load(context.Background(), []string{gzPath})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	s := sources[0]
	if s.Name != gzPath {
		t.Errorf("expected name %s, got %s", gzPath, s.Name)
	}
	if !s.Ordered || s.First.Sec != 42 {
		t.Errorf("expected first timestamp 42, got %+v", s)
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ReadFile") {
		t.Error("decompressed content missing expected record")
	}
}

func TestZipSourceMembers(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "traces.zip")
	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, m := range []struct {
		name string
		sec  int64
	}{
		{"day2.log", 200},
		{"day1.log", 100},
	} {
		w, err := zw.Create(m.name)
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprintln(w, structuredLine(m.sec, requestMsg()))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	l, _ := newTestLoader(t)
	sources, err := l.Load(context.Background(), []string{zipPath})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	if sources[0].Name != zipPath+"/day1.log" {
		t.Errorf("expected day1 member first, got %s", sources[0].Name)
	}
	if sources[1].Name != zipPath+"/day2.log" {
		t.Errorf("expected day2 member second, got %s", sources[1].Name)
	}
}

func TestZipPathTraversalExcluded(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.log")
	writeLines(t, good, structuredLine(10, requestMsg()))

	zipPath := filepath.Join(dir, "evil.zip")
	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("../escape.log")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintln(w, structuredLine(5, requestMsg()))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	l, _ := newTestLoader(t)
	sources, err := l.Load(context.Background(), []string{zipPath, good})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 || sources[0].Name != good {
		t.Fatalf("expected only the good source, got %+v", sources)
	}
	excluded := l.Excluded()
	if len(excluded) != 1 {
		t.Fatalf("expected 1 excluded source, got %d", len(excluded))
	}
	if excluded[0].Spec != zipPath {
		t.Errorf("expected excluded spec %s, got %s", zipPath, excluded[0].Spec)
	}
}

func TestDirectoryExpansion(t *testing.T) {
	dir := t.TempDir()
	logs := filepath.Join(dir, "logs")
	if err := os.MkdirAll(filepath.Join(logs, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeLines(t, filepath.Join(logs, "one.log"), structuredLine(1, requestMsg()))
	writeLines(t, filepath.Join(logs, "two.log"), structuredLine(2, requestMsg()))
	writeLines(t, filepath.Join(logs, "nested", "skipped.log"), structuredLine(3, requestMsg()))

	l, _ := newTestLoader(t)
	sources, err := l.Load(context.Background(), []string{logs})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources from directory, got %d", len(sources))
	}
}

func TestMissingSourceExcluded(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.log")
	writeLines(t, good, structuredLine(7, requestMsg()))

	l, _ := newTestLoader(t)
	sources, err := l.Load(context.Background(), []string{filepath.Join(dir, "absent.log"), good})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	if len(l.Excluded()) != 1 {
		t.Fatalf("expected 1 exclusion, got %d", len(l.Excluded()))
	}
}

func TestLoadNoSpecs(t *testing.T) {
	l, _ := newTestLoader(t)
	if _, err := l.Load(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty spec list")
	}
}

func TestRemoteSource(t *testing.T) {
	remoteDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(remoteDir, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeLines(t, filepath.Join(remoteDir, "logs", "kernel.log"), structuredLine(11, requestMsg()))
	writeLines(t, filepath.Join(remoteDir, "logs", "store.log"), structuredLine(12, requestMsg()))

	b, err := backend.NewRcloneBackend("lab", "local", remoteDir, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	reg := backend.NewRegistry()
	if err := reg.Register(b); err != nil {
		t.Fatal(err)
	}

	workdir := t.TempDir()
	faults := trace.NewFaultLog(100, nil)
	l := NewLoader(workdir, reg, parse.EncodingStructured, parse.KindProxyTrace, faults)

	sources, err := l.Load(context.Background(), []string{"remote:lab/logs/kernel.log"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	s := sources[0]
	if !strings.HasPrefix(s.Path, workdir) {
		t.Errorf("expected fetched path under workdir, got %s", s.Path)
	}
	if !s.Ordered || s.First.Sec != 11 {
		t.Errorf("expected first timestamp 11, got %+v", s)
	}
}

func TestRemoteDirectoryExpansion(t *testing.T) {
	remoteDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(remoteDir, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeLines(t, filepath.Join(remoteDir, "logs", "kernel.log"), structuredLine(11, requestMsg()))
	writeLines(t, filepath.Join(remoteDir, "logs", "store.log"), structuredLine(12, requestMsg()))

	b, err := backend.NewRcloneBackend("lab", "local", remoteDir, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	reg := backend.NewRegistry()
	if err := reg.Register(b); err != nil {
		t.Fatal(err)
	}

	faults := trace.NewFaultLog(100, nil)
	l := NewLoader(t.TempDir(), reg, parse.EncodingStructured, parse.KindProxyTrace, faults)

	sources, err := l.Load(context.Background(), []string{"remote:lab/logs"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources from remote dir, got %d", len(sources))
	}
	if sources[0].First.Sec != 11 || sources[1].First.Sec != 12 {
		t.Errorf("expected timestamps 11 then 12, got %d and %d",
			sources[0].First.Sec, sources[1].First.Sec)
	}
}

func TestRemoteSpecWithoutRegistry(t *testing.T) {
	l, _ := newTestLoader(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.log")
	writeLines(t, good, structuredLine(1, requestMsg()))

	sources, err := l.Load(context.Background(), []string{"remote:lab/x.log", good})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected only local source, got %d", len(sources))
	}
	if len(l.Excluded()) != 1 {
		t.Fatalf("expected remote spec excluded, got %d exclusions", len(l.Excluded()))
	}
}

func TestParseRemoteSpec(t *testing.T) {
	cases := []struct {
		spec    string
		name    string
		objPath string
		ok      bool
	}{
		{"remote:lab/logs/x.log", "lab", "logs/x.log", true},
		{"remote:lab", "lab", "", true},
		{"remote:lab/", "lab", "", true},
		{"remote:/x.log", "", "", false},
		{"/local/path", "", "", false},
	}
	for _, c := range cases {
		name, objPath, ok := ParseRemoteSpec(c.spec)
		if name != c.name || objPath != c.objPath || ok != c.ok {
			t.Errorf("ParseRemoteSpec(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.spec, name, objPath, ok, c.name, c.objPath, c.ok)
		}
	}
}

// mountedLoader builds a loader whose /mnt/traces specs resolve to a
// local rclone backend rooted at remoteDir.
func mountedLoader(t *testing.T, remoteDir string) *Loader {
	t.Helper()
	b, err := backend.NewRcloneBackend("lab", "local", remoteDir, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	reg := backend.NewRegistry()
	if err := reg.Register(b); err != nil {
		t.Fatal(err)
	}

	faults := trace.NewFaultLog(100, nil)
	l := NewLoader(t.TempDir(), reg, parse.EncodingStructured, parse.KindProxyTrace, faults)
	l.SetRoutes(namespace.New([]config.RemoteConfig{
		{Name: "lab", Type: "local", Mount: "/mnt/traces"},
	}))
	return l
}

func TestMountedSpecResolvesToRemote(t *testing.T) {
	remoteDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(remoteDir, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeLines(t, filepath.Join(remoteDir, "logs", "kernel.log"), structuredLine(11, requestMsg()))
	writeLines(t, filepath.Join(remoteDir, "logs", "store.log"), structuredLine(12, requestMsg()))

	l := mountedLoader(t, remoteDir)

	sources, err := l.Load(context.Background(), []string{"/mnt/traces/logs/kernel.log"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	if sources[0].Name != "/mnt/traces/logs/kernel.log" {
		t.Errorf("expected mounted spec as name, got %s", sources[0].Name)
	}
	if !sources[0].Ordered || sources[0].First.Sec != 11 {
		t.Errorf("expected first timestamp 11, got %+v", sources[0])
	}

	sources, err = l.Load(context.Background(), []string{"/mnt/traces/logs"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources from mounted dir, got %d", len(sources))
	}
}

func TestUnmountedPathStaysLocal(t *testing.T) {
	remoteDir := t.TempDir()
	writeLines(t, filepath.Join(remoteDir, "remote.log"), structuredLine(20, requestMsg()))

	localDir := t.TempDir()
	local := filepath.Join(localDir, "local.log")
	writeLines(t, local, structuredLine(30, requestMsg()))

	l := mountedLoader(t, remoteDir)
	sources, err := l.Load(context.Background(), []string{local})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 || sources[0].Path != local {
		t.Fatalf("expected local file scanned in place, got %+v", sources)
	}
}

func TestFetchThroughCache(t *testing.T) {
	remoteDir := t.TempDir()
	writeLines(t, filepath.Join(remoteDir, "kernel.log"), structuredLine(11, requestMsg()))

	cacheDir := t.TempDir()
	fc, err := cache.Open(cacheDir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fc.Close()

	l := mountedLoader(t, remoteDir)
	l.SetCache(fc)

	sources, err := l.Load(context.Background(), []string{"/mnt/traces/kernel.log"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	if !strings.HasPrefix(sources[0].Path, cacheDir) {
		t.Errorf("expected cached path under %s, got %s", cacheDir, sources[0].Path)
	}
	if fc.Entries() != 1 {
		t.Errorf("expected 1 cache entry, got %d", fc.Entries())
	}

	again, err := l.Load(context.Background(), []string{"/mnt/traces/kernel.log"})
	if err != nil {
		t.Fatal(err)
	}
	if again[0].Path != sources[0].Path {
		t.Errorf("expected the cached copy to be reused, got %s", again[0].Path)
	}
}
