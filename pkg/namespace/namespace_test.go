package namespace

import (
	"testing"

	"github.com/warpdrive/warptrace/pkg/config"
)

func TestResolveLongestPrefixWins(t *testing.T) {
	ns := New([]config.RemoteConfig{
		{Name: "traces", Mount: "/archive"},
		{Name: "hot", Mount: "/archive/hot"},
	})

	route, ok := ns.Resolve("/archive/hot/day.log")
	if !ok {
		t.Fatal("expected a route for /archive/hot/day.log")
	}
	if route.Remote != "hot" || route.ObjectPath != "day.log" {
		t.Errorf("route = %+v; want hot day.log", route)
	}

	route, ok = ns.Resolve("/archive/2026/day.log")
	if !ok {
		t.Fatal("expected a route for /archive/2026/day.log")
	}
	if route.Remote != "traces" || route.ObjectPath != "2026/day.log" {
		t.Errorf("route = %+v; want traces 2026/day.log", route)
	}
}

func TestResolveExactMount(t *testing.T) {
	ns := New([]config.RemoteConfig{{Name: "traces", Mount: "archive"}})

	route, ok := ns.Resolve("/archive")
	if !ok {
		t.Fatal("expected the bare mount to resolve")
	}
	if route.Remote != "traces" || route.ObjectPath != "" {
		t.Errorf("route = %+v; want traces with empty path", route)
	}
}

func TestResolveMisses(t *testing.T) {
	ns := New([]config.RemoteConfig{
		{Name: "traces", Mount: "/archive"},
		{Name: "unmounted"},
	})

	if _, ok := ns.Resolve("/var/log/day.log"); ok {
		t.Error("unmounted prefix must not resolve")
	}
	if _, ok := ns.Resolve("archive/day.log"); ok {
		t.Error("relative specs must not resolve")
	}
	if _, ok := ns.Resolve("/archived/day.log"); ok {
		t.Error("prefix match must stop at path boundaries")
	}
}

func TestEmptyNamespace(t *testing.T) {
	ns := New([]config.RemoteConfig{{Name: "traces"}, {Name: "models"}})
	if !ns.Empty() {
		t.Error("remotes without mounts must leave the namespace empty")
	}
	if got := len(ns.Mounts()); got != 0 {
		t.Errorf("Mounts() returned %d entries; want 0", got)
	}
}

func TestMountsOrdering(t *testing.T) {
	ns := New([]config.RemoteConfig{
		{Name: "a", Mount: "/x"},
		{Name: "b", Mount: "/x/y/z"},
		{Name: "c", Mount: "/x/y"},
	})
	mounts := ns.Mounts()
	if len(mounts) != 3 {
		t.Fatalf("expected 3 mounts, got %d", len(mounts))
	}
	for i := 1; i < len(mounts); i++ {
		if len(mounts[i].Prefix) > len(mounts[i-1].Prefix) {
			t.Errorf("mounts not sorted longest first: %v", mounts)
		}
	}
}
