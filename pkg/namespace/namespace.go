// Package namespace maps mount-prefixed source specs onto configured
// remotes. A remote with mount "/archive" makes the spec
// "/archive/2026/day.log" resolve to that remote's object
// "2026/day.log", without the remote:<name>/ form.
package namespace

import (
	"sort"
	"strings"

	"github.com/warpdrive/warptrace/pkg/config"
)

// Route is the result of resolving a spec to a remote.
type Route struct {
	Remote     string
	ObjectPath string
}

// Mount describes one routed prefix.
type Mount struct {
	Remote string
	Prefix string
}

// Namespace routes specs to remotes by longest-prefix match.
type Namespace struct {
	mounts []mountEntry
}

type mountEntry struct {
	prefix string // e.g. "/archive"
	remote string
}

// New builds a namespace from the remote configurations. Only remotes
// with an explicit mount participate; the rest stay reachable through
// remote:<name>/<path> specs alone. Mounts are sorted longest first so
// the most specific prefix wins.
func New(remotes []config.RemoteConfig) *Namespace {
	var entries []mountEntry
	for _, r := range remotes {
		if r.Mount == "" {
			continue
		}
		prefix := "/" + strings.Trim(r.Mount, "/")
		entries = append(entries, mountEntry{prefix: prefix, remote: r.Name})
	}
	sort.Slice(entries, func(i, j int) bool {
		return len(entries[i].prefix) > len(entries[j].prefix)
	})
	return &Namespace{mounts: entries}
}

// Resolve maps a spec to a remote and object path. The second return is
// false when no mount covers the spec, leaving it to local resolution.
func (ns *Namespace) Resolve(spec string) (Route, bool) {
	if !strings.HasPrefix(spec, "/") {
		return Route{}, false
	}
	for _, m := range ns.mounts {
		if spec == m.prefix || strings.HasPrefix(spec, m.prefix+"/") {
			objPath := strings.TrimPrefix(spec, m.prefix)
			objPath = strings.TrimPrefix(objPath, "/")
			return Route{Remote: m.remote, ObjectPath: objPath}, true
		}
	}
	return Route{}, false
}

// Mounts returns the configured mounts, most specific first.
func (ns *Namespace) Mounts() []Mount {
	out := make([]Mount, len(ns.mounts))
	for i, m := range ns.mounts {
		out[i] = Mount{Remote: m.remote, Prefix: m.prefix}
	}
	return out
}

// Empty reports whether no remote is mounted.
func (ns *Namespace) Empty() bool { return len(ns.mounts) == 0 }
