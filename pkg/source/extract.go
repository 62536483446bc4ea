package source

import (
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// remotePrefix marks a spec resolved through the backend registry, as
// remote:<backend>/<object path>.
const remotePrefix = "remote:"

// ParseRemoteSpec splits a remote:<name>/<path> spec. The object path
// may be empty, meaning the remote's root.
func ParseRemoteSpec(spec string) (name, objPath string, ok bool) {
	if !strings.HasPrefix(spec, remotePrefix) {
		return "", "", false
	}
	name, objPath, _ = strings.Cut(strings.TrimPrefix(spec, remotePrefix), "/")
	if name == "" {
		return "", "", false
	}
	return name, objPath, true
}

// unit is one concrete artifact to materialize, after directory
// expansion.
type unit struct {
	spec        string // display spec for messages and Source names
	path        string // local path, or object path within the backend
	remote      bool
	backendName string
}

// resolve expands specs into units. Local directories expand to their
// regular files, remote directories to their listed objects. Specs that
// fail to resolve are excluded here; nothing fatal happens.
func (l *Loader) resolve(ctx context.Context, specs []string) []unit {
	var units []unit
	for _, spec := range specs {
		if strings.HasPrefix(spec, remotePrefix) {
			units = append(units, l.resolveRemote(ctx, spec)...)
			continue
		}
		if l.routes != nil && strings.HasPrefix(spec, "/") {
			if route, ok := l.routes.Resolve(spec); ok {
				units = append(units, l.resolveObject(ctx, spec, route.Remote, route.ObjectPath)...)
				continue
			}
		}

		info, err := os.Stat(spec)
		if err != nil {
			l.exclude(spec, err)
			continue
		}
		if !info.IsDir() {
			units = append(units, unit{spec: spec, path: spec})
			continue
		}

		entries, err := os.ReadDir(spec)
		if err != nil {
			l.exclude(spec, err)
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			p := filepath.Join(spec, e.Name())
			units = append(units, unit{spec: p, path: p})
		}
	}
	return units
}

func (l *Loader) resolveRemote(ctx context.Context, spec string) []unit {
	name, objPath, ok := ParseRemoteSpec(spec)
	if !ok || objPath == "" {
		l.exclude(spec, fmt.Errorf("malformed remote spec, want remote:<name>/<path>"))
		return nil
	}
	return l.resolveObject(ctx, spec, name, objPath)
}

// resolveObject expands one object path on the named remote. A
// directory expands to its listed objects; an empty path means the
// remote's root and is always a listing.
func (l *Loader) resolveObject(ctx context.Context, spec, name, objPath string) []unit {
	if l.registry == nil {
		l.exclude(spec, fmt.Errorf("no remotes configured"))
		return nil
	}
	b, err := l.registry.Get(name)
	if err != nil {
		l.exclude(spec, err)
		return nil
	}

	if objPath != "" {
		info, err := b.Stat(ctx, objPath)
		if err != nil {
			l.exclude(spec, err)
			return nil
		}
		if !info.IsDir {
			return []unit{{spec: spec, path: objPath, remote: true, backendName: name}}
		}
	}

	entries, err := b.List(ctx, objPath)
	if err != nil {
		l.exclude(spec, err)
		return nil
	}
	var units []unit
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		child := e.Path
		if objPath != "" {
			child = objPath + "/" + e.Path
		}
		units = append(units, unit{
			spec:        spec + "/" + e.Path,
			path:        child,
			remote:      true,
			backendName: name,
		})
	}
	return units
}

// materialize turns one unit into scannable local files: remote objects
// are fetched into the work directory, archives are unpacked, gzip is
// decompressed. Plain local files are scanned in place.
func (l *Loader) materialize(ctx context.Context, u unit) ([]Source, error) {
	path := u.path
	if u.remote {
		fetched, err := l.fetch(ctx, u)
		if err != nil {
			return nil, err
		}
		path = fetched
	}

	base := filepath.Base(path)
	lower := strings.ToLower(base)
	switch {
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		return nil, fmt.Errorf("unsupported archive format %q", base)

	case strings.HasSuffix(lower, ".zip"):
		dir := filepath.Join(l.workdir, strings.TrimSuffix(base, filepath.Ext(base)))
		members, err := extractZip(ctx, path, dir)
		if err != nil {
			return nil, err
		}
		sources := make([]Source, 0, len(members))
		for _, m := range members {
			p := filepath.Join(dir, filepath.FromSlash(m))
			sources = append(sources, Source{
				Name: u.spec + "/" + m,
				Path: p,
				Size: fileSize(p),
			})
		}
		return sources, nil

	case strings.HasSuffix(lower, ".gz"):
		dest := filepath.Join(l.workdir, strings.TrimSuffix(base, ".gz"))
		if err := gunzip(path, dest); err != nil {
			return nil, err
		}
		return []Source{{Name: u.spec, Path: dest, Size: fileSize(dest)}}, nil
	}

	return []Source{{Name: u.spec, Path: path, Size: fileSize(path)}}, nil
}

// fetch materializes a remote object locally, through the fetch cache
// when one is installed, otherwise into a deterministic spot under the
// work directory so re-runs overwrite rather than accumulate.
func (l *Loader) fetch(ctx context.Context, u unit) (string, error) {
	b, err := l.registry.Get(u.backendName)
	if err != nil {
		return "", err
	}

	if l.cache != nil {
		path, err := l.cache.Fetch(ctx, b, u.path)
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", u.spec, err)
		}
		return path, nil
	}

	rc, err := b.Open(ctx, u.path)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dest := filepath.Join(l.workdir, "fetch", u.backendName, filepath.FromSlash(u.path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return "", fmt.Errorf("fetch %s: %w", u.spec, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dest, nil
}

// extractZip unpacks every regular member of archive into dir and
// returns the member names. Any member failure fails the whole
// archive; the caller excludes it as one source.
func extractZip(ctx context.Context, archive, dir string) ([]string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		if zr != nil {
			zr.Close()
		}
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var members []string
	for _, f := range zr.File {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Reject members that would escape the extraction dir.
		if strings.Contains(f.Name, "..") {
			return nil, fmt.Errorf("archive member %q escapes extraction dir", f.Name)
		}

		dest := filepath.Join(dir, filepath.FromSlash(f.Name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}

		src, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", f.Name, err)
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			src.Close()
			return nil, err
		}
		if _, err := io.Copy(out, src); err != nil {
			src.Close()
			out.Close()
			return nil, fmt.Errorf("member %q: %w", f.Name, err)
		}
		src.Close()
		if err := out.Close(); err != nil {
			return nil, err
		}
		members = append(members, f.Name)
	}
	return members, nil
}

func gunzip(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		return fmt.Errorf("gunzip %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}

func fileSize(path string) int64 {
	if info, err := os.Stat(path); err == nil {
		return info.Size()
	}
	return 0
}
