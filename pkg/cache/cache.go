// Package cache keeps fetched remote objects on local disk between
// runs. Entries are validated against the remote's ETag and size, so an
// unchanged trace log is downloaded once no matter how many runs read
// it. A byte budget is enforced by LRU eviction.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/warpdrive/warptrace/pkg/backend"
	"github.com/warpdrive/warptrace/pkg/metrics"
)

// FetchMeta is stored as JSON in badger for each cached object.
type FetchMeta struct {
	Remote     string    `json:"r"`
	Path       string    `json:"p"`
	LocalPath  string    `json:"l"`
	Size       int64     `json:"s"`
	ETag       string    `json:"e"`
	FetchedAt  time.Time `json:"fa"`
	LastAccess time.Time `json:"la"`
}

// Cache is the on-disk fetch cache: content files under dir/objects,
// metadata in a badger database under dir/meta.
type Cache struct {
	dir      string
	maxBytes int64
	db       *badger.DB

	bytes atomic.Int64

	// Per-object mutexes so concurrent fetches of the same object
	// download once.
	fetchMu sync.Map // key -> *sync.Mutex
}

// Open opens or creates a fetch cache rooted at dir. maxBytes bounds
// the total content size; zero means unbounded.
func Open(dir string, maxBytes int64) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("cache.Open: %w", err)
	}
	opts := badger.DefaultOptions(filepath.Join(dir, "meta"))
	opts.Logger = nil // badger's own logger bypasses slog
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache.Open: %w", err)
	}

	c := &Cache{dir: dir, maxBytes: maxBytes, db: db}
	total, err := c.scanBytes()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache.Open: %w", err)
	}
	c.bytes.Store(total)
	metrics.FetchCacheBytes.Set(float64(total))
	return c, nil
}

// Fetch returns a local path holding the current content of the remote
// object, downloading only when the cached copy is missing or stale.
// When the remote cannot even be stat-ed, a cached copy is served as a
// fallback.
func (c *Cache) Fetch(ctx context.Context, b backend.Backend, objPath string) (string, error) {
	key := fetchKey(b.Name(), objPath)
	muIface, _ := c.fetchMu.LoadOrStore(key, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	info, err := b.Stat(ctx, objPath)
	if err != nil {
		if meta, ok := c.lookup(key); ok && fileExists(meta.LocalPath) {
			slog.Warn("Stat failed, serving cached copy",
				"component", "cache", "remote", b.Name(), "path", objPath, "error", err)
			c.touch(key, meta)
			metrics.FetchCacheHits.Inc()
			return meta.LocalPath, nil
		}
		return "", fmt.Errorf("cache.Fetch: stat %s: %w", objPath, err)
	}

	path, _, err := c.fetchInfo(ctx, b, objPath, info)
	return path, err
}

// fetchInfo is Fetch with the Stat already done; Warm reuses the info
// that listing produced. The caller must hold the per-object mutex for
// Fetch's concurrency guarantee; Warm's walker visits each object once,
// so it skips the lock.
func (c *Cache) fetchInfo(ctx context.Context, b backend.Backend, objPath string, info backend.ObjectInfo) (string, bool, error) {
	key := fetchKey(b.Name(), objPath)

	// Backends without content hashes leave ETag empty; size is then
	// the only validation signal.
	if meta, ok := c.lookup(key); ok &&
		(info.ETag == "" || meta.ETag == info.ETag) &&
		meta.Size == info.Size && fileExists(meta.LocalPath) {
		c.touch(key, meta)
		metrics.FetchCacheHits.Inc()
		return meta.LocalPath, true, nil
	}

	local := objectLocalPath(c.dir, b.Name(), objPath)
	n, err := c.download(ctx, b, objPath, local)
	if err != nil {
		return "", false, fmt.Errorf("cache.Fetch: %w", err)
	}

	now := time.Now().UTC()
	meta := FetchMeta{
		Remote:     b.Name(),
		Path:       objPath,
		LocalPath:  local,
		Size:       n,
		ETag:       info.ETag,
		FetchedAt:  now,
		LastAccess: now,
	}
	if old, ok := c.lookup(key); ok {
		c.bytes.Add(-old.Size)
	}
	if err := c.put(key, meta); err != nil {
		return "", false, fmt.Errorf("cache.Fetch: %w", err)
	}
	c.bytes.Add(n)
	metrics.FetchCacheMisses.Inc()
	metrics.FetchCacheBytes.Set(float64(c.bytes.Load()))

	c.evict()
	return local, false, nil
}

func (c *Cache) download(ctx context.Context, b backend.Backend, objPath, local string) (int64, error) {
	rc, err := b.Open(ctx, objPath)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, err
	}
	// Unique temp plus rename keeps a concurrent download of the same
	// object from tearing the content file.
	out, err := os.CreateTemp(filepath.Dir(local), filepath.Base(local)+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmp := out.Name()
	n, err := io.Copy(out, rc)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("download %s: %w", objPath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, local); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// Bytes returns the content bytes currently cached.
func (c *Cache) Bytes() int64 { return c.bytes.Load() }

// Entries returns the number of cached objects.
func (c *Cache) Entries() int {
	n := 0
	c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("fetch:")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n
}

// Close flushes and closes the metadata database. Content files stay
// on disk for the next open.
func (c *Cache) Close() error {
	return c.db.Close()
}

// ─── Metadata Plumbing ─────────────────────────────────────────────────

func (c *Cache) lookup(key string) (FetchMeta, bool) {
	var meta FetchMeta
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) || err != nil {
		return FetchMeta{}, false
	}
	return meta, true
}

func (c *Cache) put(key string, meta FetchMeta) error {
	val, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

// touch refreshes an entry's access time for LRU ordering.
func (c *Cache) touch(key string, meta FetchMeta) {
	meta.LastAccess = time.Now().UTC()
	if err := c.put(key, meta); err != nil {
		slog.Warn("Cache touch failed", "component", "cache", "key", key, "error", err)
	}
}

func (c *Cache) remove(key string, meta FetchMeta) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		slog.Warn("Cache delete failed", "component", "cache", "key", key, "error", err)
		return
	}
	if err := os.Remove(meta.LocalPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Cache content delete failed", "component", "cache", "path", meta.LocalPath, "error", err)
	}
}

// scanBytes sums the sizes of all cached entries.
func (c *Cache) scanBytes() (int64, error) {
	var total int64
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("fetch:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m FetchMeta
				if err := json.Unmarshal(val, &m); err != nil {
					return nil // skip corrupt entries
				}
				total += m.Size
				return nil
			})
			if err != nil {
				continue
			}
		}
		return nil
	})
	return total, err
}

// fetchKey returns the badger key for a cached object.
func fetchKey(remote, path string) string {
	return fmt.Sprintf("fetch:%s:%s", remote, path)
}

// objectLocalPath returns the content file path for a cached object.
// Uses a 2-char prefix subdirectory for fan-out.
func objectLocalPath(dir, remote, path string) string {
	h := sha256.Sum256([]byte(remote + ":" + path))
	hexStr := hex.EncodeToString(h[:10])
	return filepath.Join(dir, "objects", hexStr[:2], hexStr+".obj")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
