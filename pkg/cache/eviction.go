package cache

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/warpdrive/warptrace/pkg/metrics"
)

const (
	evictHighWater = 0.90 // budget fraction that triggers a sweep
	evictLowWater  = 0.80 // budget fraction the sweep drives down to
)

// entryWithAccess pairs an entry with its key for the LRU sort.
type entryWithAccess struct {
	key  string
	meta FetchMeta
}

// evict enforces the byte budget. Past the high-water mark it collects
// every entry, sorts by last access, and removes the oldest until the
// total is under the low-water mark.
func (c *Cache) evict() {
	if c.maxBytes <= 0 {
		return
	}
	threshold := int64(float64(c.maxBytes) * evictHighWater)
	target := int64(float64(c.maxBytes) * evictLowWater)

	// Quick check: skip the scan when clearly under threshold.
	if c.bytes.Load() <= threshold {
		return
	}

	var entries []entryWithAccess
	var total int64

	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("fetch:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(val []byte) error {
				var m FetchMeta
				if err := json.Unmarshal(val, &m); err != nil {
					return nil // skip corrupt entries
				}
				entries = append(entries, entryWithAccess{key: key, meta: m})
				total += m.Size
				return nil
			})
			if err != nil {
				continue
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("eviction scan failed", "error", err)
		return
	}

	if total <= threshold {
		// Correct the counter if it drifted.
		c.bytes.Store(total)
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].meta.LastAccess.Before(entries[j].meta.LastAccess)
	})

	evicted := 0
	for _, e := range entries {
		if total <= target {
			break
		}
		c.remove(e.key, e.meta)
		total -= e.meta.Size
		evicted++
	}
	c.bytes.Store(total)

	if evicted > 0 {
		metrics.FetchCacheEvictions.Add(float64(evicted))
		metrics.FetchCacheBytes.Set(float64(total))
		slog.Info("Eviction completed", "component", "cache", "evicted", evicted, "remaining_bytes", total)
	}
}
