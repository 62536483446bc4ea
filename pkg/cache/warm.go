package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warpdrive/warptrace/pkg/backend"
)

// WarmOptions configures a prefetch pass.
type WarmOptions struct {
	Workers  int   // parallel downloads; default 8
	MaxBytes int64 // stop queueing once this many bytes are listed; 0 = unlimited
}

// WarmResult reports what a prefetch pass did.
type WarmResult struct {
	Objects  int           // downloaded into the cache
	Bytes    int64         // content bytes downloaded
	Skipped  int           // already cached and current
	Failed   int           // objects that could not be fetched
	Duration time.Duration
}

// errWarmBudget stops the walk once MaxBytes worth of objects is queued.
var errWarmBudget = errors.New("warm budget reached")

// Warm pulls everything under prefix on the backend into the cache, so
// later analysis runs read from local disk. The tree is walked
// depth-first; object fetch failures are counted and skipped, listing
// failures abort the pass.
func Warm(ctx context.Context, c *Cache, b backend.Backend, prefix string, opts WarmOptions) (WarmResult, error) {
	begin := time.Now()
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}

	var objects, skipped, failed int64
	var bytes int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var queued int64
	var walk func(string) error
	walk = func(p string) error {
		entries, err := b.List(gctx, p)
		if err != nil {
			return fmt.Errorf("list %s: %w", p, err)
		}
		for _, e := range entries {
			if err := gctx.Err(); err != nil {
				return err
			}
			child := e.Path
			if p != "" {
				child = p + "/" + e.Path
			}
			if e.IsDir {
				if err := walk(child); err != nil {
					return err
				}
				continue
			}

			if opts.MaxBytes > 0 && queued >= opts.MaxBytes {
				return errWarmBudget
			}
			queued += e.Size

			objPath, info := child, e
			info.Path = objPath
			g.Go(func() error {
				_, hit, err := c.fetchInfo(gctx, b, objPath, info)
				switch {
				case err != nil:
					atomic.AddInt64(&failed, 1)
					slog.Warn("Prefetch failed",
						"component", "cache", "remote", b.Name(), "path", objPath, "error", err)
				case hit:
					atomic.AddInt64(&skipped, 1)
				default:
					atomic.AddInt64(&objects, 1)
					atomic.AddInt64(&bytes, info.Size)
				}
				return nil
			})
		}
		return nil
	}

	walkErr := walk(prefix)
	if err := g.Wait(); err != nil {
		return WarmResult{}, fmt.Errorf("cache.Warm: %w", err)
	}
	if walkErr != nil && !errors.Is(walkErr, errWarmBudget) {
		return WarmResult{}, fmt.Errorf("cache.Warm: %w", walkErr)
	}

	res := WarmResult{
		Objects:  int(objects),
		Bytes:    bytes,
		Skipped:  int(skipped),
		Failed:   int(failed),
		Duration: time.Since(begin),
	}
	slog.Info("Prefetch complete",
		"component", "cache",
		"remote", b.Name(),
		"prefix", prefix,
		"objects", res.Objects,
		"bytes", res.Bytes,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"duration", res.Duration)
	return res, nil
}
