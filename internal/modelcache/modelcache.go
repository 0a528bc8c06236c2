// Package modelcache materializes model directories on the host
// filesystem on demand, coordinating concurrent fetches of the same model
// with a single-flight group the way the teacher coordinates a single
// controlled pull-then-commit write path.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Sentinel errors per spec.md §4.3 / §7.
var (
	ErrNotCached  = errors.New("modelcache: model not cached and auto-fetch disabled")
	ErrFetchError = errors.New("modelcache: fetch failed")
)

// Fetcher is the external ModelFetcher collaborator (spec §6):
// download(model_id, dest_dir) -> ok | error.
type Fetcher interface {
	Download(ctx context.Context, modelID, destDir string) error
}

// Cache materializes and remembers on-disk model directories.
type Cache struct {
	baseDir   string
	autoFetch bool
	fetcher   Fetcher
	group     singleflight.Group

	mu       sync.RWMutex
	resolved map[string]string
}

// New builds a Cache rooted at baseDir. fetcher is consulted only when
// autoFetch is true.
func New(baseDir string, autoFetch bool, fetcher Fetcher) *Cache {
	return &Cache{
		baseDir:   baseDir,
		autoFetch: autoFetch,
		fetcher:   fetcher,
		resolved:  make(map[string]string),
	}
}

// Ensure implements spec.md §4.3's ensure(model_id) -> host_path |
// FetchError.
func (c *Cache) Ensure(ctx context.Context, modelID string) (string, error) {
	c.mu.RLock()
	if path, ok := c.resolved[modelID]; ok {
		c.mu.RUnlock()
		return path, nil
	}
	c.mu.RUnlock()

	dest := filepath.Join(c.baseDir, modelID)
	if nonEmptyDir(dest) {
		c.rememberResolved(modelID, dest)
		return dest, nil
	}

	if !c.autoFetch {
		return "", fmt.Errorf("%w: %q", ErrNotCached, modelID)
	}

	v, err, _ := c.group.Do(modelID, func() (interface{}, error) {
		return c.fetchInto(ctx, modelID, dest)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) fetchInto(ctx context.Context, modelID, dest string) (string, error) {
	// Re-check under the single-flight key: another goroutine may have
	// completed the fetch between our first check and acquiring the lease.
	if nonEmptyDir(dest) {
		c.rememberResolved(modelID, dest)
		return dest, nil
	}

	tmp, err := os.MkdirTemp(c.baseDir, ".tmp-"+modelID+"-")
	if err != nil {
		return "", fmt.Errorf("%w: creating scratch dir: %v", ErrFetchError, err)
	}
	defer os.RemoveAll(tmp)

	if err := c.fetcher.Download(ctx, modelID, tmp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchError, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("%w: committing fetched model: %v", ErrFetchError, err)
	}

	c.rememberResolved(modelID, dest)
	return dest, nil
}

func (c *Cache) rememberResolved(modelID, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved[modelID] = path
}

func nonEmptyDir(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	return len(entries) > 0
}
