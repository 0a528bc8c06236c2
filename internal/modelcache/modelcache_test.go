package modelcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls int32
	delay time.Duration
	fail  bool
}

func (f *countingFetcher) Download(ctx context.Context, modelID, destDir string) error {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail {
		return errors.New("boom")
	}
	return os.WriteFile(filepath.Join(destDir, "weights.bin"), []byte("x"), 0o644)
}

func TestEnsure_CacheHitSkipsFetch(t *testing.T) {
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "llama")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "f"), []byte("x"), 0o644))

	fetcher := &countingFetcher{}
	c := New(dir, true, fetcher)

	path, err := c.Ensure(context.Background(), "llama")
	require.NoError(t, err)
	assert.Equal(t, modelDir, path)
	assert.EqualValues(t, 0, fetcher.calls)
}

func TestEnsure_NotCachedWithoutAutoFetch(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, false, &countingFetcher{})

	_, err := c.Ensure(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestEnsure_FetchesThenCommitsAtomically(t *testing.T) {
	dir := t.TempDir()
	fetcher := &countingFetcher{}
	c := New(dir, true, fetcher)

	path, err := c.Ensure(context.Background(), "llama")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "llama"), path)
	assert.FileExists(t, filepath.Join(path, "weights.bin"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestEnsure_FetchErrorSurfaces(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, true, &countingFetcher{fail: true})

	_, err := c.Ensure(context.Background(), "llama")
	assert.ErrorIs(t, err, ErrFetchError)
}

func TestEnsure_ConcurrentCallersShareOneFetch(t *testing.T) {
	dir := t.TempDir()
	fetcher := &countingFetcher{delay: 50 * time.Millisecond}
	c := New(dir, true, fetcher)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Ensure(context.Background(), "shared-model")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, fetcher.calls)
}

func TestEnsure_DifferentModelsProceedInParallel(t *testing.T) {
	dir := t.TempDir()
	fetcher := &countingFetcher{delay: 20 * time.Millisecond}
	c := New(dir, true, fetcher)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := c.Ensure(context.Background(), id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.EqualValues(t, 3, fetcher.calls)
}
