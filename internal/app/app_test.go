package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/arkforge/gputaskd/internal/catalog"
	"github.com/arkforge/gputaskd/internal/gpu"
	"github.com/arkforge/gputaskd/internal/modelcache"
	"github.com/arkforge/gputaskd/internal/runtime"
	"github.com/arkforge/gputaskd/internal/session"
	"github.com/arkforge/gputaskd/internal/taskevent"
)

type fakeRuntime struct {
	mu         sync.Mutex
	execScript string
	createErr  error
}

func (f *fakeRuntime) CreateOneoff(ctx context.Context, spec runtime.Spec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "container-oneoff", nil
}
func (f *fakeRuntime) CreateLongLived(ctx context.Context, spec runtime.Spec) (string, error) {
	return "container-session", nil
}
func (f *fakeRuntime) Start(ctx context.Context, containerID string) error { return nil }
func (f *fakeRuntime) Exec(ctx context.Context, containerID string, argv []string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.execScript)), nil
}
func (f *fakeRuntime) StreamLogs(ctx context.Context, containerID string) (<-chan runtime.Line, error) {
	out := make(chan runtime.Line, 1)
	out <- runtime.Line{Text: `{"event":"task_finish","status":"completed"}`}
	close(out)
	return out, nil
}
func (f *fakeRuntime) Wait(ctx context.Context, containerID string) <-chan runtime.ExitResult {
	return make(chan runtime.ExitResult)
}
func (f *fakeRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	return nil
}
func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error { return nil }
func (f *fakeRuntime) ListRunning(ctx context.Context) ([]string, error)    { return nil, nil }

// blockingExecRuntime delays Exec until release is closed, so a test can
// cancel the caller's context before any dispatcher event is emitted.
type blockingExecRuntime struct {
	*fakeRuntime
	release chan struct{}
}

func (b *blockingExecRuntime) Exec(ctx context.Context, containerID string, argv []string) (io.ReadCloser, error) {
	<-b.release
	return b.fakeRuntime.Exec(ctx, containerID, argv)
}

func writeCatalog(t *testing.T, dir string) {
	t.Helper()
	defs := map[string]interface{}{
		"task_definitions": map[string]interface{}{
			"summarize": map[string]interface{}{
				"task_type":       "oneoff",
				"task_difficulty": "low",
				"timeout_seconds": 30,
				"model_id":        "model-a",
			},
			"chat": map[string]interface{}{
				"task_type":       "session",
				"task_difficulty": "low",
				"timeout_seconds": 30,
				"model_id":        "model-a",
			},
		},
	}
	actions := map[string]interface{}{
		"task_actions": map[string]interface{}{
			"model-a": map[string]interface{}{
				"docker_image": "registry/model-a:latest",
				"command":      []string{"run"},
			},
		},
	}
	paths := map[string]interface{}{"model_paths": map[string]interface{}{}}

	for name, doc := range map[string]interface{}{
		"task_definitions.yaml": defs,
		"task_actions.yaml":     actions,
		"model_paths.yaml":      paths,
	} {
		b, err := yaml.Marshal(doc)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o644))
	}
}

func newTestApp(t *testing.T, rt runtime.Runtime) *App {
	t.Helper()
	dir := t.TempDir()
	writeCatalog(t, dir)
	cat := catalog.New(dir, 120, 900)

	alloc, err := gpu.New([]string{"0"}, []string{"low"}, gpu.NilTelemetryProvider{}, nil, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)

	cacheDir := t.TempDir()
	modelDir := filepath.Join(cacheDir, "model-a")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "weights.bin"), []byte("x"), 0o644))
	cache := modelcache.New(cacheDir, false, nil)
	registry := session.NewRegistry(alloc, rt, 5, time.Minute, time.Hour, logrus.NewEntry(logrus.New()))
	t.Cleanup(registry.Close)

	return New(cat, alloc, cache, rt, registry, nil, logrus.NewEntry(logrus.New()))
}

func TestPrepareAndExecute_OneoffHappyPath(t *testing.T) {
	rt := &fakeRuntime{}
	a := newTestApp(t, rt)

	prepared, err := a.PrepareTask(context.Background(), TaskRequest{TaskName: "summarize"})
	require.NoError(t, err)

	var events []taskevent.Event
	a.ExecuteTask(context.Background(), prepared, func(e taskevent.Event) { events = append(events, e) })

	require.Len(t, events, 3)
	assert.Equal(t, taskevent.TagConnection, events[0].Tag)
	assert.Equal(t, taskevent.TagWorker, events[1].Tag)
	assert.Equal(t, taskevent.TagTaskFinish, events[2].Tag)
	assert.Equal(t, "completed", events[2].TaskFinish.Status)

	// the GPU must have been released after execution completes.
	snap := a.GpuAllocator().Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Available)
}

func TestPrepareTask_UnknownTaskFailsBeforeExecute(t *testing.T) {
	a := newTestApp(t, &fakeRuntime{})
	_, err := a.PrepareTask(context.Background(), TaskRequest{TaskName: "does-not-exist"})
	assert.ErrorIs(t, err, catalog.ErrUnknownTask)
}

func TestPrepareTask_CapacityFullPropagatesGpuError(t *testing.T) {
	a := newTestApp(t, &fakeRuntime{})
	_, err := a.PrepareTask(context.Background(), TaskRequest{TaskName: "summarize"})
	require.NoError(t, err)

	_, err = a.PrepareTask(context.Background(), TaskRequest{TaskName: "summarize"})
	var full *gpu.ErrFull
	assert.ErrorAs(t, err, &full)
}

func TestPrepareAndExecute_SessionForwardsDispatcherEvents(t *testing.T) {
	rt := &fakeRuntime{execScript: `{"event":"task_finish","status":"completed"}` + "\n"}
	a := newTestApp(t, rt)

	prepared, err := a.PrepareTask(context.Background(), TaskRequest{TaskName: "chat", CreateSession: true})
	require.NoError(t, err)

	var events []taskevent.Event
	done := make(chan struct{})
	go func() {
		a.ExecuteTask(context.Background(), prepared, func(e taskevent.Event) { events = append(events, e) })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteTask did not return")
	}

	require.NotEmpty(t, events)
	assert.Equal(t, taskevent.TagConnection, events[0].Tag)
	assert.Equal(t, taskevent.TagTaskFinish, events[len(events)-1].Tag)
}

func TestExecuteTask_SessionStopsForwardingOnCallerCancel(t *testing.T) {
	blocker := make(chan struct{})
	rt := &fakeRuntime{}
	rt.execScript = `{"event":"task_finish","status":"completed"}` + "\n"

	a := newTestApp(t, &blockingExecRuntime{fakeRuntime: rt, release: blocker})

	ctx, cancel := context.WithCancel(context.Background())
	prepared, err := a.PrepareTask(ctx, TaskRequest{TaskName: "chat", CreateSession: true})
	require.NoError(t, err)

	cancel()
	done := make(chan struct{})
	var events []taskevent.Event
	go func() {
		a.ExecuteTask(ctx, prepared, func(e taskevent.Event) { events = append(events, e) })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteTask did not return promptly after caller cancellation")
	}
	close(blocker)

	require.NotEmpty(t, events)
	assert.Equal(t, taskevent.TagConnection, events[0].Tag)
	for _, e := range events {
		assert.NotEqual(t, taskevent.TagTaskFinish, e.Tag, "a dropped-events session must not surface a TaskFinish to the canceled caller")
	}
}

func TestCatalogTaskNames_ReflectsDefinitions(t *testing.T) {
	a := newTestApp(t, &fakeRuntime{})
	names, err := a.CatalogTaskNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"summarize", "chat"}, names)
}
