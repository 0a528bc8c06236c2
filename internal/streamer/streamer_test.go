package streamer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkforge/gputaskd/internal/runtime"
	"github.com/arkforge/gputaskd/internal/taskevent"
)

type fakeRuntime struct {
	runtime.Runtime
	lines     []runtime.Line
	lineDelay time.Duration
	exit      runtime.ExitResult
	exitDelay time.Duration
	stopped   bool
}

func (f *fakeRuntime) StreamLogs(ctx context.Context, containerID string) (<-chan runtime.Line, error) {
	out := make(chan runtime.Line)
	go func() {
		defer close(out)
		for _, l := range f.lines {
			time.Sleep(f.lineDelay)
			out <- l
		}
	}()
	return out, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, containerID string) <-chan runtime.ExitResult {
	out := make(chan runtime.ExitResult, 1)
	go func() {
		time.Sleep(f.exitDelay)
		out <- f.exit
	}()
	return out
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.stopped = true
	return nil
}

type collectingSink struct {
	mu     sync.Mutex
	events []taskevent.Event
}

func (c *collectingSink) Emit(e taskevent.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collectingSink) snapshot() []taskevent.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]taskevent.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestStream_HappyPathEndsInTaskFinish(t *testing.T) {
	fr := &fakeRuntime{
		lines: []runtime.Line{
			{Text: `{"event":"text_delta","delta":"hi"}`},
			{Text: `{"event":"task_finish","status":"completed"}`},
		},
		exitDelay: time.Hour,
	}
	sink := &collectingSink{}
	Stream(context.Background(), fr, "c1", time.Second, sink, logrus.NewEntry(logrus.New()))

	events := sink.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, taskevent.TagWorker, events[0].Tag)
	assert.Equal(t, taskevent.TagTextDelta, events[1].Tag)
	assert.Equal(t, taskevent.TagTaskFinish, events[2].Tag)
	assert.Equal(t, "completed", events[2].TaskFinish.Status)
}

func TestStream_UnparsableLineDegradesToLogs(t *testing.T) {
	fr := &fakeRuntime{
		lines: []runtime.Line{
			{Text: "plain text line", Stderr: true},
			{Text: `{"event":"task_finish","status":"completed"}`},
		},
		exitDelay: time.Hour,
	}
	sink := &collectingSink{}
	Stream(context.Background(), fr, "c1", time.Second, sink, logrus.NewEntry(logrus.New()))

	events := sink.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, taskevent.TagLogs, events[1].Tag)
	assert.Equal(t, "warning", events[1].Logs.Level)
}

func TestStream_ContainerExitWithoutFinish(t *testing.T) {
	fr := &fakeRuntime{
		lines:     []runtime.Line{{Text: `{"event":"worker","status":"created"}`}},
		exitDelay: 5 * time.Millisecond,
		exit:      runtime.ExitResult{ExitCode: 1},
	}
	sink := &collectingSink{}
	Stream(context.Background(), fr, "c1", time.Second, sink, logrus.NewEntry(logrus.New()))

	events := sink.snapshot()
	last := events[len(events)-1]
	require.Equal(t, taskevent.TagTaskFinish, last.Tag)
	assert.Equal(t, "failed", last.TaskFinish.Status)
	assert.Equal(t, "exited without finish", last.TaskFinish.Error)
}

func TestStream_DeadlineExceededStopsContainer(t *testing.T) {
	fr := &fakeRuntime{
		lineDelay: time.Hour,
		lines:     []runtime.Line{{Text: "never arrives"}},
		exitDelay: time.Hour,
	}
	sink := &collectingSink{}
	Stream(context.Background(), fr, "c1", 10*time.Millisecond, sink, logrus.NewEntry(logrus.New()))

	events := sink.snapshot()
	last := events[len(events)-1]
	require.Equal(t, taskevent.TagTaskFinish, last.Tag)
	assert.Equal(t, "timeout", last.TaskFinish.Status)
	assert.True(t, fr.stopped)
}

func TestStream_CallerCancelStopsContainer(t *testing.T) {
	fr := &fakeRuntime{
		lineDelay: time.Hour,
		lines:     []runtime.Line{{Text: "never arrives"}},
		exitDelay: time.Hour,
	}
	sink := &collectingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Stream(ctx, fr, "c1", time.Hour, sink, logrus.NewEntry(logrus.New()))

	events := sink.snapshot()
	last := events[len(events)-1]
	require.Equal(t, taskevent.TagTaskFinish, last.Tag)
	assert.Equal(t, "failed", last.TaskFinish.Status)
	assert.True(t, fr.stopped, "caller cancellation must stop the one-off container")
}

func TestCtxChanSink_DropsInsteadOfBlockingOnceCtxDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := CtxChanSink{Ctx: ctx, Ch: make(chan taskevent.Event)} // unbuffered, nobody reading

	done := make(chan struct{})
	go func() {
		sink.Emit(taskevent.NewTaskFinish("completed", "", 0))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked forever instead of dropping once Ctx was done")
	}
}

func TestStream_ExactlyOneTaskFinish(t *testing.T) {
	fr := &fakeRuntime{
		lines: []runtime.Line{
			{Text: `{"event":"task_finish","status":"completed"}`},
		},
		exitDelay: 2 * time.Millisecond,
	}
	sink := &collectingSink{}
	Stream(context.Background(), fr, "c1", time.Second, sink, logrus.NewEntry(logrus.New()))

	count := 0
	for _, e := range sink.snapshot() {
		if e.Tag == taskevent.TagTaskFinish {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
