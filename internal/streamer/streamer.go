// Package streamer implements InstanceStreamer (spec.md §4.5): given a
// container's raw log lines, a deadline, and a sink, it produces the
// Event sequence a caller observes, enforcing the "exactly one
// TaskFinish" guarantee and the deadline. Grounded on the teacher's
// container.wait() select loop (waiter/errs/signals/ctx.Done, single-exit
// finalize), here selecting over decoded lines / a deadline timer /
// container exit instead.
package streamer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arkforge/gputaskd/internal/runtime"
	"github.com/arkforge/gputaskd/internal/taskevent"
)

// Sink receives the Event sequence produced by a stream. Implementations
// must not block indefinitely; the InstanceStreamer does not retry a
// blocked sink.
type Sink interface {
	Emit(taskevent.Event)
}

// FuncSink adapts a function to Sink.
type FuncSink func(taskevent.Event)

// Emit implements Sink.
func (f FuncSink) Emit(e taskevent.Event) { f(e) }

// ChanSink adapts a channel to Sink.
type ChanSink chan taskevent.Event

// Emit implements Sink.
func (c ChanSink) Emit(e taskevent.Event) { c <- e }

// CtxChanSink adapts a channel to Sink the same way ChanSink does, except
// Emit drops the event instead of blocking forever once Ctx is done —
// used for session dispatch per spec.md §5, where a caller that
// disconnects mid-dispatch leaves nothing reading the channel.
type CtxChanSink struct {
	Ctx context.Context
	Ch  chan taskevent.Event
}

// Emit implements Sink.
func (c CtxChanSink) Emit(e taskevent.Event) {
	select {
	case c.Ch <- e:
	case <-c.Ctx.Done():
	}
}

// Stream runs InstanceStreamer's responsibilities (spec.md §4.5) against
// an already-started container: emit Worker{created}, forward parsed log
// lines as Events, enforce deadline, guarantee exactly one TaskFinish.
func Stream(
	ctx context.Context,
	rt runtime.Runtime,
	containerID string,
	deadline time.Duration,
	sink Sink,
	log *logrus.Entry,
) {
	start := time.Now()
	sink.Emit(taskevent.NewWorker(taskevent.Worker{Status: "created", ContainerID: containerID}))

	lines, err := rt.StreamLogs(ctx, containerID)
	if err != nil {
		sink.Emit(taskevent.NewTaskFinish("failed", err.Error(), time.Since(start)))
		return
	}

	exitCh := rt.Wait(ctx, containerID)
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	finished := false
	for !finished {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			ev, parsed := taskevent.ParseLine([]byte(line.Text))
			if !parsed {
				level := "info"
				if line.Stderr {
					level = "warning"
				}
				ev = taskevent.NewLogs(level, line.Text)
			}
			sink.Emit(ev)
			if ev.Tag == taskevent.TagTaskFinish {
				finished = true
			}

		case res := <-exitCh:
			if finished {
				continue
			}
			if res.Err != nil {
				log.WithError(res.Err).Warn("container wait failed")
			}
			sink.Emit(taskevent.NewTaskFinish("failed", "exited without finish", time.Since(start)))
			finished = true

		case <-timer.C:
			sink.Emit(taskevent.NewTaskFinish("timeout", "", time.Since(start)))
			if stopErr := rt.Stop(context.Background(), containerID, 5*time.Second); stopErr != nil {
				log.WithError(stopErr).Warn("failed to stop container after deadline")
			}
			finished = true

		case <-ctx.Done():
			if stopErr := rt.Stop(context.Background(), containerID, 5*time.Second); stopErr != nil {
				log.WithError(stopErr).Warn("failed to stop container after caller cancellation")
			}
			sink.Emit(taskevent.NewTaskFinish("failed", ctx.Err().Error(), time.Since(start)))
			finished = true
		}
	}
}
