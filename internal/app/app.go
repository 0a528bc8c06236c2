// Package app is the capability root (spec.md §9 "Global singletons ->
// injected capabilities"): it owns one of each subsystem and implements
// TaskRequestHandler (spec.md §4.8), the pure orchestration pipeline that
// ties them together per request. Structurally mirrors
// master/internal/core.go's Master struct holding one of each subsystem
// and wiring them in Initialize.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arkforge/gputaskd/internal/catalog"
	"github.com/arkforge/gputaskd/internal/gpu"
	"github.com/arkforge/gputaskd/internal/modelcache"
	"github.com/arkforge/gputaskd/internal/runtime"
	"github.com/arkforge/gputaskd/internal/session"
	"github.com/arkforge/gputaskd/internal/streamer"
	"github.com/arkforge/gputaskd/internal/taskevent"
)

// TaskRequest is the decoded body of POST /api/tasks/predefined
// (spec.md §6).
type TaskRequest struct {
	TaskName       string
	TaskDifficulty string
	TimeoutSeconds int
	Metadata       map[string]string
	SessionID      string
	CreateSession  bool
}

func (r TaskRequest) toOverrides() catalog.Overrides {
	return catalog.Overrides{
		Difficulty:     r.TaskDifficulty,
		TimeoutSeconds: r.TimeoutSeconds,
		Metadata:       r.Metadata,
		SessionID:      r.SessionID,
		CreateSession:  r.CreateSession,
	}
}

// PreparedTask is the outcome of the synchronous, pre-stream-open phase
// of the pipeline: every resource (GPU lease, session slot) that must
// fail fast with an HTTP status has already been acquired.
type PreparedTask struct {
	resolved catalog.ResolvedTask
	oneoff   *oneoffPrep
	sess     *sessionPrep
}

type oneoffPrep struct {
	gpuID string
}

type sessionPrep struct {
	session *session.Session
	reused  bool
	events  chan taskevent.Event
}

// App wires ConfigCatalog, GpuAllocator, ModelCache, ContainerRuntime, and
// SessionRegistry/TimeoutReaper into the TaskRequestHandler pipeline.
type App struct {
	Catalog   *catalog.Catalog
	Allocator *gpu.Allocator
	Cache     *modelcache.Cache
	Runtime   runtime.Runtime
	Registry  *session.Registry
	Reaper    *session.Reaper

	log *logrus.Entry
}

// New builds an App from its already-constructed collaborators.
func New(cat *catalog.Catalog, alloc *gpu.Allocator, cache *modelcache.Cache, rt runtime.Runtime, registry *session.Registry, reaper *session.Reaper, log *logrus.Entry) *App {
	return &App{Catalog: cat, Allocator: alloc, Cache: cache, Runtime: rt, Registry: registry, Reaper: reaper, log: log}
}

// Sessions exposes the SessionRegistry to the HTTP layer.
func (a *App) Sessions() *session.Registry { return a.Registry }

// GpuAllocator exposes the GpuAllocator to the HTTP layer.
func (a *App) GpuAllocator() *gpu.Allocator { return a.Allocator }

// CatalogTaskNames exposes known task names for GET /api/catalog/tasks.
func (a *App) CatalogTaskNames() ([]string, error) { return a.Catalog.TaskNames() }

// PrepareTask implements the part of spec.md §4.8's pipeline that must
// complete, and may fail with an HTTP status, before the event stream
// opens: catalog resolution, model materialization, and resource
// acquisition (GPU lease for a one-off, find-or-create + enqueue for a
// session).
func (a *App) PrepareTask(ctx context.Context, req TaskRequest) (*PreparedTask, error) {
	resolved, err := a.Catalog.Resolve(req.TaskName, req.toOverrides())
	if err != nil {
		return nil, err
	}

	if resolved.ModelID != "" {
		modelPath, err := a.Cache.Ensure(ctx, resolved.ModelID)
		if err != nil {
			return nil, err
		}
		resolved.ModelHostPath = modelPath
	}

	switch resolved.TaskType {
	case "oneoff":
		gpuID, err := a.Allocator.Lease(resolved.Difficulty)
		if err != nil {
			return nil, err
		}
		return &PreparedTask{resolved: resolved, oneoff: &oneoffPrep{gpuID: gpuID}}, nil

	case "session":
		sess, reused, err := a.Registry.FindOrCreate(ctx, resolved)
		if err != nil {
			return nil, err
		}
		events := make(chan taskevent.Event, 8)
		if err := a.Registry.Enqueue(sess, session.Request{
			Argv:    resolved.Command,
			Sink:    streamer.CtxChanSink{Ctx: ctx, Ch: events},
			Timeout: time.Duration(resolved.TimeoutSeconds) * time.Second,
			Ctx:     ctx,
		}); err != nil {
			return nil, err
		}
		return &PreparedTask{resolved: resolved, sess: &sessionPrep{session: sess, reused: reused, events: events}}, nil

	default:
		return nil, fmt.Errorf("app: unknown task_type %q", resolved.TaskType)
	}
}

// ExecuteTask implements the rest of spec.md §4.8: once the stream is
// open, drive the acquired resource to completion, forwarding every
// Event to sink and guaranteeing the stream ends in exactly one
// TaskFinish. Errors here never map to a new HTTP status; they become
// in-band Connection/TaskFinish events per spec.md §7's propagation
// policy.
func (a *App) ExecuteTask(ctx context.Context, prepared *PreparedTask, sink func(taskevent.Event)) {
	switch {
	case prepared.oneoff != nil:
		a.executeOneoff(ctx, prepared, sink)
	case prepared.sess != nil:
		a.executeSession(ctx, prepared, sink)
	}
}

func (a *App) executeOneoff(ctx context.Context, prepared *PreparedTask, sink func(taskevent.Event)) {
	gpuID := prepared.oneoff.gpuID
	defer a.Allocator.Release(gpuID)

	sink(taskevent.NewConnection(taskevent.Connection{Status: "allocated", GpuID: gpuID}))

	containerID, err := a.Runtime.CreateOneoff(ctx, runtime.Spec{
		Image:     prepared.resolved.DockerImage,
		Argv:      prepared.resolved.Command,
		Env:       prepared.resolved.EnvVars,
		ModelPath: prepared.resolved.ModelHostPath,
		GpuID:     gpuID,
	})
	if err != nil {
		sink(taskevent.NewTaskFinish("failed", err.Error(), 0))
		return
	}
	if err := a.Runtime.Start(ctx, containerID); err != nil {
		sink(taskevent.NewTaskFinish("failed", err.Error(), 0))
		return
	}

	deadline := time.Duration(prepared.resolved.TimeoutSeconds) * time.Second
	streamer.Stream(ctx, a.Runtime, containerID, deadline, streamer.FuncSink(sink), a.log)
}

// executeSession forwards the dispatcher's events to sink until a
// TaskFinish arrives or ctx is canceled. Per spec.md §5, a caller
// disconnect here does not kill the session: the dispatcher keeps running
// the in-flight request to completion, but its events are dropped (see
// streamer.CtxChanSink) since nothing would read them once we return.
func (a *App) executeSession(ctx context.Context, prepared *PreparedTask, sink func(taskevent.Event)) {
	sp := prepared.sess
	status := "allocated"
	if sp.reused {
		status = "session_found"
	}
	sink(taskevent.NewConnection(taskevent.Connection{Status: status, GpuID: sp.session.GpuID, SessionID: sp.session.ID}))

	for {
		select {
		case ev, ok := <-sp.events:
			if !ok {
				return
			}
			sink(ev)
			if ev.Tag == taskevent.TagTaskFinish {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
