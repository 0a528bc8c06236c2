// Package session implements Session, SessionRegistry, and TimeoutReaper
// (spec.md §4.6, §4.7): long-lived worker containers keeping a model
// resident across requests, dispatched through a bounded per-session FIFO
// queue, and reaped on a dual idle/max-lifetime timeout. Grounded on the
// teacher's container table (agent/internal/containers/manager.go) for the
// registry shape and its transition()/summary() pattern
// (agent/internal/container/container.go) for the state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arkforge/gputaskd/internal/catalog"
	"github.com/arkforge/gputaskd/internal/gpu"
	"github.com/arkforge/gputaskd/internal/runtime"
	"github.com/arkforge/gputaskd/internal/streamer"
	"github.com/arkforge/gputaskd/internal/taskevent"
	"github.com/arkforge/gputaskd/internal/waitgroupx"
)

// State is a Session's lifecycle state (spec.md §4.6 state machine).
type State string

// The closed set of Session states.
const (
	StateInitializing State = "INITIALIZING"
	StateWaiting      State = "WAITING"
	StateWorking      State = "WORKING"
	StateKilled       State = "KILLED"
)

// Sentinel errors per spec.md §4.6 / §7.
var (
	ErrSessionNotFound     = errors.New("session: not found")
	ErrInvalidSessionState = errors.New("session: invalid state for this operation")
	ErrQueueFull           = errors.New("session: queue full")
	ErrIllegalTransition   = errors.New("session: illegal state transition")
)

// Request is one enqueued unit of work dispatched against a session's
// resident container. Ctx is the originating caller's request context,
// independent of the dispatcher's own lifetime context: per spec.md §5, a
// request still sitting in the queue when Ctx is canceled is dropped
// without being dispatched, while one already dispatched is left to run to
// completion with its events silently dropped instead of delivered.
type Request struct {
	Argv    []string
	Sink    streamer.Sink
	Timeout time.Duration
	Ctx     context.Context
}

// Session is a long-lived worker container plus its bounded FIFO queue
// and lifecycle bookkeeping.
type Session struct {
	ID          string
	GpuID       string
	ModelID     string
	ContainerID string
	CreatedAt   time.Time
	IdleTimeout time.Duration
	MaxLifetime time.Duration

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	queue        chan Request
	cancel       context.CancelFunc
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the monotonic-non-decreasing last-activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) bumpActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// transition enforces the state machine edges drawn in spec.md §4.6.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateKilled {
		return fmt.Errorf("%w: session already killed", ErrIllegalTransition)
	}
	switch {
	case s.state == StateInitializing && to == StateWaiting:
	case s.state == StateWaiting && to == StateWorking:
	case s.state == StateWorking && to == StateWaiting:
	case to == StateKilled:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, to)
	}
	s.state = to
	return nil
}

// Summary is the read-only view of a Session exposed over HTTP.
type Summary struct {
	ID           string    `json:"id"`
	GpuID        string    `json:"gpu_id"`
	ModelID      string    `json:"model_id"`
	ContainerID  string    `json:"container_id"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Summary returns a point-in-time snapshot of the session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID: s.ID, GpuID: s.GpuID, ModelID: s.ModelID, ContainerID: s.ContainerID,
		State: s.state, CreatedAt: s.CreatedAt, LastActivity: s.lastActivity,
	}
}

// Registry maintains session_id -> Session and the collaborators needed
// to create, dispatch, and tear down sessions (spec.md §4.6).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	allocator   *gpu.Allocator
	rt          runtime.Runtime
	queueSize   int
	idleTimeout time.Duration
	maxLifetime time.Duration
	log         *logrus.Entry

	dispatchers waitgroupx.Group

	// killed remembers the ids of sessions already killed and removed, so
	// a repeated Kill of the same id is a no-op rather than not-found.
	killed sync.Map
}

// NewRegistry builds an empty Registry. idleTimeout and maxLifetime feed
// the Sessions it creates and, in turn, the TimeoutReaper.
func NewRegistry(allocator *gpu.Allocator, rt runtime.Runtime, queueSize int, idleTimeout, maxLifetime time.Duration, log *logrus.Entry) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		allocator:   allocator,
		rt:          rt,
		queueSize:   queueSize,
		idleTimeout: idleTimeout,
		maxLifetime: maxLifetime,
		log:         log,
		dispatchers: waitgroupx.WithContext(context.Background()),
	}
}

// Close cancels every dispatcher goroutine and waits for them to exit.
func (r *Registry) Close() {
	r.dispatchers.Close()
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every currently registered session.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// FindOrCreate implements spec.md §4.6's find_or_create.
func (r *Registry) FindOrCreate(ctx context.Context, resolved catalog.ResolvedTask) (*Session, bool, error) {
	if resolved.SessionID != "" {
		s, ok := r.Get(resolved.SessionID)
		if !ok {
			return nil, false, fmt.Errorf("%w: %s", ErrSessionNotFound, resolved.SessionID)
		}
		if st := s.State(); st == StateKilled || st == StateInitializing {
			return nil, false, fmt.Errorf("%w: session %s is %s", ErrInvalidSessionState, resolved.SessionID, st)
		}
		return s, true, nil
	}

	if resolved.CreateSession {
		if s := r.findWaitingByModel(resolved.ModelID); s != nil {
			return s, true, nil
		}
	}

	s, err := r.createSession(ctx, resolved)
	if err != nil {
		return nil, false, err
	}
	return s, false, nil
}

func (r *Registry) findWaitingByModel(modelID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.ModelID == modelID && s.State() == StateWaiting {
			return s
		}
	}
	return nil
}

func (r *Registry) createSession(ctx context.Context, resolved catalog.ResolvedTask) (*Session, error) {
	gpuID, err := r.allocator.Lease(resolved.Difficulty)
	if err != nil {
		return nil, err
	}
	release := func() { r.allocator.Release(gpuID) }

	containerID, err := r.rt.CreateLongLived(ctx, runtime.Spec{
		Image:     resolved.DockerImage,
		Argv:      resolved.Command,
		Env:       resolved.EnvVars,
		ModelPath: resolved.ModelHostPath,
		GpuID:     gpuID,
		LongLived: true,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("session: creating container: %w", err)
	}
	if err := r.rt.Start(ctx, containerID); err != nil {
		release()
		return nil, fmt.Errorf("session: starting container: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		GpuID:        gpuID,
		ModelID:      resolved.ModelID,
		ContainerID:  containerID,
		CreatedAt:    now,
		IdleTimeout:  r.idleTimeout,
		MaxLifetime:  r.maxLifetime,
		state:        StateInitializing,
		lastActivity: now,
		queue:        make(chan Request, r.queueSize),
	}
	if err := s.transition(StateWaiting); err != nil {
		release()
		return nil, err
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.dispatchers.Go(func(dispatchCtx context.Context) {
		r.runDispatcher(dispatchCtx, s)
	})

	return s, nil
}

// Enqueue implements spec.md §4.6's enqueue: bounded queue, QueueFull on
// overflow, bumps last_activity only on success.
func (r *Registry) Enqueue(s *Session, req Request) error {
	if cap(s.queue) == 0 {
		return ErrQueueFull
	}
	select {
	case s.queue <- req:
		s.bumpActivity()
		return nil
	default:
		return ErrQueueFull
	}
}

// Keepalive bumps last_activity without enqueuing a request.
func (r *Registry) Keepalive(s *Session) {
	s.bumpActivity()
}

// Kill implements spec.md §4.6's kill: transitions to KILLED, stops and
// removes the container, releases the GPU, drains the queue with a
// failed TaskFinish. Idempotent.
func (r *Registry) Kill(ctx context.Context, id string, reason string) error {
	s, ok := r.Get(id)
	if !ok {
		if _, dead := r.killed.Load(id); dead {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return r.kill(ctx, s, reason)
}

func (r *Registry) kill(ctx context.Context, s *Session, reason string) error {
	if err := s.transition(StateKilled); err != nil {
		// Already killed: idempotent no-op per spec.md §8.
		return nil
	}

	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.killed.Store(s.ID, struct{}{})
	r.mu.Unlock()

	if err := r.rt.Stop(ctx, s.ContainerID, 5*time.Second); err != nil {
		r.log.WithError(err).WithField("session_id", s.ID).Warn("failed to stop container during kill")
	}
	if err := r.rt.Remove(ctx, s.ContainerID); err != nil {
		r.log.WithError(err).WithField("session_id", s.ID).Warn("failed to remove container during kill")
	}
	r.allocator.Release(s.GpuID)

	drainQueue(s.queue, reason)
	return nil
}

func drainQueue(queue chan Request, reason string) {
	for {
		select {
		case req := <-queue:
			req.Sink.Emit(taskevent.NewTaskFinish("failed", reason, 0))
		default:
			return
		}
	}
}

// runDispatcher is the single logical worker per session described in
// spec.md §4.6: waits for the next queued request, transitions
// WAITING -> WORKING, executes it via exec against the resident container,
// transitions back to WAITING, bumps last_activity. Strictly FIFO.
func (r *Registry) runDispatcher(ctx context.Context, s *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-s.queue:
			if !ok {
				return
			}
			r.dispatchOne(ctx, s, req)
		}
	}
}

func (r *Registry) dispatchOne(ctx context.Context, s *Session, req Request) {
	if req.Ctx != nil {
		select {
		case <-req.Ctx.Done():
			// Caller disconnected while this request was still queued:
			// spec.md §5 says to drop it without dispatching, leaving the
			// session's state untouched.
			return
		default:
		}
	}

	if err := s.transition(StateWorking); err != nil {
		req.Sink.Emit(taskevent.NewTaskFinish("failed", err.Error(), 0))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	reader, err := r.rt.Exec(reqCtx, s.ContainerID, req.Argv)
	if err != nil {
		req.Sink.Emit(taskevent.NewTaskFinish("failed", err.Error(), 0))
		r.finishDispatch(s, containerLevelFailure)
		return
	}
	defer reader.Close()

	outcome := execAndStream(reqCtx, reader, req.Sink)
	r.finishDispatch(s, outcome)
}

type dispatchOutcome int

const (
	taskLevelFailure dispatchOutcome = iota
	containerLevelFailure
	taskSucceeded
)

// finishDispatch applies Open Question decision #3 from spec.md §9: a
// task-level failure returns the session to WAITING, a container-level
// failure kills it.
func (r *Registry) finishDispatch(s *Session, outcome dispatchOutcome) {
	s.bumpActivity()
	if outcome == containerLevelFailure {
		_ = r.kill(context.Background(), s, "container-level failure")
		return
	}
	_ = s.transition(StateWaiting)
}

// execAndStream reads framed lines off reader (the attached exec stream)
// with the same frame parsing InstanceStreamer applies to a container's log
// stream, forwarding parsed Events until a TaskFinish tag or EOF. Unlike
// InstanceStreamer it emits no Worker{created} prologue and reports every
// unparseable line as an info-level Logs event.
func execAndStream(ctx context.Context, reader interface{ Read([]byte) (int, error) }, sink streamer.Sink) dispatchOutcome {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := indexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := buf[:idx]
				buf = buf[idx+1:]
				ev, ok := taskevent.ParseLine(line)
				if !ok {
					ev = taskevent.NewLogs("info", string(line))
				}
				sink.Emit(ev)
				if ev.Tag == taskevent.TagTaskFinish {
					return taskSucceeded
				}
			}
		}
		if err != nil {
			sink.Emit(taskevent.NewTaskFinish("failed", "exited without finish", 0))
			return taskLevelFailure
		}
		select {
		case <-ctx.Done():
			sink.Emit(taskevent.NewTaskFinish("timeout", "", 0))
			return taskLevelFailure
		default:
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
