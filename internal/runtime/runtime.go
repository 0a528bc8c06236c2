// Package runtime implements the ContainerRuntime adapter contract
// (spec.md §4.4) against the real Docker Engine API, wrapping
// github.com/docker/docker/client the way the teacher's pkg/docker wraps
// it, and bridging its blocking log stream to a line channel the way the
// teacher's legacy demultiplexer/trackLogs pair does.
package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/docker/docker/api/types"
	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

// ModelMountPath is where the model directory is always bound read-only,
// per spec.md §4.4.
const ModelMountPath = "/models"

// ContainerLabel tags every container this service launches, so
// ListRunning can distinguish them from unrelated containers on the host.
const ContainerLabel = "gputaskd.container"

// LabelValue is the label value paired with ContainerLabel.
const LabelValue = "worker"

// Spec describes a container to be launched.
type Spec struct {
	Image     string
	Argv      []string
	Env       map[string]string
	ModelPath string // host directory, empty if the task has no model
	GpuID     string
	LongLived bool
}

// ExitResult is the outcome of a container's exit, delivered on the
// channel returned by Wait.
type ExitResult struct {
	ExitCode int64
	Err      error
}

// Runtime is the capability ContainerRuntime describes in spec.md §4.4:
// create/exec/logs/stop/remove, plus Start, Wait, and ListRunning.
type Runtime interface {
	CreateOneoff(ctx context.Context, spec Spec) (string, error)
	CreateLongLived(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, containerID string) error
	Exec(ctx context.Context, containerID string, argv []string) (io.ReadCloser, error)
	StreamLogs(ctx context.Context, containerID string) (<-chan Line, error)
	Wait(ctx context.Context, containerID string) <-chan ExitResult
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	ListRunning(ctx context.Context) ([]string, error)
}

// Line is one demultiplexed line read from a container's combined
// stdout/stderr log stream.
type Line struct {
	Text   string
	Stderr bool
}

// dockerRuntime is the production Runtime, backed by the real Docker
// daemon.
type dockerRuntime struct {
	cl            *client.Client
	log           *logrus.Entry
	allowedImages map[string]bool
}

// New builds a Runtime from an already-configured Docker SDK client.
// allowedImages, if non-empty, restricts which images CreateOneoff and
// CreateLongLived may launch (ALLOWED_DOCKER_IMAGES).
func New(cl *client.Client, allowedImages []string, log *logrus.Entry) Runtime {
	allowed := make(map[string]bool, len(allowedImages))
	for _, img := range allowedImages {
		allowed[img] = true
	}
	return &dockerRuntime{cl: cl, log: log, allowedImages: allowed}
}

func (d *dockerRuntime) checkImageAllowed(image string) error {
	if len(d.allowedImages) == 0 {
		return nil
	}
	if !d.allowedImages[image] {
		return fmt.Errorf("runtime: image %q is not in ALLOWED_DOCKER_IMAGES", image)
	}
	return nil
}

func (d *dockerRuntime) buildContainerConfig(spec Spec) (*dcontainer.Config, *dcontainer.HostConfig) {
	env := make([]string, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	if spec.ModelPath != "" {
		env = append(env, "MODEL_PATH="+ModelMountPath)
	}

	cfg := &dcontainer.Config{
		Image: spec.Image,
		Cmd:   spec.Argv,
		Env:   env,
		Labels: map[string]string{
			ContainerLabel: LabelValue,
		},
	}

	var mounts []mount.Mount
	if spec.ModelPath != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   spec.ModelPath,
			Target:   ModelMountPath,
			ReadOnly: true,
		})
	}

	hostCfg := &dcontainer.HostConfig{
		Mounts:     mounts,
		AutoRemove: false,
		Resources: dcontainer.Resources{
			DeviceRequests: []dcontainer.DeviceRequest{
				{
					DeviceIDs:    []string{spec.GpuID},
					Capabilities: [][]string{{"gpu"}},
				},
			},
		},
	}
	return cfg, hostCfg
}

// CreateOneoff implements create_oneoff(...) -> container_id; the
// container is configured to auto-remove on exit.
func (d *dockerRuntime) CreateOneoff(ctx context.Context, spec Spec) (string, error) {
	if err := d.checkImageAllowed(spec.Image); err != nil {
		return "", err
	}
	cfg, hostCfg := d.buildContainerConfig(spec)
	hostCfg.AutoRemove = true

	resp, err := d.cl.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("runtime: creating one-off container: %w", err)
	}
	for _, w := range resp.Warnings {
		d.log.WithField("container_id", resp.ID).Warn("docker warning: " + w)
	}
	return resp.ID, nil
}

// CreateLongLived implements create_long_lived(...) -> container_id; the
// container is left in place after exit for inspection/removal by the
// session registry.
func (d *dockerRuntime) CreateLongLived(ctx context.Context, spec Spec) (string, error) {
	if err := d.checkImageAllowed(spec.Image); err != nil {
		return "", err
	}
	cfg, hostCfg := d.buildContainerConfig(spec)

	resp, err := d.cl.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("runtime: creating session container: %w", err)
	}
	for _, w := range resp.Warnings {
		d.log.WithField("container_id", resp.ID).Warn("docker warning: " + w)
	}
	return resp.ID, nil
}

// Start starts a created container.
func (d *dockerRuntime) Start(ctx context.Context, containerID string) error {
	if err := d.cl.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("runtime: starting container %s: %w", containerID, err)
	}
	return nil
}

// Exec implements exec(container_id, argv) -> stdout_stream against an
// already-running container, used by a session's dispatcher to run a
// per-request command inside the resident worker.
func (d *dockerRuntime) Exec(ctx context.Context, containerID string, argv []string) (io.ReadCloser, error) {
	created, err := d.cl.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: exec create on %s: %w", containerID, err)
	}
	attached, err := d.cl.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("runtime: exec attach on %s: %w", containerID, err)
	}
	return &execStream{Reader: attached.Reader, conn: attached.Conn}, nil
}

// execStream adapts a HijackedResponse's buffered reader and raw connection
// into an io.ReadCloser: Read comes from the already-buffered data, Close
// tears down the underlying connection.
type execStream struct {
	*bufio.Reader
	conn net.Conn
}

func (e *execStream) Close() error { return e.conn.Close() }

// StreamLogs implements stream_logs(container_id, follow=true) -> lazy
// sequence of raw lines. ContainerLogs is synchronous/blocking; per
// spec.md §5 it is consumed from a dedicated goroutine and each line
// handed to the caller over a channel so the scheduler never blocks on it.
// This mirrors the teacher's legacy demultiplexer/trackLogs pair, with the
// channel standing in for the actor mailbox Tell used there.
func (d *dockerRuntime) StreamLogs(ctx context.Context, containerID string) (<-chan Line, error) {
	logs, err := d.cl.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "all",
		Details:    false,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: opening log stream for %s: %w", containerID, err)
	}

	out := make(chan Line, 64)
	go func() {
		defer close(out)
		defer logs.Close()

		stdoutR, stdoutW := io.Pipe()
		stderrR, stderrW := io.Pipe()

		go func() {
			_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, logs)
			stdoutW.CloseWithError(copyErr)
			stderrW.CloseWithError(copyErr)
		}()

		done := make(chan struct{})
		go scanInto(stdoutR, out, false, done)
		go scanInto(stderrR, out, true, done)
		<-done
		<-done
	}()
	return out, nil
}

func scanInto(r io.Reader, out chan<- Line, stderr bool, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- Line{Text: scanner.Text(), Stderr: stderr}
	}
}

// Wait blocks, off the caller's goroutine, on the container's termination
// and delivers exactly one ExitResult.
func (d *dockerRuntime) Wait(ctx context.Context, containerID string) <-chan ExitResult {
	out := make(chan ExitResult, 1)
	waiter, errs := d.cl.ContainerWait(ctx, containerID, dcontainer.WaitConditionNextExit)
	go func() {
		select {
		case body := <-waiter:
			out <- ExitResult{ExitCode: body.StatusCode}
		case err := <-errs:
			out <- ExitResult{Err: err}
		case <-ctx.Done():
			out <- ExitResult{Err: ctx.Err()}
		}
		close(out)
	}()
	return out
}

// Stop stops a container, giving it timeout to exit gracefully.
func (d *dockerRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cl.ContainerStop(ctx, containerID, dcontainer.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("runtime: stopping container %s: %w", containerID, err)
	}
	return nil
}

// Remove removes a container, forcing if still running.
func (d *dockerRuntime) Remove(ctx context.Context, containerID string) error {
	if err := d.cl.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("runtime: removing container %s: %w", containerID, err)
	}
	return nil
}

// ListRunning lists the IDs of running containers this service launched,
// identified by ContainerLabel.
func (d *dockerRuntime) ListRunning(ctx context.Context) ([]string, error) {
	fs := filters.NewArgs(filters.Arg("label", ContainerLabel+"="+LabelValue))
	containers, err := d.cl.ContainerList(ctx, types.ContainerListOptions{All: false, Filters: fs})
	if err != nil {
		return nil, fmt.Errorf("runtime: listing running containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}
