// Package runtime is a thin, error-normalizing facade over the Docker
// Engine API. It is the only package that imports the Docker SDK
// directly; every other package depends on the Client interface.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// State is the observed lifecycle state of a container.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateMissing State = "missing"
)

// ExecResult is the raw outcome of one ContainerExec call, before the
// Execution Engine applies truncation or reusability decisions.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	TimedOut bool
}

// Client is the Runtime Client Facade: every operation the rest of the
// service needs from the container runtime, normalized to a small set
// of error Kinds.
type Client interface {
	Ping(ctx context.Context) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	ImagePull(ctx context.Context, ref string, timeout time.Duration) error
	ContainerCreate(ctx context.Context, spec ContainerSpec) (string, error)
	ContainerStart(ctx context.Context, id string) error
	ContainerExec(ctx context.Context, id string, argv []string, stdin []byte, timeout time.Duration) (ExecResult, error)
	SignalProcess(ctx context.Context, id string, matchPattern string, signal string) error
	ContainerStop(ctx context.Context, id string, grace time.Duration) error
	ContainerRemove(ctx context.Context, id string, force bool) error
	ContainerInspectState(ctx context.Context, id string) (State, error)
	Close() error
}

type Facade struct {
	docker *client.Client
}

// dockerDesktopSocketFallbacks mirrors the original service's resilience
// on developer machines where DOCKER_HOST is unset and the daemon isn't
// reachable at the plain Unix default.
var dockerDesktopSocketFallbacks = []string{
	"unix:///var/run/docker.sock",
	"unix://${HOME}/.docker/run/docker.sock",
	"unix://${HOME}/.rd/docker.sock", // Rancher Desktop
}

func New() (*Facade, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	f := &Facade{docker: cli}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, pingErr := cli.Ping(ctx); pingErr == nil {
		return f, nil
	}

	for _, base := range dockerDesktopSocketFallbacks {
		base = os.ExpandEnv(base)
		alt, err := client.NewClientWithOpts(client.WithHost(base), client.WithAPIVersionNegotiation())
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, pingErr := alt.Ping(ctx)
		cancel()
		if pingErr == nil {
			return &Facade{docker: alt}, nil
		}
	}

	return f, nil // defer final connectivity check to an explicit Ping() call
}

func (f *Facade) Close() error {
	return f.docker.Close()
}

func (f *Facade) Ping(ctx context.Context) error {
	_, err := f.docker.Ping(ctx)
	if err != nil {
		return newError("ping", KindTransient, err)
	}
	return nil
}

func (f *Facade) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := f.docker.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, newError("image_exists", classify(err), err)
}

func (f *Facade) ImagePull(ctx context.Context, ref string, timeout time.Duration) error {
	pullCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reader, err := f.docker.ImagePull(pullCtx, ref, image.PullOptions{})
	if err != nil {
		return newError("image_pull", classify(err), err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return newError("image_pull", classify(err), err)
	}
	return nil
}

func (f *Facade) ContainerCreate(ctx context.Context, spec ContainerSpec) (string, error) {
	memBytes, err := memoryLimitBytes(spec.MemoryLimit)
	if err != nil {
		return "", newError("container_create", KindInvalidRef, fmt.Errorf("invalid memory limit %q: %w", spec.MemoryLimit, err))
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: nanoCPUs(spec.CPULimit),
			Memory:   memBytes,
		},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 100 * 1024 * 1024,
				},
			},
		},
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Labels:     spec.Labels,
		Tty:        false,
		Entrypoint: []string{"sleep", "infinity"},
		Cmd:        nil,
	}

	resp, err := f.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", newError("container_create", classify(err), err)
	}
	return resp.ID, nil
}

func (f *Facade) ContainerStart(ctx context.Context, id string) error {
	if err := f.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return newError("container_start", classify(err), err)
	}
	return nil
}

func (f *Facade) ContainerExec(ctx context.Context, id string, argv []string, stdin []byte, timeout time.Duration) (ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          argv,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := f.docker.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return ExecResult{}, newError("container_exec", classify(err), err)
	}

	attachResp, err := f.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, newError("container_exec", classify(err), err)
	}

	if stdin != nil {
		go func() {
			attachResp.Conn.Write(stdin)
			attachResp.CloseWrite()
		}()
	} else {
		attachResp.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
		copyDone <- copyErr
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-copyDone:
		attachResp.Close()
	case <-timer.C:
		attachResp.Close()
		<-copyDone
		return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1, TimedOut: true}, nil
	case <-ctx.Done():
		attachResp.Close()
		<-copyDone
		return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1, TimedOut: true}, ctx.Err()
	}

	inspect, err := f.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, newError("container_exec", classify(err), err)
	}

	return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: inspect.ExitCode}, nil
}

// SignalProcess sends a signal to every process inside the container
// whose command line matches matchPattern, by running `pkill` in a
// fresh exec attached to the same container. A new exec joins the
// target container's own PID namespace, so it sees (and can signal)
// sibling processes started by an earlier exec on that container.
func (f *Facade) SignalProcess(ctx context.Context, id string, matchPattern string, signal string) error {
	argv := []string{"sh", "-c", fmt.Sprintf("pkill -%s -f %s 2>/dev/null; true", signal, shellSingleQuote(matchPattern))}
	_, err := f.ContainerExec(ctx, id, argv, nil, 5*time.Second)
	return err
}

func (f *Facade) ContainerStop(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := f.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return newError("container_stop", classify(err), err)
	}
	return nil
}

func (f *Facade) ContainerRemove(ctx context.Context, id string, force bool) error {
	err := f.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return newError("container_remove", classify(err), err)
	}
	return nil
}

func (f *Facade) ContainerInspectState(ctx context.Context, id string) (State, error) {
	info, err := f.docker.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateMissing, nil
		}
		return StateMissing, newError("container_inspect", classify(err), err)
	}
	if info.State != nil && info.State.Running {
		return StateRunning, nil
	}
	return StateExited, nil
}

// classify maps an SDK error into the small Kind vocabulary the rest of
// the service reasons about.
func classify(err error) Kind {
	switch {
	case errdefs.IsNotFound(err):
		return KindNotFound
	case errdefs.IsUnauthorized(err), errdefs.IsForbidden(err):
		return KindAuth
	case errdefs.IsUnavailable(err), errdefs.IsDeadline(err), errdefs.IsCancelled(err):
		return KindTransient
	default:
		return KindAPI
	}
}

func shellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
