package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/clowdy-run/clowdy/pkg/types"
)

const (
	// Namespace is the containerd namespace Clowdy uses for every container
	// it creates, isolating them from any other tenant of the same daemon.
	Namespace = "clowdy"

	// DefaultSocketPath is the well-known system containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// TimeoutExitCode is the sentinel exit code StartAndWait returns when a
// container is killed after exceeding its deadline (spec §4.1 item 4).
const TimeoutExitCode = -1

// Host wraps a containerd client with the minimal capability set the
// execution plane needs: create/start/wait/stop/remove, image build, and
// archive injection. All operations block; callers dispatch them onto their
// own goroutines to keep the HTTP server responsive (spec §5).
type Host struct {
	client    *containerd.Client
	namespace string

	mu  sync.Mutex
	io  map[string]*capturedIO
}

type capturedIO struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// ResolveSocketPath implements the discovery precedence from spec §4.1 (C1):
// an explicit override, then the well-known system socket, then the
// per-user rootless socket.
func ResolveSocketPath(override string) string {
	if override != "" {
		return override
	}
	if _, err := os.Stat(DefaultSocketPath); err == nil {
		return DefaultSocketPath
	}
	return fmt.Sprintf("/run/user/%d/containerd/containerd.sock", os.Getuid())
}

// NewHost connects to containerd at socketPath. Failure to connect is a
// fatal startup condition (spec §4.1): the caller is expected to exit, not
// retry indefinitely, since the container engine is not an optional
// dependency.
func NewHost(socketPath string) (*Host, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd at %s: %w", socketPath, err)
	}
	return &Host{
		client:    client,
		namespace: Namespace,
		io:        make(map[string]*capturedIO),
	}, nil
}

// Close closes the underlying containerd client.
func (h *Host) Close() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}

func (h *Host) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, h.namespace)
}

// EnsureImage pulls imageRef if it is not already present in the content
// store.
func (h *Host) EnsureImage(ctx context.Context, imageRef string) error {
	ctx = h.ctx(ctx)
	if _, err := h.client.GetImage(ctx, imageRef); err == nil {
		return nil
	}
	if _, err := h.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	return nil
}

// limitsToSpecOpts translates the fixed invocation resource ceiling into
// containerd OCI spec options (spec §4.1 item 2, §8 property 2).
func limitsToSpecOpts(limits types.ContainerLimits) []oci.SpecOpts {
	period := uint64(100000)
	quota := int64(float64(limits.CPUShare) / 1e9 * float64(period))

	opts := []oci.SpecOpts{
		oci.WithCPUCFS(quota, period),
		oci.WithMemoryLimit(uint64(limits.MemoryBytes)),
		oci.WithPidsLimit(limits.PidsMax),
	}
	if limits.ReadOnlyRootFS {
		opts = append(opts, oci.WithRootFSReadonly(), oci.WithMounts([]specs.Mount{{
			Destination: "/tmp",
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"nosuid", "nodev", "mode=1777"},
		}}))
	}
	if !limits.NetworkEnabled {
		opts = append(opts, oci.WithLinuxNamespace(specs.LinuxNamespace{Type: specs.NetworkNamespace}))
	}
	return opts
}

// CreateContainer creates (but does not start) a container from image with
// env injected and limits applied. No volume or host-path mounts are ever
// configured (spec §4.1 item 2, §8 property 2); when the root filesystem is
// read-only, a tmpfs at /tmp is the container's only writable path. The
// container runs the image's own entrypoint/CMD (the base image's bootstrap,
// for invocation containers).
func (h *Host) CreateContainer(ctx context.Context, id, image string, env []string, limits types.ContainerLimits) error {
	return h.createContainer(ctx, id, image, env, limits, nil)
}

func (h *Host) createContainer(ctx context.Context, id, image string, env []string, limits types.ContainerLimits, args []string) error {
	ctx = h.ctx(ctx)

	img, err := h.client.GetImage(ctx, image)
	if err != nil {
		return fmt.Errorf("get image %s: %w", image, err)
	}

	opts := append([]oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithEnv(env),
	}, limitsToSpecOpts(limits)...)
	if len(args) > 0 {
		opts = append(opts, oci.WithProcessArgs(args...))
	}

	_, err = h.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(id+"-snapshot", img),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	return nil
}

// StartAndWait starts the container's task and blocks until it exits or
// timeout elapses. On timeout the container is stopped gracefully then
// killed, and (TimeoutExitCode, true, nil) is returned regardless of the
// process's own exit state (spec §4.1 item 4).
func (h *Host) StartAndWait(ctx context.Context, id string, timeout time.Duration) (exitCode int, timedOut bool, err error) {
	ctx = h.ctx(ctx)

	container, err := h.client.LoadContainer(ctx, id)
	if err != nil {
		return 0, false, fmt.Errorf("load container %s: %w", id, err)
	}

	captured := &capturedIO{}
	h.mu.Lock()
	h.io[id] = captured
	h.mu.Unlock()

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &captured.stdout, &captured.stderr)))
	if err != nil {
		return 0, false, fmt.Errorf("create task: %w", err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("wait on task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return 0, false, fmt.Errorf("start task: %w", err)
	}

	select {
	case status := <-statusC:
		code, _, werr := status.Result()
		if werr != nil {
			return 0, false, fmt.Errorf("task exit status: %w", werr)
		}
		return int(code), false, nil
	case <-time.After(timeout):
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = task.Kill(stopCtx, syscall.SIGTERM)
		select {
		case <-statusC:
		case <-time.After(5 * time.Second):
			_ = task.Kill(ctx, syscall.SIGKILL)
			<-statusC
		}
		return TimeoutExitCode, true, nil
	}
}

// ReadLogs returns the standard output and standard error captured during
// the container's most recent StartAndWait, already demultiplexed by
// containerd's separate-stream cio.Creator (spec §4.1 item 5).
func (h *Host) ReadLogs(id string) (stdout, stderr []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	captured, ok := h.io[id]
	if !ok {
		return nil, nil
	}
	return captured.stdout.Bytes(), captured.stderr.Bytes()
}

// RemoveContainer deletes the container's task and snapshot. Best-effort:
// callers log failures but never surface them (spec §4.1 item 6).
func (h *Host) RemoveContainer(ctx context.Context, id string) error {
	ctx = h.ctx(ctx)

	h.mu.Lock()
	delete(h.io, id)
	h.mu.Unlock()

	container, err := h.client.LoadContainer(ctx, id)
	if err != nil {
		return nil
	}

	if task, err := container.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container %s: %w", id, err)
	}
	return nil
}
