package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"cochaviz/adlgen/internal/generator"
	"cochaviz/adlgen/internal/logging"
	"cochaviz/adlgen/internal/platform"
)

const (
	// LabelUnit marks containers started for a generation unit.
	LabelUnit = "org.adlgen.unit"

	defaultRemoveTimeout = 30 * time.Second
)

// ContainerAPI is the subset of the Docker client used to run the compiler.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, container string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Runner runs the compiler inside a container from an ensured image.
type Runner struct {
	Client ContainerAPI
	Image  string
	// User overrides the container user; by default the invoking user's uid:gid
	// is used on unix hosts so generated files stay removable.
	User          string
	RemoveTimeout time.Duration
	Logger        *slog.Logger
}

// Run creates, starts and waits for a compiler container. The container is
// removed afterwards, also when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, execution generator.Execution) (int, error) {
	if r.Client == nil || r.Image == "" {
		return -1, errors.New("container runner requires a client and an image")
	}

	mounts := make([]mount.Mount, 0, len(execution.Mounts))
	for _, m := range execution.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Host,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	name := "adl-" + execution.Unit + "-" + uuid.New().String()
	logger := logging.Component(r.Logger, "generator.docker").With("unit", execution.Unit, "container", name)

	created, err := r.Client.ContainerCreate(ctx,
		&container.Config{
			Image:  r.Image,
			Cmd:    execution.Args,
			User:   r.user(),
			Labels: map[string]string{LabelUnit: execution.Unit},
		},
		&container.HostConfig{
			Mounts:      mounts,
			NetworkMode: "none",
			AutoRemove:  false,
		},
		nil,
		&ocispec.Platform{OS: string(platform.ContainerHost.OS), Architecture: string(platform.ContainerHost.Arch)},
		name,
	)
	if err != nil {
		return -1, fmt.Errorf("create container: %w", err)
	}
	for _, warning := range created.Warnings {
		logger.Warn("container create warning", "warning", warning)
	}
	defer r.remove(ctx, created.ID, logger)

	if err := r.Client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("start container: %w", err)
	}
	logger.Debug("compiler container started", "image", r.Image)

	logs, err := r.Client.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, fmt.Errorf("attach container logs: %w", err)
	}
	defer logs.Close()

	stdout := generator.NewLineWriter(generator.Stdout, execution.Output)
	stderr := generator.NewLineWriter(generator.Stderr, execution.Output)
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, logs)
		copied <- err
	}()

	statusCh, errCh := r.Client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return -1, fmt.Errorf("wait for container: %s", status.Error.Message)
		}
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, ctxErr
		}
		return -1, fmt.Errorf("wait for container: %w", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	select {
	case err := <-copied:
		if err != nil && !errors.Is(err, io.EOF) {
			logger.Warn("container log stream ended with error", "error", err)
		}
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	stdout.Flush()
	stderr.Flush()

	return exitCode, nil
}

func (r *Runner) remove(ctx context.Context, id string, logger *slog.Logger) {
	timeout := r.RemoveTimeout
	if timeout <= 0 {
		timeout = defaultRemoveTimeout
	}
	removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := r.Client.ContainerRemove(removeCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		logger.Warn("failed to remove compiler container", "error", err)
		return
	}
	logger.Debug("compiler container removed")
}

func (r *Runner) user() string {
	if r.User != "" {
		return r.User
	}
	if runtime.GOOS == "windows" {
		return ""
	}
	uid, gid := os.Getuid(), os.Getgid()
	if uid < 0 || gid < 0 {
		return ""
	}
	return strconv.Itoa(uid) + ":" + strconv.Itoa(gid)
}
