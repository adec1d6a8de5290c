package dockerengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"cochaviz/adlgen/internal/logging"
)

const defaultPingTimeout = 10 * time.Second

// Options configures the engine connection. Unset fields fall back to the
// DOCKER_* environment variables.
type Options struct {
	Host        string
	PingTimeout time.Duration
}

// ContainerEngineUnavailableError reports that no container engine answered.
type ContainerEngineUnavailableError struct {
	Host string
	Err  error
}

func (e *ContainerEngineUnavailableError) Error() string {
	return fmt.Sprintf("container engine at %s is unavailable: %v (is the Docker daemon running? DOCKER_HOST selects another engine)", e.Host, e.Err)
}

func (e *ContainerEngineUnavailableError) Unwrap() error {
	return e.Err
}

// Pinger is the part of the engine API used to check reachability.
type Pinger interface {
	Ping(ctx context.Context) (types.Ping, error)
	DaemonHost() string
}

// Connect builds a client and verifies the daemon answers.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*client.Client, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, &ContainerEngineUnavailableError{Host: opts.Host, Err: err}
	}
	if err := Check(ctx, cli, opts.PingTimeout, logger); err != nil {
		return nil, errors.Join(err, cli.Close())
	}
	return cli, nil
}

// Check pings the engine within timeout.
func Check(ctx context.Context, engine Pinger, timeout time.Duration, logger *slog.Logger) error {
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ping, err := engine.Ping(pingCtx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &ContainerEngineUnavailableError{Host: engine.DaemonHost(), Err: err}
	}

	logging.Component(logger, "dockerengine").Debug("container engine reachable",
		"host", engine.DaemonHost(),
		"api_version", ping.APIVersion,
		"os_type", ping.OSType,
	)
	return nil
}
