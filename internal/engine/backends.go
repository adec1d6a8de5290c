package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/docker/docker/client"

	"cochaviz/adlgen/internal/distribution"
	"cochaviz/adlgen/internal/dockerengine"
	"cochaviz/adlgen/internal/generator"
	dockerrunner "cochaviz/adlgen/internal/generator/adapters/docker"
	"cochaviz/adlgen/internal/generator/adapters/native"
	"cochaviz/adlgen/internal/image"
	dockerimage "cochaviz/adlgen/internal/image/adapters/docker"
	"cochaviz/adlgen/internal/platform"
)

// LocalBackends runs compilers from the local distribution cache, either as
// child processes or inside Docker containers. The Docker connection and the
// image manager are created on first use and shared by later runs. PullImages
// lets the image manager try the registry before building.
type LocalBackends struct {
	Distributions *distribution.LocalRepository
	Host          platform.Host
	Docker        dockerengine.Options
	Records       image.RecordRepository
	PullImages    bool
	Logger        *slog.Logger

	mu     sync.Mutex
	client *client.Client
	images *image.Manager
}

// Probe reports whether a native compiler for version is available on host.
func (b *LocalBackends) Probe(ctx context.Context, version string, host platform.Host) (bool, error) {
	if b.Distributions == nil {
		return false, nil
	}
	return b.Distributions.Probe(ctx, version, host)
}

// Native returns a runner for the installed compiler, installing it from its
// release archive if needed.
func (b *LocalBackends) Native(ctx context.Context, version string) (generator.Runner, error) {
	if b.Distributions == nil {
		return nil, errors.New("no compiler distribution directory configured")
	}
	binary, err := b.Distributions.NativeBinary(ctx, version, b.host())
	if err != nil {
		return nil, err
	}
	return &native.Runner{Binary: binary, Logger: b.Logger}, nil
}

// Container ensures the compiler image and returns a runner using it.
func (b *LocalBackends) Container(ctx context.Context, version string, template image.Template, mode image.BuildMode) (generator.Runner, image.Reference, error) {
	cli, manager, err := b.connect(ctx)
	if err != nil {
		return nil, image.Reference{}, err
	}
	ref, err := manager.Ensure(ctx, version, template, mode)
	if err != nil {
		return nil, image.Reference{}, err
	}
	return &dockerrunner.Runner{Client: cli, Image: ref.Name, Logger: b.Logger}, ref, nil
}

// Images returns the shared image manager, connecting to Docker if needed.
func (b *LocalBackends) Images(ctx context.Context) (*image.Manager, error) {
	_, manager, err := b.connect(ctx)
	return manager, err
}

// Close releases the Docker connection.
func (b *LocalBackends) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client, b.images = nil, nil
	return err
}

func (b *LocalBackends) connect(ctx context.Context) (*client.Client, *image.Manager, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client, b.images, nil
	}
	cli, err := dockerengine.Connect(ctx, b.Docker, b.Logger)
	if err != nil {
		return nil, nil, err
	}

	var distributions image.DistributionSource
	if b.Distributions != nil {
		distributions = b.Distributions
	}
	b.client = cli
	b.images = &image.Manager{
		Engine:        &dockerimage.Engine{Client: cli, Logger: b.Logger},
		Distributions: distributions,
		Records:       b.Records,
		Pull:          b.PullImages,
		Logger:        b.Logger,
	}
	return b.client, b.images, nil
}

func (b *LocalBackends) host() platform.Host {
	if b.Host == (platform.Host{}) {
		return platform.CurrentHost()
	}
	return b.Host
}
