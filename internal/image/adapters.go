package image

import (
	"context"
	"errors"
	"io"

	"cochaviz/adlgen/internal/platform"
)

// ErrImageNotFound is returned by Engine.Pull when no registry serves the reference.
var ErrImageNotFound = errors.New("image not found in any registry")

// Engine is the image side of a container engine.
type Engine interface {
	// Inspect looks reference up in the local image store. found is false when
	// the store has no such image.
	Inspect(ctx context.Context, reference string) (info Inspection, found bool, err error)
	// Pull fetches reference from its registry, wrapping ErrImageNotFound when
	// the registry does not have it.
	Pull(ctx context.Context, request PullRequest) error
	// Remove untags reference. Containers already running the image keep it.
	Remove(ctx context.Context, reference string) error
	// Build submits a tar build context. The returned output carries the build log
	// even when err is non-nil.
	Build(ctx context.Context, request BuildRequest) (BuildOutput, error)
}

// Inspection is what the local image store knows about an image.
type Inspection struct {
	ID     string
	Labels map[string]string
}

// PullRequest is what the Manager hands to an Engine to fetch an image.
type PullRequest struct {
	Reference string
	Platform  string
	Log       func(line string)
}

// BuildRequest is what the Manager hands to an Engine.
type BuildRequest struct {
	Reference string
	Context   io.Reader
	Labels    map[string]string
	Platform  string
	// Log receives build output line by line as it arrives.
	Log func(line string)
}

// BuildOutput is the result of an engine build.
type BuildOutput struct {
	ImageID string
	Log     []string
}

// DistributionSource provides the compiler release embedded into images.
type DistributionSource interface {
	Archive(ctx context.Context, version string, host platform.Host) (string, error)
}

// RecordRepository persists metadata of built images.
type RecordRepository interface {
	Save(record Record) error
	List() ([]Record, error)
}
