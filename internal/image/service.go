package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"cochaviz/adlgen/internal/distribution"
	"cochaviz/adlgen/internal/logging"
	"cochaviz/adlgen/internal/platform"
)

const (
	LabelVersion = "org.adlgen.version"
	LabelKey     = "org.adlgen.key"

	defaultLogTailLines = 20
)

// Manager ensures compiler images exist according to a BuildMode. Work for one
// image key is never done twice concurrently; different keys proceed in parallel.
// With Pull set, a missing image is fetched from its registry before falling
// back to a local build.
type Manager struct {
	Engine        Engine
	Distributions DistributionSource
	Records       RecordRepository
	Pull          bool
	Logger        *slog.Logger
	LogTailLines  int

	group   singleflight.Group
	mu      sync.Mutex
	ensured map[string]Reference
}

type flight struct {
	mode BuildMode
	ref  Reference
}

// Ensure returns a reference to a runnable image for version built from template.
func (m *Manager) Ensure(ctx context.Context, version string, template Template, mode BuildMode) (Reference, error) {
	if m.Engine == nil {
		return Reference{}, errors.New("image engine is not configured")
	}
	if err := distribution.ValidateVersion(version); err != nil {
		return Reference{}, err
	}
	if err := template.Validate(); err != nil {
		return Reference{}, err
	}
	switch mode {
	case BuildIfNotPresent, BuildRebuild, BuildDiscardLocal, BuildNever:
	default:
		return Reference{}, fmt.Errorf("unknown image build mode %q", mode)
	}

	key := Key(version, template)
	ref := Reference{
		Name:       fmt.Sprintf("%s:%s-%s", template.Repository, version, key[:12]),
		Key:        key,
		Version:    version,
		Entrypoint: template.Entrypoint(),
	}
	logger := logging.Component(m.Logger, "image").With("reference", ref.Name, "mode", string(mode))

	if mode == BuildIfNotPresent || mode == BuildNever {
		if known, ok := m.lookup(key); ok {
			logger.Debug("image already ensured in this process")
			return known, nil
		}
	}

	for {
		results := m.group.DoChan(key, func() (interface{}, error) {
			return m.ensure(ctx, ref, template, mode, logger)
		})

		select {
		case <-ctx.Done():
			return Reference{}, ctx.Err()
		case res := <-results:
			out, _ := res.Val.(flight)
			if res.Shared && ctx.Err() == nil && !satisfies(mode, out, res.Err) {
				logger.Debug("joined image flight with a different outcome, retrying", "flight_mode", string(out.mode))
				continue
			}
			if res.Err != nil {
				return Reference{}, res.Err
			}
			return out.ref, nil
		}
	}
}

// satisfies reports whether the outcome of a flight started by another caller
// is an acceptable answer for mode.
func satisfies(mode BuildMode, out flight, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if out.mode == mode {
		return true
	}
	switch mode {
	case BuildRebuild:
		return err == nil && out.ref.Built
	case BuildDiscardLocal:
		return err == nil && (out.ref.Built || out.ref.Pulled)
	case BuildIfNotPresent:
		return err == nil || out.mode != BuildNever
	default:
		return true
	}
}

func (m *Manager) ensure(ctx context.Context, ref Reference, template Template, mode BuildMode, logger *slog.Logger) (interface{}, error) {
	out := flight{mode: mode, ref: ref}

	if mode != BuildRebuild {
		info, found, err := m.Engine.Inspect(ctx, ref.Name)
		if err != nil {
			return out, fmt.Errorf("query image %s: %w", ref.Name, err)
		}
		if found && mode == BuildDiscardLocal && IsLocallyBuilt(info) {
			logger.Info("discarding locally built image", "image_id", info.ID)
			if err := m.Engine.Remove(ctx, ref.Name); err != nil {
				return out, fmt.Errorf("remove image %s: %w", ref.Name, err)
			}
			found = false
		}
		if found {
			logger.Info("image present, skipping build")
			m.remember(ref)
			return out, nil
		}
		if mode == BuildNever {
			return out, &ImageMissingError{Reference: ref.Name}
		}

		pulled, err := m.pull(ctx, ref, logger)
		if err != nil {
			return out, err
		}
		if pulled {
			out.ref.Pulled = true
			m.remember(ref)
			return out, nil
		}
	}

	built, err := m.build(ctx, ref, template, logger)
	if err != nil {
		return out, err
	}
	out.ref = built
	m.remember(built)
	return out, nil
}

// IsLocallyBuilt reports whether an image carries the labels this package puts
// on the images it builds.
func IsLocallyBuilt(info Inspection) bool {
	return info.Labels[LabelKey] != ""
}

// pull tries the registry. Only cancellation is an error; any other failure
// leaves the image to be built locally.
func (m *Manager) pull(ctx context.Context, ref Reference, logger *slog.Logger) (bool, error) {
	if !m.Pull {
		return false, nil
	}

	logger.Info("pulling image")
	tool := logging.NewToolLogger(logger, "pull", slog.LevelDebug)
	err := m.Engine.Pull(ctx, PullRequest{
		Reference: ref.Name,
		Platform:  platform.ContainerHost.String(),
		Log:       tool.Line,
	})
	switch {
	case err == nil:
		logger.Info("image pulled")
		return true, nil
	case ctx.Err() != nil:
		return false, fmt.Errorf("pull image %s: %w", ref.Name, ctx.Err())
	case errors.Is(err, ErrImageNotFound):
		logger.Info("image not in registry, building locally")
	default:
		logger.Warn("image pull failed, building locally", "error", err)
	}
	return false, nil
}

func (m *Manager) build(ctx context.Context, ref Reference, template Template, logger *slog.Logger) (Reference, error) {
	if m.Distributions == nil {
		return ref, errors.New("compiler distribution source is not configured")
	}
	release, err := m.Distributions.Archive(ctx, ref.Version, platform.ContainerHost)
	if err != nil {
		return ref, fmt.Errorf("locate compiler release for %s: %w", ref.Name, err)
	}

	labels := map[string]string{
		LabelVersion: ref.Version,
		LabelKey:     ref.Key,
	}

	logger.Info("building image", "release", release)
	started := time.Now()

	contextReader, contextWriter := io.Pipe()
	go func() {
		contextWriter.CloseWithError(writeBuildContext(contextWriter, template.Dockerfile(), release))
	}()

	tool := logging.NewToolLogger(logger, "build", slog.LevelDebug)
	output, err := m.Engine.Build(ctx, BuildRequest{
		Reference: ref.Name,
		Context:   contextReader,
		Labels:    labels,
		Platform:  platform.ContainerHost.String(),
		Log:       tool.Line,
	})
	contextReader.Close()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ref, fmt.Errorf("build image %s: %w", ref.Name, ctxErr)
		}
		return ref, &ImageBuildError{
			Reference: ref.Name,
			LogTail:   tail(output.Log, m.logTailLines()),
			Err:       err,
		}
	}

	ref.Built = true
	logger.Info("image built", "image_id", output.ImageID, "duration", time.Since(started).Round(time.Millisecond))

	if m.Records != nil {
		record := Record{
			ID:        uuid.New().String(),
			Reference: ref.Name,
			ImageID:   output.ImageID,
			Key:       ref.Key,
			Version:   ref.Version,
			BaseImage: template.BaseImage,
			Labels:    labels,
			CreatedAt: time.Now().UTC(),
		}
		if err := m.Records.Save(record); err != nil {
			logger.Warn("failed to save image record", "error", err)
		}
	}
	return ref, nil
}

func (m *Manager) lookup(key string) (Reference, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.ensured[key]
	return ref, ok
}

func (m *Manager) remember(ref Reference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ensured == nil {
		m.ensured = make(map[string]Reference)
	}
	ref.Built, ref.Pulled = false, false
	m.ensured[ref.Key] = ref
}

func (m *Manager) logTailLines() int {
	if m.LogTailLines > 0 {
		return m.LogTailLines
	}
	return defaultLogTailLines
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return append([]string(nil), lines...)
	}
	return append([]string(nil), lines[len(lines)-n:]...)
}
