package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cochaviz/adlgen/internal/logging"
)

// Prober checks for a usable native compiler without changing anything on disk.
type Prober interface {
	Probe(ctx context.Context, version string, host Host) (bool, error)
}

// Selector resolves the requested platform once and remembers the answer.
type Selector struct {
	Prober Prober
	Host   Host
	Logger *slog.Logger

	once     sync.Once
	resolved ExecutionPlatform
	err      error
}

// NewSelector returns a Selector for host.
func NewSelector(prober Prober, host Host, logger *slog.Logger) *Selector {
	return &Selector{
		Prober: prober,
		Host:   host,
		Logger: logging.Component(logger, "platform"),
	}
}

// Resolve turns requested into Native or Container. Subsequent calls return the
// first outcome regardless of their arguments.
func (s *Selector) Resolve(ctx context.Context, requested ExecutionPlatform, version string) (ExecutionPlatform, error) {
	s.once.Do(func() {
		s.resolved, s.err = s.resolve(ctx, requested, version)
	})
	return s.resolved, s.err
}

func (s *Selector) resolve(ctx context.Context, requested ExecutionPlatform, version string) (ExecutionPlatform, error) {
	logger := logging.Ensure(s.Logger).With("requested", requested, "host", s.Host.String())

	switch requested {
	case Native:
		if !s.Host.SupportsNative() {
			return "", &UnsupportedPlatformError{Host: s.Host}
		}
		logger.Debug("using native platform")
		return Native, nil
	case Container:
		logger.Debug("using container platform")
		return Container, nil
	case Auto:
	default:
		return "", fmt.Errorf("unknown execution platform %q", requested)
	}

	if !s.Host.SupportsNative() {
		logger.Info("native execution unsupported on host, using container platform")
		return Container, nil
	}
	if s.Prober == nil {
		return Container, nil
	}

	found, err := s.Prober.Probe(ctx, version, s.Host)
	if err != nil {
		return "", fmt.Errorf("probe native compiler %s: %w", version, err)
	}
	if found {
		logger.Info("native compiler found, using native platform", "version", version)
		return Native, nil
	}
	logger.Info("no native compiler found, using container platform", "version", version)
	return Container, nil
}
