package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cochaviz/adlgen/internal/archive"
	"cochaviz/adlgen/internal/distribution"
	"cochaviz/adlgen/internal/generator"
	"cochaviz/adlgen/internal/image"
	"cochaviz/adlgen/internal/output"
	"cochaviz/adlgen/internal/platform"
	"cochaviz/adlgen/internal/workspace"
)

// RequestOptions are the caller's settings for one generation run.
type RequestOptions struct {
	Version    string
	Sources    []workspace.SourceSet
	SearchDirs []archive.Spec
	Units      []generator.UnitOptions
	Platform   platform.ExecutionPlatform
	BuildMode  image.BuildMode
	Verbose    bool
	Timeout    time.Duration
	// Template is the image template; the zero value selects the default.
	Template image.Template
}

// Request is a validated generation run. Construct with NewRequest.
type Request struct {
	version    string
	sources    []workspace.SourceSet
	searchDirs []archive.Spec
	units      []generator.Unit
	platform   platform.ExecutionPlatform
	buildMode  image.BuildMode
	verbose    bool
	timeout    time.Duration
	template   image.Template
}

// NewRequest validates opts and resolves every default.
func NewRequest(opts RequestOptions) (Request, error) {
	if err := distribution.ValidateVersion(opts.Version); err != nil {
		return Request{}, err
	}

	execution, err := platform.Parse(string(opts.Platform))
	if err != nil {
		return Request{}, err
	}
	mode := opts.BuildMode
	if mode == "" {
		mode = image.BuildIfNotPresent
	}
	if mode, err = image.ParseBuildMode(string(mode)); err != nil {
		return Request{}, err
	}
	if opts.Timeout < 0 {
		return Request{}, fmt.Errorf("timeout must not be negative, got %s", opts.Timeout)
	}

	template := opts.Template
	if template.BaseImage == "" && template.Repository == "" && template.InstallDir == "" {
		template = image.DefaultTemplate()
	}
	if err := template.Validate(); err != nil {
		return Request{}, err
	}

	sources, err := cleanSources(opts.Sources)
	if err != nil {
		return Request{}, err
	}
	searchDirs := make([]archive.Spec, 0, len(opts.SearchDirs))
	for _, spec := range opts.SearchDirs {
		abs, err := filepath.Abs(spec.Path)
		if err != nil {
			return Request{}, err
		}
		spec.Path = abs
		searchDirs = append(searchDirs, spec)
	}

	units, err := buildUnits(opts.Units)
	if err != nil {
		return Request{}, err
	}

	return Request{
		version:    opts.Version,
		sources:    sources,
		searchDirs: searchDirs,
		units:      units,
		platform:   execution,
		buildMode:  mode,
		verbose:    opts.Verbose,
		timeout:    opts.Timeout,
		template:   template,
	}, nil
}

func cleanSources(sets []workspace.SourceSet) ([]workspace.SourceSet, error) {
	var cleaned []workspace.SourceSet
	total := 0
	for _, set := range sets {
		root, err := filepath.Abs(set.Root)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("source directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("source %s is not a directory", root)
		}
		files := make([]string, 0, len(set.Files))
		for _, file := range set.Files {
			file = filepath.ToSlash(file)
			if filepath.IsAbs(file) || file == ".." || strings.HasPrefix(file, "../") {
				return nil, fmt.Errorf("source file %q must be relative to %s", file, root)
			}
			files = append(files, file)
		}
		total += len(files)
		cleaned = append(cleaned, workspace.SourceSet{Root: root, Files: files})
	}
	if total == 0 {
		return nil, errors.New("no schema source files given")
	}
	return cleaned, nil
}

func buildUnits(opts []generator.UnitOptions) ([]generator.Unit, error) {
	if len(opts) == 0 {
		return nil, errors.New("at least one generation is required")
	}
	units := make([]generator.Unit, 0, len(opts))
	names := make(map[string]bool, len(opts))
	for _, o := range opts {
		unit, err := generator.NewUnit(o)
		if err != nil {
			return nil, err
		}
		if names[unit.Name()] {
			return nil, fmt.Errorf("duplicate generation unit %q; set distinct names", unit.Name())
		}
		names[unit.Name()] = true
		for _, other := range units {
			if nested(unit.OutputDir(), other.OutputDir()) || nested(other.OutputDir(), unit.OutputDir()) {
				return nil, fmt.Errorf("output directories of %s and %s overlap", other.Name(), unit.Name())
			}
		}
		units = append(units, unit)
	}
	return units, nil
}

func nested(dir, p string) bool {
	return p == dir || strings.HasPrefix(p, dir+string(filepath.Separator))
}

func (r Request) Version() string                      { return r.version }
func (r Request) Platform() platform.ExecutionPlatform { return r.platform }
func (r Request) BuildMode() image.BuildMode           { return r.buildMode }
func (r Request) Timeout() time.Duration               { return r.timeout }
func (r Request) Template() image.Template             { return r.template }
func (r Request) Verbose() bool                        { return r.verbose }

func (r Request) Units() []generator.Unit {
	return append([]generator.Unit(nil), r.units...)
}

func (r Request) Sources() []workspace.SourceSet {
	return append([]workspace.SourceSet(nil), r.sources...)
}

func (r Request) SearchDirs() []archive.Spec {
	return append([]archive.Spec(nil), r.searchDirs...)
}

// UnitResult is the outcome of one unit.
type UnitResult struct {
	generator.Result
	// Committed is set once the unit's output reached its final directory.
	Committed *output.Committed
}

// Result is the outcome of a run.
type Result struct {
	Platform platform.ExecutionPlatform
	// Image is set for container runs.
	Image    *image.Reference
	Units    []UnitResult
	Duration time.Duration
}

// UnitFailure describes why a unit did not produce output.
type UnitFailure struct {
	Unit        string
	Kind        string
	Err         error
	Diagnostics []string
}

// RunError reports a run in which at least one unit failed. No output was committed.
type RunError struct {
	Failures []UnitFailure
	Units    int
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "generation failed for %d of %d units; no output was written", len(e.Failures), e.Units)
	for _, failure := range e.Failures {
		fmt.Fprintf(&b, "\n  %s (%s): %v", failure.Unit, failure.Kind, failure.Err)
	}
	return b.String()
}

func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		errs = append(errs, failure.Err)
	}
	return errs
}

// TimeoutError is returned when a run exceeds its deadline.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("generation exceeded timeout of %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

func failureKind(err error) string {
	var generation *generator.GenerationFailure
	var commit *output.CommitError
	switch {
	case errors.As(err, &generation):
		return "generation"
	case errors.As(err, &commit):
		return "commit"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
