package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"cochaviz/adlgen/internal/archive"
	"cochaviz/adlgen/internal/generator"
	"cochaviz/adlgen/internal/image"
	"cochaviz/adlgen/internal/logging"
	"cochaviz/adlgen/internal/output"
	"cochaviz/adlgen/internal/platform"
	"cochaviz/adlgen/internal/workspace"
)

// Backends provides compiler runners for the concrete execution platforms.
type Backends interface {
	platform.Prober
	Native(ctx context.Context, version string) (generator.Runner, error)
	Container(ctx context.Context, version string, template image.Template, mode image.BuildMode) (generator.Runner, image.Reference, error)
}

// Engine executes generation runs.
type Engine struct {
	Backends Backends
	Host     platform.Host
	// ScratchBase holds per-run scratch directories; empty means the system temp dir.
	ScratchBase   string
	ContainerRoot string
	// MaxParallel bounds concurrently running units; zero means unbounded.
	MaxParallel int
	Logger      *slog.Logger
}

// Run resolves the platform, stages inputs, runs every unit and commits all
// outputs or none. Scratch space is removed before Run returns.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if e.Backends == nil {
		return nil, errors.New("engine backends are not configured")
	}
	if len(req.units) == 0 {
		return nil, errors.New("request has no generation units; construct it with NewRequest")
	}

	logger := logging.Component(e.Logger, "engine").With("version", req.version)
	if req.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := e.run(ctx, req, logger)
	if result != nil {
		result.Duration = time.Since(started)
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, &TimeoutError{Timeout: req.timeout, Err: err}
	}
	return result, err
}

func (e *Engine) run(ctx context.Context, req Request, logger *slog.Logger) (result *Result, err error) {
	host := e.Host
	if host == (platform.Host{}) {
		host = platform.CurrentHost()
	}
	execution, err := platform.NewSelector(e.Backends, host, e.Logger).Resolve(ctx, req.platform, req.version)
	if err != nil {
		return nil, err
	}
	result = &Result{Platform: execution}
	logger = logger.With("platform", string(execution))

	var runner generator.Runner
	switch execution {
	case platform.Native:
		runner, err = e.Backends.Native(ctx, req.version)
	case platform.Container:
		var ref image.Reference
		runner, ref, err = e.Backends.Container(ctx, req.version, req.template, req.buildMode)
		if err == nil {
			result.Image = &ref
		}
	}
	if err != nil {
		return result, err
	}

	scratch, err := workspace.NewScratch(e.ScratchBase)
	if err != nil {
		return result, err
	}
	defer func() {
		if closeErr := scratch.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("remove scratch directory: %w", closeErr))
		}
	}()

	resolver := archive.NewResolver(scratch.Path("archives"), e.Logger)
	searchDirs, err := resolver.ResolveAll(ctx, req.searchDirs)
	if err != nil {
		return result, err
	}
	searchDirs = appendSourceRoots(searchDirs, req.sources)

	layouts := make([]workspace.UnitLayout, 0, len(req.units))
	for _, unit := range req.units {
		layouts = append(layouts, unit.Layout())
	}
	stager := &workspace.Stager{ContainerRoot: e.ContainerRoot, Logger: e.Logger}
	ws, err := stager.Stage(ctx, scratch, execution, workspace.Input{
		Sources:    req.sources,
		SearchDirs: searchDirs,
		Units:      layouts,
	})
	if err != nil {
		return result, err
	}

	invoker := &generator.Invoker{Runner: runner, Verbose: req.verbose, Logger: e.Logger}
	results := make([]generator.Result, len(req.units))
	var group errgroup.Group
	if e.MaxParallel > 0 {
		group.SetLimit(e.MaxParallel)
	}
	for i, unit := range req.units {
		group.Go(func() error {
			results[i] = invoker.Invoke(ctx, ws, unit)
			return nil
		})
	}
	_ = group.Wait()

	result.Units = make([]UnitResult, len(results))
	for i, r := range results {
		result.Units[i] = UnitResult{Result: r}
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	collector := output.NewCollector(req.sources, e.Logger)
	pending := make([]output.Pending, 0, len(req.units))
	var failures []UnitFailure
	for i, unit := range req.units {
		r := results[i]
		if r.Err != nil || !r.Success {
			failures = append(failures, UnitFailure{Unit: unit.Name(), Kind: failureKind(r.Err), Err: r.Err, Diagnostics: r.Diagnostics})
			continue
		}
		p, err := collector.Stage(r, unit, ws)
		if err != nil {
			failures = append(failures, UnitFailure{Unit: unit.Name(), Kind: failureKind(err), Err: err})
			continue
		}
		pending = append(pending, p)
	}
	if len(failures) > 0 {
		logger.Error("generation failed, nothing committed", "failed", len(failures), "units", len(req.units))
		return result, &RunError{Failures: failures, Units: len(req.units)}
	}

	committed, err := collector.CommitAll(pending)
	if err != nil {
		var commitErr *output.CommitError
		unit := ""
		if errors.As(err, &commitErr) {
			unit = commitErr.Unit
		}
		return result, &RunError{Failures: []UnitFailure{{Unit: unit, Kind: failureKind(err), Err: err}}, Units: len(req.units)}
	}
	for i := range committed {
		result.Units[i].Committed = &committed[i]
	}
	logger.Info("generation finished", "units", len(req.units))
	return result, nil
}

// appendSourceRoots adds source roots to the search path after the explicit
// search directories so imports between sources resolve.
func appendSourceRoots(dirs []string, sources []workspace.SourceSet) []string {
	seen := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		seen[filepath.Clean(dir)] = true
	}
	for _, set := range sources {
		root := filepath.Clean(set.Root)
		if seen[root] {
			continue
		}
		seen[root] = true
		dirs = append(dirs, root)
	}
	return dirs
}
