package generator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cochaviz/adlgen/internal/logging"
	"cochaviz/adlgen/internal/workspace"
)

const defaultMaxDiagnostics = 200

// Invoker runs the compiler for generation units through a Runner chosen once
// for the whole run.
type Invoker struct {
	Runner         Runner
	Verbose        bool
	Logger         *slog.Logger
	MaxDiagnostics int
}

// Invoke runs unit against the staged workspace. Failures are reported in the
// Result rather than returned, so sibling units can keep going.
func (i *Invoker) Invoke(ctx context.Context, ws *workspace.Workspace, unit Unit) Result {
	result := Result{Unit: unit.Name()}
	logger := logging.Component(i.Logger, "generator").With("unit", unit.Name(), "language", string(unit.Language()))

	if i.Runner == nil {
		result.Err = errors.New("compiler runner is not configured")
		return result
	}
	paths, err := ws.Unit(unit.Name())
	if err != nil {
		result.Err = err
		return result
	}

	args := BuildArgs(unit, Paths{
		Output:     paths.Output,
		Manifest:   paths.Manifest,
		SearchDirs: ws.SearchDirs,
		Sources:    ws.Sources,
	}, i.Verbose)
	logger.Debug("invoking compiler", "args", strings.Join(args, " "))

	tools := map[Stream]*logging.ToolLogger{
		Stdout: logging.NewToolLogger(logger, "adlc", slog.LevelInfo),
		Stderr: logging.NewToolLogger(logger, "adlc", slog.LevelWarn),
	}
	limit := i.MaxDiagnostics
	if limit <= 0 {
		limit = defaultMaxDiagnostics
	}

	var mu sync.Mutex
	var captured []string
	emit := func(stream Stream, line string) {
		mu.Lock()
		captured = append(captured, line)
		if len(captured) > limit {
			captured = captured[len(captured)-limit:]
		}
		mu.Unlock()
		tools[stream].Line(line)
	}

	started := time.Now()
	exitCode, runErr := i.Runner.Run(ctx, Execution{
		Unit:   unit.Name(),
		Args:   args,
		Mounts: unitMounts(ws, unit.Name()),
		Output: emit,
	})

	mu.Lock()
	result.Diagnostics = append([]string(nil), captured...)
	mu.Unlock()

	switch {
	case ctx.Err() != nil:
		result.Err = ctx.Err()
		return result
	case runErr != nil:
		result.Err = fmt.Errorf("run compiler for %s: %w", unit.Name(), runErr)
		return result
	case exitCode != 0:
		result.Err = &GenerationFailure{Unit: unit.Name(), ExitCode: exitCode, Diagnostics: result.Diagnostics}
		logger.Error("compiler failed", "exit_code", exitCode)
		return result
	}

	files, err := ListFiles(paths.HostOutput)
	if err != nil {
		result.Err = fmt.Errorf("list generated files for %s: %w", unit.Name(), err)
		return result
	}
	result.Files = files
	result.Success = true
	logger.Info("compiler finished", "files", len(files), "duration", time.Since(started).Round(time.Millisecond))
	return result
}

// unitMounts keeps the shared read-only inputs and the unit's own outputs.
func unitMounts(ws *workspace.Workspace, unit string) []workspace.Mount {
	var mounts []workspace.Mount
	for _, mount := range ws.Mounts.Mounts() {
		if mount.ReadOnly || mount.Label == "out-"+unit || mount.Label == "manifest-"+unit {
			mounts = append(mounts, mount)
		}
	}
	return mounts
}

// ListFiles returns the regular files below dir as sorted slash-separated
// relative paths.
func ListFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
