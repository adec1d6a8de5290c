package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"cochaviz/adlgen/internal/logging"
	"cochaviz/adlgen/internal/platform"
)

// DefaultContainerRoot is where mounts appear inside compiler containers.
const DefaultContainerRoot = "/data"

const manifestFileName = "manifest"

var unitNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// ValidateUnitName checks that name can label directories and mounts.
func ValidateUnitName(name string) error {
	if !unitNamePattern.MatchString(name) {
		return fmt.Errorf("invalid generation unit name %q (lowercase letters, digits, '-', '_', '.')", name)
	}
	return nil
}

// SourceSet is a directory of schema files. Files are slash-separated paths
// relative to Root.
type SourceSet struct {
	Root  string
	Files []string
}

// UnitLayout requests staging directories for one generation unit.
type UnitLayout struct {
	Name     string
	Manifest bool
}

// Input is everything the stager lays out for a run.
type Input struct {
	Sources    []SourceSet
	SearchDirs []string
	Units      []UnitLayout
}

// UnitPaths are the staging locations of one unit, on the host and as seen by
// the compiler. Manifest paths are empty when no manifest was requested.
type UnitPaths struct {
	HostOutput   string
	Output       string
	HostManifest string
	Manifest     string
}

// Workspace is the staged view of a run.
type Workspace struct {
	Platform platform.ExecutionPlatform
	Mounts   *MountTable
	// Sources and SearchDirs are execution-visible and keep their input order.
	Sources    []string
	SearchDirs []string

	scratch *Scratch
	units   map[string]UnitPaths
}

// Unit returns the staging paths of the named unit.
func (w *Workspace) Unit(name string) (UnitPaths, error) {
	paths, ok := w.units[name]
	if !ok {
		return UnitPaths{}, fmt.Errorf("unit %q was not staged", name)
	}
	return paths, nil
}

// ScratchDir returns the scratch root backing the workspace.
func (w *Workspace) ScratchDir() string {
	return w.scratch.Root()
}

// Close releases the scratch tree. It is safe to call more than once.
func (w *Workspace) Close() error {
	if w == nil || w.scratch == nil {
		return nil
	}
	return w.scratch.Close()
}

// Stager lays out workspaces.
type Stager struct {
	ContainerRoot string
	Logger        *slog.Logger
}

// Stage prepares per-unit staging directories inside scratch and translates all
// inputs for the execution platform.
func (s *Stager) Stage(ctx context.Context, scratch *Scratch, execution platform.ExecutionPlatform, in Input) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scratch == nil {
		return nil, errors.New("scratch directory is required")
	}

	var mounts *MountTable
	switch execution {
	case platform.Native:
		mounts = NewIdentityTable()
	case platform.Container:
		root := s.ContainerRoot
		if root == "" {
			root = DefaultContainerRoot
		}
		mounts = NewContainerTable(root)
	default:
		return nil, fmt.Errorf("cannot stage for unresolved platform %q", execution)
	}

	logger := logging.Component(s.Logger, "workspace").With("platform", string(execution), "scratch", scratch.Root())
	ws := &Workspace{
		Platform: execution,
		Mounts:   mounts,
		scratch:  scratch,
		units:    make(map[string]UnitPaths, len(in.Units)),
	}

	for i, set := range in.Sources {
		root, err := filepath.Abs(set.Root)
		if err != nil {
			return nil, err
		}
		target, err := mounts.Bind(fmt.Sprintf("sources%d", i), root, true)
		if err != nil {
			return nil, err
		}
		for _, file := range set.Files {
			ws.Sources = append(ws.Sources, joinVisible(mounts, target, file))
		}
	}

	for i, dir := range in.SearchDirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		target, err := mounts.Bind(fmt.Sprintf("search%d", i), abs, true)
		if err != nil {
			return nil, err
		}
		ws.SearchDirs = append(ws.SearchDirs, target)
	}

	for _, unit := range in.Units {
		if err := ValidateUnitName(unit.Name); err != nil {
			return nil, err
		}
		if _, dup := ws.units[unit.Name]; dup {
			return nil, fmt.Errorf("duplicate generation unit %q", unit.Name)
		}

		var paths UnitPaths
		paths.HostOutput = scratch.Path("out", unit.Name)
		if err := os.MkdirAll(paths.HostOutput, 0o755); err != nil {
			return nil, fmt.Errorf("create staging output for %s: %w", unit.Name, err)
		}
		target, err := mounts.Bind("out-"+unit.Name, paths.HostOutput, false)
		if err != nil {
			return nil, err
		}
		paths.Output = target

		if unit.Manifest {
			dir := scratch.Path("manifest", unit.Name)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create staging manifest dir for %s: %w", unit.Name, err)
			}
			target, err := mounts.Bind("manifest-"+unit.Name, dir, false)
			if err != nil {
				return nil, err
			}
			paths.HostManifest = filepath.Join(dir, manifestFileName)
			paths.Manifest = joinVisible(mounts, target, manifestFileName)
		}
		ws.units[unit.Name] = paths
	}

	logger.Debug("workspace staged",
		"sources", len(ws.Sources),
		"search_dirs", len(ws.SearchDirs),
		"units", len(ws.units),
		"mounts", len(mounts.Mounts()),
	)
	return ws, nil
}

// joinVisible appends a relative slash path to an execution-visible directory.
func joinVisible(mounts *MountTable, dir, rel string) string {
	if mounts.Identity() {
		return filepath.Join(dir, filepath.FromSlash(rel))
	}
	return path.Join(dir, rel)
}
