package output

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"cochaviz/adlgen/internal/generator"
	"cochaviz/adlgen/internal/logging"
	"cochaviz/adlgen/internal/workspace"
)

// Collector moves staged compiler output into the declared output directories.
type Collector struct {
	Logger *slog.Logger

	// modules holds slash-separated module paths, longest first.
	modules []string
}

// NewCollector returns a Collector that attributes generated files to the
// schema modules found in sources.
func NewCollector(sources []workspace.SourceSet, logger *slog.Logger) *Collector {
	seen := make(map[string]bool)
	var modules []string
	for _, set := range sources {
		for _, file := range set.Files {
			module := strings.ReplaceAll(ModuleName(file), ".", "/")
			if module == "" || seen[module] {
				continue
			}
			seen[module] = true
			modules = append(modules, module)
		}
	}
	sort.Slice(modules, func(i, j int) bool {
		if len(modules[i]) != len(modules[j]) {
			return len(modules[i]) > len(modules[j])
		}
		return modules[i] < modules[j]
	})
	return &Collector{Logger: logging.Component(logger, "output"), modules: modules}
}

// Stage prepares the output of a successful unit for commit. Nothing outside
// the workspace is touched.
func (c *Collector) Stage(result generator.Result, unit generator.Unit, ws *workspace.Workspace) (Pending, error) {
	if !result.Success || result.Err != nil {
		return Pending{}, &UnitFailedError{Unit: unit.Name(), Err: result.Err}
	}
	paths, err := ws.Unit(unit.Name())
	if err != nil {
		return Pending{}, err
	}

	files := result.Files
	if paths.HostManifest != "" {
		listed, err := readLineManifest(paths.HostManifest)
		switch {
		case err == nil:
			files = listed
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Pending{}, fmt.Errorf("read compiler manifest of %s: %w", unit.Name(), err)
		}
	}

	manifest := Manifest{
		Unit:     unit.Name(),
		Language: string(unit.Language()),
		Files:    make([]ManifestEntry, 0, len(files)),
	}
	runtime := unit.RuntimePath()
	for _, file := range files {
		module := ""
		if runtime == "" || !hasPathPrefix(file, runtime) {
			module = c.moduleOf(file)
		}
		manifest.Files = append(manifest.Files, ManifestEntry{Path: file, Module: module})
	}

	return Pending{
		Unit:         unit.Name(),
		OutputDir:    unit.OutputDir(),
		ManifestPath: unit.ManifestPath(),
		Manifest:     manifest,
		staging:      paths.HostOutput,
	}, nil
}

// moduleOf finds the longest module whose path ends the file's directory or
// the file path without its extension.
func (c *Collector) moduleOf(file string) string {
	dir := path.Dir(file)
	stem := strings.TrimSuffix(file, path.Ext(file))
	for _, module := range c.modules {
		if hasPathSuffix(dir, module) || hasPathSuffix(stem, module) {
			return strings.ReplaceAll(module, "/", ".")
		}
	}
	return ""
}

func hasPathSuffix(p, suffix string) bool {
	return p == suffix || strings.HasSuffix(p, "/"+suffix)
}

func hasPathPrefix(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// readLineManifest reads a manifest written by the compiler: one generated
// path per line, relative to the output directory.
func readLineManifest(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var files []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		files = append(files, filepath.ToSlash(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

type commitPlan struct {
	pending      Pending
	tmpDir       string
	tmpManifest  string
	oldDir       string
	oldManifest  string
	dirDone      bool
	manifestDone bool
}

// CommitAll commits every pending output or none. All trees are first copied
// next to their final location; only then are they renamed into place. Any
// failure restores the previous state of every output directory.
func (c *Collector) CommitAll(pending []Pending) ([]Committed, error) {
	logger := logging.Ensure(c.Logger)
	id := uuid.NewString()

	plans := make([]*commitPlan, 0, len(pending))
	for _, p := range pending {
		plans = append(plans, &commitPlan{pending: p})
	}

	for _, plan := range plans {
		if err := c.prepare(plan, id); err != nil {
			return nil, errors.Join(&CommitError{Unit: plan.pending.Unit, Err: err}, discard(plans))
		}
	}

	for _, plan := range plans {
		if err := swap(plan, id); err != nil {
			return nil, errors.Join(&CommitError{Unit: plan.pending.Unit, Err: err}, rollback(plans), discard(plans))
		}
	}

	var cleanupErr error
	committed := make([]Committed, 0, len(plans))
	for _, plan := range plans {
		if plan.oldDir != "" {
			cleanupErr = errors.Join(cleanupErr, os.RemoveAll(plan.oldDir))
		}
		if plan.oldManifest != "" {
			cleanupErr = errors.Join(cleanupErr, os.Remove(plan.oldManifest))
		}
		files := make([]string, 0, len(plan.pending.Manifest.Files))
		for _, entry := range plan.pending.Manifest.Files {
			files = append(files, entry.Path)
		}
		committed = append(committed, Committed{
			Unit:         plan.pending.Unit,
			OutputDir:    plan.pending.OutputDir,
			Files:        files,
			ManifestPath: plan.pending.ManifestPath,
		})
		logger.Info("output committed", "unit", plan.pending.Unit, "dir", plan.pending.OutputDir, "files", len(files))
	}
	if cleanupErr != nil {
		logger.Warn("failed to remove replaced output", "error", cleanupErr)
	}
	return committed, nil
}

func (c *Collector) prepare(plan *commitPlan, id string) error {
	p := plan.pending
	if err := os.MkdirAll(filepath.Dir(p.OutputDir), 0o755); err != nil {
		return err
	}
	plan.tmpDir = p.OutputDir + ".adlgen-" + id
	if err := os.CopyFS(plan.tmpDir, os.DirFS(p.staging)); err != nil {
		return fmt.Errorf("copy %s: %w", p.staging, err)
	}

	if p.ManifestPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.ManifestPath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p.Manifest, "", "  ")
	if err != nil {
		return err
	}
	plan.tmpManifest = p.ManifestPath + ".adlgen-" + id
	return os.WriteFile(plan.tmpManifest, append(data, '\n'), 0o644)
}

func swap(plan *commitPlan, id string) error {
	p := plan.pending
	if _, err := os.Lstat(p.OutputDir); err == nil {
		plan.oldDir = p.OutputDir + ".adlgen-old-" + id
		if err := os.Rename(p.OutputDir, plan.oldDir); err != nil {
			plan.oldDir = ""
			return err
		}
	}
	if err := os.Rename(plan.tmpDir, p.OutputDir); err != nil {
		return err
	}
	plan.dirDone = true

	if plan.tmpManifest == "" {
		return nil
	}
	if _, err := os.Lstat(p.ManifestPath); err == nil {
		plan.oldManifest = p.ManifestPath + ".adlgen-old-" + id
		if err := os.Rename(p.ManifestPath, plan.oldManifest); err != nil {
			plan.oldManifest = ""
			return err
		}
	}
	if err := os.Rename(plan.tmpManifest, p.ManifestPath); err != nil {
		return err
	}
	plan.manifestDone = true
	return nil
}

func rollback(plans []*commitPlan) error {
	var errs error
	for _, plan := range plans {
		p := plan.pending
		if plan.manifestDone {
			errs = errors.Join(errs, os.Remove(p.ManifestPath))
		}
		if plan.oldManifest != "" {
			errs = errors.Join(errs, os.Rename(plan.oldManifest, p.ManifestPath))
		}
		if plan.dirDone {
			errs = errors.Join(errs, os.RemoveAll(p.OutputDir))
		}
		if plan.oldDir != "" {
			errs = errors.Join(errs, os.Rename(plan.oldDir, p.OutputDir))
		}
	}
	return errs
}

// discard removes copies that were never renamed into place.
func discard(plans []*commitPlan) error {
	var errs error
	for _, plan := range plans {
		if plan.tmpDir != "" && !plan.dirDone {
			errs = errors.Join(errs, os.RemoveAll(plan.tmpDir))
		}
		if plan.tmpManifest != "" && !plan.manifestDone {
			if err := os.Remove(plan.tmpManifest); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = errors.Join(errs, err)
			}
		}
	}
	return errs
}
