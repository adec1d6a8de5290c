package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"cochaviz/adlgen/internal/workspace"
)

// DefaultInclude selects every schema file below a source directory.
const DefaultInclude = "**/*.adl"

// CollectSources expands include patterns below each root and drops files
// matching an exclude pattern. Files are sorted within each root.
func CollectSources(roots, include, exclude []string) ([]workspace.SourceSet, error) {
	if len(include) == 0 {
		include = []string{DefaultInclude}
	}
	for _, pattern := range append(append([]string(nil), include...), exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid source pattern %q", pattern)
		}
	}

	sets := make([]workspace.SourceSet, 0, len(roots))
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("source directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("source %s is not a directory", root)
		}

		fsys := os.DirFS(root)
		seen := make(map[string]bool)
		var files []string
		for _, pattern := range include {
			matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
			if err != nil {
				return nil, fmt.Errorf("expand %q in %s: %w", pattern, root, err)
			}
			for _, match := range matches {
				if seen[match] || excluded(match, exclude) {
					continue
				}
				seen[match] = true
				files = append(files, match)
			}
		}
		sort.Strings(files)
		sets = append(sets, workspace.SourceSet{Root: root, Files: files})
	}
	return sets, nil
}

func excluded(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

