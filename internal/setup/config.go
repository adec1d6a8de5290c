package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const appName = "adlgen"

// Dirs are the locations adlgen keeps state in.
type Dirs struct {
	// Distributions holds compiler release archives and their installations.
	Distributions string
	// Images holds records of built compiler images.
	Images string
	// Scratch holds per-run scratch directories.
	Scratch string
}

// DefaultDirs places state under the user cache directory and scratch space
// under the system temp directory. ADLGEN_CACHE_DIR overrides the cache root.
func DefaultDirs() (Dirs, error) {
	cache := os.Getenv("ADLGEN_CACHE_DIR")
	if cache == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return Dirs{}, fmt.Errorf("locate cache directory: %w", err)
		}
		cache = filepath.Join(base, appName)
	}
	return DirsAt(cache), nil
}

// DirsAt returns the layout rooted at cache.
func DirsAt(cache string) Dirs {
	return Dirs{
		Distributions: filepath.Join(cache, "distributions"),
		Images:        filepath.Join(cache, "images"),
		Scratch:       filepath.Join(os.TempDir(), appName),
	}
}

func (d Dirs) all() []string {
	return []string{d.Distributions, d.Images, d.Scratch}
}

// Init creates every directory in d.
func Init(d Dirs) error {
	for _, dir := range d.all() {
		getLogger().Info("creating directory", "path", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Verify checks that every directory in d exists.
func Verify(d Dirs) error {
	var errs error
	for _, dir := range d.all() {
		info, err := os.Stat(dir)
		switch {
		case err != nil:
			errs = errors.Join(errs, fmt.Errorf("directory %s does not exist", dir))
		case !info.IsDir():
			errs = errors.Join(errs, fmt.Errorf("%s is not a directory", dir))
		}
	}
	return errs
}

// Clear removes the image records and leftover scratch directories. Compiler
// distributions are kept.
func Clear(d Dirs) error {
	getLogger().Info("clearing cached state")

	for _, dir := range []string{d.Images, d.Scratch} {
		if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}
