package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"cochaviz/adlgen/internal/logging"
)

// Resolver turns search path specs into directories, extracting each distinct
// archive at most once into its scratch directory.
type Resolver struct {
	ScratchDir string
	Logger     *slog.Logger

	mu          sync.Mutex
	extractions map[string]*extraction
	extracted   int
}

type extraction struct {
	done chan struct{}
	dir  string
	err  error
}

// NewResolver returns a Resolver extracting under scratchDir.
func NewResolver(scratchDir string, logger *slog.Logger) *Resolver {
	return &Resolver{
		ScratchDir: scratchDir,
		Logger:     logging.Component(logger, "archive"),
	}
}

// Resolve returns the directory to search for spec. Directories pass through as
// given. An archive with no entries resolves to "".
func (r *Resolver) Resolve(ctx context.Context, spec Spec) (string, error) {
	if !spec.IsArchive() {
		return spec.Path, nil
	}
	if r.ScratchDir == "" {
		return "", errors.New("archive scratch directory is not configured")
	}

	fingerprint, err := Fingerprint(spec.Path)
	if err != nil {
		return "", &ArchiveFormatError{Path: spec.Path, Reason: "cannot read archive", Err: err}
	}

	r.mu.Lock()
	if r.extractions == nil {
		r.extractions = make(map[string]*extraction)
	}
	entry, found := r.extractions[fingerprint]
	if !found {
		entry = &extraction{done: make(chan struct{})}
		r.extractions[fingerprint] = entry
	}
	r.mu.Unlock()

	if found {
		select {
		case <-entry.done:
			return entry.dir, entry.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	entry.dir, entry.err = r.extract(ctx, spec, fingerprint)
	close(entry.done)
	// Cancelled extractions are not cached.
	if entry.err != nil && ctx.Err() != nil {
		r.mu.Lock()
		delete(r.extractions, fingerprint)
		r.mu.Unlock()
	}
	return entry.dir, entry.err
}

// ResolveAll resolves specs in order. Archives without entries are left out.
func (r *Resolver) ResolveAll(ctx context.Context, specs []Spec) ([]string, error) {
	dirs := make([]string, 0, len(specs))
	for _, spec := range specs {
		dir, err := r.Resolve(ctx, spec)
		if err != nil {
			return nil, err
		}
		if dir == "" {
			logging.Ensure(r.Logger).Warn("archive is empty, omitting from search path", "archive", spec.Path)
			continue
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}

// Extractions reports how many archives have actually been unpacked.
func (r *Resolver) Extractions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extracted
}

func (r *Resolver) extract(ctx context.Context, spec Spec, fingerprint string) (string, error) {
	dest := filepath.Join(r.ScratchDir, fingerprint[:16])
	logger := logging.Ensure(r.Logger).With("archive", spec.Path, "kind", spec.Kind)
	logger.Debug("extracting archive", "dest", dest)

	if err := Extract(ctx, spec.Path, spec.Kind, dest); err != nil {
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			err = errors.Join(err, fmt.Errorf("remove partial extraction: %w", rmErr))
		}
		return "", err
	}

	r.mu.Lock()
	r.extracted++
	r.mu.Unlock()

	root, err := searchRoot(dest)
	if err != nil {
		return "", err
	}
	logger.Info("archive extracted", "root", root)
	return root, nil
}

// searchRoot picks the directory to search inside an extraction: the single
// top-level directory if there is one, "" for an empty archive, dest otherwise.
func searchRoot(dest string) (string, error) {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return "", err
	}
	switch {
	case len(entries) == 0:
		return "", nil
	case len(entries) == 1 && entries[0].IsDir():
		return filepath.Join(dest, entries[0].Name()), nil
	default:
		return dest, nil
	}
}

// Fingerprint identifies an archive by its absolute path, size and modification time.
func Fingerprint(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", abs)
	}

	sum := sha256.New()
	sum.Write([]byte(abs))
	sum.Write([]byte{0})
	sum.Write([]byte(strconv.FormatInt(info.Size(), 10)))
	sum.Write([]byte{0})
	sum.Write([]byte(strconv.FormatInt(info.ModTime().UnixNano(), 10)))
	return hex.EncodeToString(sum.Sum(nil)), nil
}
