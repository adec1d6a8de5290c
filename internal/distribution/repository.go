package distribution

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/google/uuid"

	"cochaviz/adlgen/internal/archive"
	"cochaviz/adlgen/internal/logging"
	"cochaviz/adlgen/internal/platform"
)

// ErrNotFound is returned when no distribution matches the requested version and host.
var ErrNotFound = errors.New("compiler distribution not found")

var versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateVersion rejects version strings that cannot be used in paths and image tags.
// Image tags do not allow '+', so semver build metadata is rejected too.
func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		return fmt.Errorf("invalid compiler version %q", version)
	}
	return nil
}

// LocalRepository keeps compiler distributions under BaseDir. Installed trees live
// in adl-<version>-<os>-<arch>, release archives in adl-bindist-<version>-<os>.zip.
// Archives missing from BaseDir are fetched through Releases when it is set.
type LocalRepository struct {
	BaseDir  string
	Releases ReleaseSource
	Logger   *slog.Logger
}

// InstallDir returns where the distribution for version and host is unpacked.
func (r *LocalRepository) InstallDir(version string, host platform.Host) string {
	return filepath.Join(r.BaseDir, fmt.Sprintf("adl-%s-%s-%s", version, releaseOS(host.OS), host.Arch))
}

// Archive returns the release archive for version and host, downloading it into
// BaseDir first when it is missing and Releases is set.
func (r *LocalRepository) Archive(ctx context.Context, version string, host platform.Host) (string, error) {
	path, err := r.localArchive(version, host)
	if err == nil || !errors.Is(err, ErrNotFound) || r.Releases == nil {
		return path, err
	}

	path = r.archivePath(version, host)
	if err := r.Releases.Download(ctx, version, releaseOS(host.OS), path); err != nil {
		return "", err
	}
	return path, nil
}

func (r *LocalRepository) localArchive(version string, host platform.Host) (string, error) {
	if err := ValidateVersion(version); err != nil {
		return "", err
	}
	if err := checkReleaseHost(host); err != nil {
		return "", err
	}

	path := r.archivePath(version, host)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", err
	}
	return path, nil
}

func (r *LocalRepository) archivePath(version string, host platform.Host) string {
	return filepath.Join(r.BaseDir, archiveName(version, releaseOS(host.OS)))
}

// NativeBinary returns the compiler executable for version on host, unpacking the
// release archive first when only the archive is present.
func (r *LocalRepository) NativeBinary(ctx context.Context, version string, host platform.Host) (string, error) {
	if err := ValidateVersion(version); err != nil {
		return "", err
	}

	binary := binaryPath(r.InstallDir(version, host))
	if isExecutable(binary) {
		return binary, nil
	}
	if _, err := r.Install(ctx, version, host); err != nil {
		return "", err
	}
	if !isExecutable(binary) {
		return "", fmt.Errorf("%w: %s is not executable", ErrNotFound, binary)
	}
	return binary, nil
}

// Probe reports whether a native compiler is installed or installable from a cached
// archive for host. It only inspects the file system and never downloads.
func (r *LocalRepository) Probe(_ context.Context, version string, host platform.Host) (bool, error) {
	if err := ValidateVersion(version); err != nil {
		return false, err
	}
	if isExecutable(binaryPath(r.InstallDir(version, host))) {
		return true, nil
	}
	if checkReleaseHost(host) != nil {
		return false, nil
	}
	if _, err := r.localArchive(version, host); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Install unpacks the release archive into InstallDir, fetching the archive first
// if needed. The tree is assembled in a
// temporary sibling and renamed into place, so readers never see a partial install.
func (r *LocalRepository) Install(ctx context.Context, version string, host platform.Host) (string, error) {
	archivePath, err := r.Archive(ctx, version, host)
	if err != nil {
		return "", err
	}

	target := r.InstallDir(version, host)
	logger := logging.Component(r.Logger, "distribution").With("version", version, "host", host.String())

	staging := target + ".tmp-" + uuid.NewString()
	if err := archive.Extract(ctx, archivePath, archive.KindZip, staging); err != nil {
		return "", errors.Join(fmt.Errorf("unpack %s: %w", archivePath, err), os.RemoveAll(staging))
	}

	root := staging
	if nested := filepath.Join(staging, filepath.Base(target)); isDir(nested) {
		root = nested
	}

	if err := os.Rename(root, target); err != nil {
		rmErr := os.RemoveAll(staging)
		if isDir(target) {
			// Another installer won the race.
			return target, rmErr
		}
		return "", errors.Join(fmt.Errorf("install %s: %w", target, err), rmErr)
	}
	if err := os.RemoveAll(staging); err != nil {
		logger.Warn("failed to remove install staging directory", "path", staging, "error", err)
	}

	logger.Info("compiler distribution installed", "path", target)
	return target, nil
}

// Installed lists the versions unpacked for host, newest first.
func (r *LocalRepository) Installed(host platform.Host) ([]string, error) {
	entries, err := os.ReadDir(r.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	prefix := "adl-"
	suffix := fmt.Sprintf("-%s-%s", releaseOS(host.OS), host.Arch)
	var versions []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		version := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		if ValidateVersion(version) == nil {
			versions = append(versions, version)
		}
	}
	SortVersions(versions)
	return versions, nil
}

// SortVersions orders versions newest first. Semantic versions compare by
// precedence and sort ahead of opaque identifiers, which compare lexically.
func SortVersions(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		vi, errI := semver.ParseTolerant(versions[i])
		vj, errJ := semver.ParseTolerant(versions[j])
		switch {
		case errI == nil && errJ == nil:
			return vi.GT(vj)
		case errI == nil:
			return true
		case errJ == nil:
			return false
		default:
			return versions[i] > versions[j]
		}
	})
}

func binaryPath(installDir string) string {
	return filepath.Join(installDir, "bin", "adlc")
}

func releaseOS(name platform.OS) string {
	if name == platform.MacOS {
		return "osx"
	}
	return string(name)
}

// checkReleaseHost reports whether compiler releases are published for host.
func checkReleaseHost(host platform.Host) error {
	if host.Arch != platform.AMD64 || !host.SupportsNative() {
		return fmt.Errorf("%w: no release for %s", ErrNotFound, host)
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
