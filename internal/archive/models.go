package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind identifies how a search path entry is stored.
type Kind string

const (
	KindDirectory Kind = "directory"
	KindZip       Kind = "zip"
	KindTar       Kind = "tar"
	KindISO       Kind = "iso"
)

// Spec is one entry of the compiler search path.
type Spec struct {
	Path string `yaml:"path" json:"path"`
	Kind Kind   `yaml:"kind" json:"kind"`
}

// Directory returns a Spec for a plain directory.
func Directory(path string) Spec {
	return Spec{Path: path, Kind: KindDirectory}
}

// Archive returns a Spec for an archive of the given kind.
func Archive(path string, kind Kind) Spec {
	return Spec{Path: path, Kind: kind}
}

// IsArchive reports whether the spec needs extraction.
func (s Spec) IsArchive() bool {
	return s.Kind != KindDirectory
}

func (s Spec) String() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.Path)
}

// Detect stats path and infers its Kind from the file type and name.
func Detect(path string) (Spec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Spec{}, err
	}
	if info.IsDir() {
		return Directory(path), nil
	}

	kind, ok := KindForName(path)
	if !ok {
		return Spec{}, &ArchiveFormatError{Path: path, Reason: "unsupported archive type"}
	}
	return Archive(path, kind), nil
}

// KindForName infers an archive kind from a file name.
func KindForName(name string) (Kind, bool) {
	lower := strings.ToLower(filepath.Base(name))
	switch {
	case strings.HasSuffix(lower, ".zip"), strings.HasSuffix(lower, ".jar"):
		return KindZip, true
	case strings.HasSuffix(lower, ".tar"), strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return KindTar, true
	case strings.HasSuffix(lower, ".iso"):
		return KindISO, true
	default:
		return "", false
	}
}

// ArchiveFormatError reports an archive that is corrupt, unsupported or unsafe to extract.
type ArchiveFormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ArchiveFormatError) Error() string {
	msg := fmt.Sprintf("archive %s: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ArchiveFormatError) Unwrap() error {
	return e.Err
}
