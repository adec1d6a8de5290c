package output

import (
	"fmt"
	"strings"
)

// ManifestEntry maps one generated file to the schema module it came from.
// Module is empty for files that do not originate from a source module, such
// as runtime support code.
type ManifestEntry struct {
	Path   string `json:"path"`
	Module string `json:"module"`
}

// Manifest lists the files a generation unit produced.
type Manifest struct {
	Unit     string          `json:"unit"`
	Language string          `json:"language"`
	Files    []ManifestEntry `json:"files"`
}

// Pending is a unit's output staged for commit.
type Pending struct {
	Unit         string
	OutputDir    string
	ManifestPath string
	Manifest     Manifest

	staging string
}

// Committed describes output that reached its final location.
type Committed struct {
	Unit         string
	OutputDir    string
	Files        []string
	ManifestPath string
}

// CommitError reports a commit that was rolled back. No unit's final output
// directory was changed.
type CommitError struct {
	Unit string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit output of %s: %v", e.Unit, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// UnitFailedError is returned when output of a failed unit is staged.
type UnitFailedError struct {
	Unit string
	Err  error
}

func (e *UnitFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unit %s did not succeed", e.Unit)
	}
	return fmt.Sprintf("unit %s did not succeed: %v", e.Unit, e.Err)
}

func (e *UnitFailedError) Unwrap() error {
	return e.Err
}

// ModuleName returns the dotted module name of a schema file path relative to
// its source root, e.g. "sys/types.adl" is "sys.types".
func ModuleName(rel string) string {
	rel = strings.TrimSuffix(strings.ReplaceAll(rel, "\\", "/"), ".adl")
	return strings.ReplaceAll(strings.Trim(rel, "/"), "/", ".")
}
