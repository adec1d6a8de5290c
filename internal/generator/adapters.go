package generator

import (
	"context"

	"cochaviz/adlgen/internal/workspace"
)

// Stream identifies a compiler output stream.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Execution is one compiler run handed to a Runner.
type Execution struct {
	Unit   string
	Args   []string
	Mounts []workspace.Mount
	// Output is called for every line as the compiler produces it. It may be
	// called from several goroutines.
	Output func(stream Stream, line string)
}

// Runner executes the compiler on one platform. It returns the exit code; a
// non-nil error means the compiler could not be run or waited for at all.
type Runner interface {
	Run(ctx context.Context, execution Execution) (int, error)
}
