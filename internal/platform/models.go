package platform

import (
	"fmt"
	"strings"
)

// ExecutionPlatform selects where the compiler runs.
type ExecutionPlatform string

const (
	Native    ExecutionPlatform = "native"
	Container ExecutionPlatform = "container"
	Auto      ExecutionPlatform = "auto"
)

// Parse returns the ExecutionPlatform named by value. The empty string means Auto.
func Parse(value string) (ExecutionPlatform, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(Auto):
		return Auto, nil
	case string(Native):
		return Native, nil
	case string(Container), "docker":
		return Container, nil
	default:
		return "", fmt.Errorf("unknown execution platform %q (supported: auto, native, container)", value)
	}
}

// IsConcrete reports whether p names an actual execution target.
func (p ExecutionPlatform) IsConcrete() bool {
	return p == Native || p == Container
}

func (p ExecutionPlatform) String() string {
	return string(p)
}

// UnsupportedPlatformError reports a native run requested on a host that cannot run the compiler.
type UnsupportedPlatformError struct {
	Host Host
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("native execution is not supported on %s (supported: linux, macos)", e.Host)
}
