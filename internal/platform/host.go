package platform

import (
	"fmt"
	"runtime"
	"strings"
)

// OS is a normalized host operating system name.
type OS string

const (
	Linux   OS = "linux"
	MacOS   OS = "macos"
	Windows OS = "windows"
)

// Arch is a normalized host architecture name.
type Arch string

const (
	AMD64 Arch = "amd64"
	ARM64 Arch = "arm64"
	I386  Arch = "386"
)

// Host identifies the machine a run executes on.
type Host struct {
	OS   OS
	Arch Arch
}

// ContainerHost is the machine presented by compiler images.
var ContainerHost = Host{OS: Linux, Arch: AMD64}

// CurrentHost reports the host the process is running on.
func CurrentHost() Host {
	return Host{
		OS:   NormalizeOS(runtime.GOOS),
		Arch: NormalizeArch(runtime.GOARCH),
	}
}

// SupportsNative reports whether the compiler can run as a local process on h.
func (h Host) SupportsNative() bool {
	switch h.OS {
	case Linux, MacOS:
		return true
	default:
		return false
	}
}

func (h Host) String() string {
	return fmt.Sprintf("%s/%s", h.OS, h.Arch)
}

// NormalizeOS maps GOOS values and common aliases onto an OS.
func NormalizeOS(value string) OS {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "linux":
		return Linux
	case "darwin", "macos", "osx", "mac":
		return MacOS
	case "windows", "win32", "win":
		return Windows
	default:
		return OS(normalized)
	}
}

// NormalizeArch maps GOARCH values and common aliases onto an Arch.
func NormalizeArch(value string) Arch {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "amd64", "x86_64", "x86-64", "x64":
		return AMD64
	case "arm64", "aarch64":
		return ARM64
	case "386", "i386", "i686", "x86":
		return I386
	default:
		return Arch(normalized)
	}
}
