package workspace

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// Mount binds a host directory to the path the compiler sees.
type Mount struct {
	Label    string
	Host     string
	Target   string
	ReadOnly bool
}

// MountTable translates between host paths and execution-visible paths. For the
// container platform every host directory maps to exactly one target and back.
type MountTable struct {
	base     string
	identity bool

	mu       sync.RWMutex
	mounts   []Mount
	byHost   map[string]int
	byTarget map[string]int
}

// NewIdentityTable returns a table that leaves paths untouched.
func NewIdentityTable() *MountTable {
	return &MountTable{identity: true, byHost: map[string]int{}, byTarget: map[string]int{}}
}

// NewContainerTable returns a table placing mounts under base, e.g. /data.
func NewContainerTable(base string) *MountTable {
	return &MountTable{base: path.Clean(base), byHost: map[string]int{}, byTarget: map[string]int{}}
}

// Identity reports whether the table passes paths through.
func (t *MountTable) Identity() bool {
	return t.identity
}

// Bind registers host under label and returns its execution-visible path. Binding
// an already registered host returns the existing target; a writable binding wins
// over a read-only one.
func (t *MountTable) Bind(label, host string, readOnly bool) (string, error) {
	host = filepath.Clean(host)
	if !filepath.IsAbs(host) {
		return "", fmt.Errorf("mount %s: host path %q is not absolute", label, host)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if idx, ok := t.byHost[host]; ok {
		if !readOnly {
			t.mounts[idx].ReadOnly = false
		}
		return t.mounts[idx].Target, nil
	}

	target := host
	if !t.identity {
		if label == "" || strings.ContainsAny(label, "/\\") || label == "." || label == ".." {
			return "", fmt.Errorf("invalid mount label %q", label)
		}
		target = path.Join(t.base, label)
	}
	if _, taken := t.byTarget[target]; taken {
		return "", fmt.Errorf("mount target %s is already bound", target)
	}

	t.mounts = append(t.mounts, Mount{Label: label, Host: host, Target: target, ReadOnly: readOnly})
	t.byHost[host] = len(t.mounts) - 1
	t.byTarget[target] = len(t.mounts) - 1
	return target, nil
}

// ToTarget maps a host path inside any bound directory to its execution-visible path.
func (t *MountTable) ToTarget(host string) (string, error) {
	if t.identity {
		return host, nil
	}
	host = filepath.Clean(host)

	t.mu.RLock()
	defer t.mu.RUnlock()

	best := -1
	var bestRel string
	for i, mount := range t.mounts {
		rel, ok := within(mount.Host, host, filepath.Separator)
		if ok && (best < 0 || len(mount.Host) > len(t.mounts[best].Host)) {
			best, bestRel = i, rel
		}
	}
	if best < 0 {
		return "", fmt.Errorf("host path %s is not inside any mount", host)
	}
	return path.Join(t.mounts[best].Target, filepath.ToSlash(bestRel)), nil
}

// ToHost maps an execution-visible path back to the host.
func (t *MountTable) ToHost(target string) (string, error) {
	if t.identity {
		return target, nil
	}
	target = path.Clean(target)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, mount := range t.mounts {
		if rel, ok := within(mount.Target, target, '/'); ok {
			return filepath.Join(mount.Host, filepath.FromSlash(rel)), nil
		}
	}
	return "", fmt.Errorf("path %s is not inside any mount", target)
}

// Mounts returns the bindings in registration order.
func (t *MountTable) Mounts() []Mount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Mount(nil), t.mounts...)
}

// within reports whether p equals dir or lies beneath it, returning the remainder.
func within(dir, p string, sep byte) (string, bool) {
	if p == dir {
		return "", true
	}
	prefix := dir
	if !strings.HasSuffix(prefix, string(sep)) {
		prefix += string(sep)
	}
	if strings.HasPrefix(p, prefix) {
		return p[len(prefix):], true
	}
	return "", false
}
