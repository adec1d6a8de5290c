package image

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// BuildMode governs when the Manager builds an image.
type BuildMode string

const (
	// BuildIfNotPresent builds only when the engine has no image for the key.
	BuildIfNotPresent BuildMode = "if-not-present"
	// BuildRebuild always builds and moves the tag to the new image.
	BuildRebuild BuildMode = "rebuild"
	// BuildDiscardLocal drops an existing image that was built locally, then pulls
	// or builds it again. Images that came from a registry are kept.
	BuildDiscardLocal BuildMode = "discard-local"
	// BuildNever fails when the image is missing.
	BuildNever BuildMode = "never"
)

// ParseBuildMode accepts the kebab-case names and their upper snake-case spellings.
func ParseBuildMode(value string) (BuildMode, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(value), "_", "-"))
	switch normalized {
	case "", string(BuildIfNotPresent), "use-existing":
		return BuildIfNotPresent, nil
	case string(BuildRebuild):
		return BuildRebuild, nil
	case string(BuildDiscardLocal):
		return BuildDiscardLocal, nil
	case string(BuildNever):
		return BuildNever, nil
	default:
		return "", fmt.Errorf("unknown image build mode %q (supported: if-not-present, rebuild, discard-local, never)", value)
	}
}

const (
	DefaultBaseImage  = "ubuntu:20.04"
	DefaultRepository = "adl/adlc"
	DefaultInstallDir = "/opt/adl"
)

// Template describes how a compiler image is assembled.
type Template struct {
	BaseImage  string
	Repository string
	InstallDir string
	Labels     map[string]string
	Commands   []string
}

// NewTemplate fills defaults and validates the result.
func NewTemplate(baseImage, repository string, labels map[string]string, commands []string) (Template, error) {
	t := Template{
		BaseImage:  baseImage,
		Repository: repository,
		InstallDir: DefaultInstallDir,
		Labels:     make(map[string]string, len(labels)),
		Commands:   append([]string(nil), commands...),
	}
	if t.BaseImage == "" {
		t.BaseImage = DefaultBaseImage
	}
	if t.Repository == "" {
		t.Repository = DefaultRepository
	}
	for k, v := range labels {
		t.Labels[k] = v
	}
	return t, t.Validate()
}

// DefaultTemplate is the stock ubuntu-based compiler image.
func DefaultTemplate() Template {
	t, _ := NewTemplate("", "", nil, nil)
	return t
}

// Validate checks that the template renders to a usable Dockerfile.
func (t Template) Validate() error {
	switch {
	case strings.TrimSpace(t.BaseImage) == "":
		return errors.New("image template: base image is required")
	case strings.TrimSpace(t.Repository) == "" || strings.Contains(t.Repository, ":"):
		return fmt.Errorf("image template: invalid repository %q", t.Repository)
	case !path.IsAbs(t.InstallDir):
		return fmt.Errorf("image template: install dir %q must be absolute", t.InstallDir)
	}
	for key := range t.Labels {
		if key == "" || strings.ContainsAny(key, " \t\n\"=") {
			return fmt.Errorf("image template: invalid label key %q", key)
		}
	}
	for _, command := range t.Commands {
		if strings.Contains(command, "\n") {
			return errors.New("image template: commands must be single lines")
		}
	}
	return nil
}

// Entrypoint is the compiler path inside images built from t.
func (t Template) Entrypoint() string {
	return path.Join(t.InstallDir, "bin", "adlc")
}

// Dockerfile renders the template.
func (t Template) Dockerfile() string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", t.BaseImage)

	keys := make([]string, 0, len(t.Labels))
	for key := range t.Labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "LABEL %s=%q\n", key, t.Labels[key])
	}

	fmt.Fprintf(&b, "COPY tool/ %s\n", t.InstallDir)
	for _, command := range t.Commands {
		fmt.Fprintf(&b, "RUN %s\n", command)
	}
	fmt.Fprintf(&b, "ENTRYPOINT [%q]\n", t.Entrypoint())
	return b.String()
}

// Key identifies the image for version built from t.
func Key(version string, t Template) string {
	sum := sha256.New()
	sum.Write([]byte(version))
	sum.Write([]byte{0})
	sum.Write([]byte(t.Dockerfile()))
	return hex.EncodeToString(sum.Sum(nil))
}

// Reference names an ensured image.
type Reference struct {
	Name       string
	Key        string
	Version    string
	Entrypoint string
	// Built is set when this call produced the image rather than finding it.
	Built bool
	// Pulled is set when this call fetched the image from a registry.
	Pulled bool
}

// Record is the persisted metadata of a built image.
type Record struct {
	ID        string            `json:"id"`
	Reference string            `json:"reference"`
	ImageID   string            `json:"image_id,omitempty"`
	Key       string            `json:"key"`
	Version   string            `json:"version"`
	BaseImage string            `json:"base_image"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ImageMissingError is returned in BuildNever mode when the image does not exist.
type ImageMissingError struct {
	Reference string
}

func (e *ImageMissingError) Error() string {
	return fmt.Sprintf("image %s is not present and image build mode is %q", e.Reference, BuildNever)
}

// ImageBuildError reports a failed build with the tail of its log.
type ImageBuildError struct {
	Reference string
	LogTail   []string
	Err       error
}

func (e *ImageBuildError) Error() string {
	msg := fmt.Sprintf("build image %s: %v", e.Reference, e.Err)
	if len(e.LogTail) > 0 {
		msg += "\n" + strings.Join(e.LogTail, "\n")
	}
	return msg
}

func (e *ImageBuildError) Unwrap() error {
	return e.Err
}
