package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"cochaviz/adlgen/internal/archive"
	"cochaviz/adlgen/internal/generator"
	"cochaviz/adlgen/internal/image"
	"cochaviz/adlgen/internal/platform"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "main", "adl", "adl", "test.adl"), "module adl.test {};")
	writeFile(t, filepath.Join(dir, "src", "main", "adl", "adl", "draft", "wip.adl"), "module adl.draft.wip {};")
	writeFile(t, filepath.Join(dir, "src", "main", "adl", "README.md"), "docs")
	writeFile(t, filepath.Join(dir, "deps", "common.zip"), "")
	if err := os.MkdirAll(filepath.Join(dir, "lib", "adl"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	configPath := filepath.Join(dir, "adlgen.yaml")
	writeFile(t, configPath, `version: "0.14"
platform: docker
imageBuildMode: REBUILD
timeout: 10m
sources: [src/main/adl]
exclude: ["**/draft/**"]
searchDirs: [lib/adl, deps/common.zip]
image:
  baseImage: ubuntu:22.04
docker:
  host: unix:///var/run/docker.sock
generations:
  - language: java
    outputDir: build/generated/java
    package: adl.test
    generateTransitive: true
    generateRuntime: true
    manifest: build/generated/manifest/adl-java
  - language: ts
    outputDir: build/generated/ts
    generateAst: false
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	req := cfg.Request

	if req.Version() != "0.14" || req.Platform() != platform.Container || req.BuildMode() != image.BuildRebuild {
		t.Fatalf("request = %s/%s/%s", req.Version(), req.Platform(), req.BuildMode())
	}
	if req.Timeout() != 10*time.Minute {
		t.Fatalf("Timeout() = %s, want 10m", req.Timeout())
	}
	if req.Template().BaseImage != "ubuntu:22.04" || req.Template().Repository != image.DefaultRepository {
		t.Fatalf("Template() = %+v", req.Template())
	}
	if cfg.Docker.Host != "unix:///var/run/docker.sock" {
		t.Fatalf("Docker.Host = %q", cfg.Docker.Host)
	}

	sources := req.Sources()
	if len(sources) != 1 || sources[0].Root != filepath.Join(dir, "src", "main", "adl") {
		t.Fatalf("Sources() = %+v", sources)
	}
	if diff := cmp.Diff([]string{"adl/test.adl"}, sources[0].Files); diff != "" {
		t.Fatalf("source files mismatch (-want +got):\n%s", diff)
	}

	wantSearch := []archive.Spec{
		{Path: filepath.Join(dir, "lib", "adl"), Kind: archive.KindDirectory},
		{Path: filepath.Join(dir, "deps", "common.zip"), Kind: archive.KindZip},
	}
	if diff := cmp.Diff(wantSearch, req.SearchDirs()); diff != "" {
		t.Fatalf("search dirs mismatch (-want +got):\n%s", diff)
	}

	units := req.Units()
	if len(units) != 2 {
		t.Fatalf("Units() = %d, want 2", len(units))
	}
	if units[0].Language() != generator.Java || units[0].OutputDir() != filepath.Join(dir, "build", "generated", "java") {
		t.Fatalf("java unit = %s %s", units[0].Language(), units[0].OutputDir())
	}
	if units[0].ManifestPath() != filepath.Join(dir, "build", "generated", "manifest", "adl-java") {
		t.Fatalf("java manifest = %q", units[0].ManifestPath())
	}
	if units[1].Name() != "typescript" || units[1].WantsManifest() {
		t.Fatalf("typescript unit = %s manifest=%v", units[1].Name(), units[1].WantsManifest())
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "adlgen.yaml")
	writeFile(t, configPath, "version: \"0.14\"\nlanguage: java\n")

	if _, err := Load(configPath); err == nil {
		t.Fatal("Load() error = nil, want error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Load() error = %v, want ErrNotExist", err)
	}
}

func TestParseInvalidValues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "a.adl"), "module a {};")
	base := "version: \"0.14\"\nsources: [src]\ngenerations: [{language: java, outputDir: out}]\n"

	cases := map[string]string{
		"platform":   base + "platform: vm\n",
		"build mode": base + "imageBuildMode: sometimes\n",
		"timeout":    base + "timeout: soon\n",
		"language":   "version: \"0.14\"\nsources: [src]\ngenerations: [{language: cobol, outputDir: out}]\n",
		"pattern":    base + "include: [\"[\"]\n",
		"search dir": base + "searchDirs: [notes.txt]\n",
	}
	writeFile(t, filepath.Join(dir, "notes.txt"), "")

	for name, content := range cases {
		if _, err := Parse([]byte(content), dir); err == nil {
			t.Fatalf("Parse(%s) error = nil, want error", name)
		}
	}

	cfg, err := Parse([]byte(base), dir)
	if err != nil {
		t.Fatalf("Parse(valid) error = %v", err)
	}
	if !cfg.PullImages {
		t.Fatal("PullImages = false, want true by default")
	}

	cfg, err = Parse([]byte(base+"imageBuildMode: discard-local\nimage: {pull: false}\n"), dir)
	if err != nil {
		t.Fatalf("Parse(no pull) error = %v", err)
	}
	if cfg.PullImages || cfg.Request.BuildMode() != image.BuildDiscardLocal {
		t.Fatalf("PullImages = %v, BuildMode() = %s", cfg.PullImages, cfg.Request.BuildMode())
	}
}
