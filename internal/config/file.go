// Package config reads generation run files and turns them into validated
// engine requests.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cochaviz/adlgen/internal/archive"
	"cochaviz/adlgen/internal/dockerengine"
	"cochaviz/adlgen/internal/engine"
	"cochaviz/adlgen/internal/generator"
	"cochaviz/adlgen/internal/image"
	"cochaviz/adlgen/internal/platform"
)

// File is the on-disk run configuration.
type File struct {
	Version        string       `yaml:"version"`
	Platform       string       `yaml:"platform"`
	ImageBuildMode string       `yaml:"imageBuildMode"`
	Verbose        bool         `yaml:"verbose"`
	Timeout        string       `yaml:"timeout"`
	Sources        []string     `yaml:"sources"`
	Include        []string     `yaml:"include"`
	Exclude        []string     `yaml:"exclude"`
	SearchDirs     []string     `yaml:"searchDirs"`
	Image          ImageFile    `yaml:"image"`
	Docker         DockerFile   `yaml:"docker"`
	Generations    []Generation `yaml:"generations"`
}

type ImageFile struct {
	// Pull lets a missing image be fetched from its registry before building.
	// It defaults to true.
	Pull       *bool             `yaml:"pull"`
	BaseImage  string            `yaml:"baseImage"`
	Repository string            `yaml:"repository"`
	Labels     map[string]string `yaml:"labels"`
	Commands   []string          `yaml:"commands"`
}

type DockerFile struct {
	Host string `yaml:"host"`
}

// Generation configures one generation unit.
type Generation struct {
	Name                       string   `yaml:"name"`
	Language                   string   `yaml:"language"`
	OutputDir                  string   `yaml:"outputDir"`
	Package                    string   `yaml:"package"`
	RuntimePackage             string   `yaml:"runtimePackage"`
	GenerateTransitive         bool     `yaml:"generateTransitive"`
	GenerateRuntime            bool     `yaml:"generateRuntime"`
	GenerateResolver           bool     `yaml:"generateResolver"`
	GenerateAST                *bool    `yaml:"generateAst"`
	RuntimeDir                 string   `yaml:"runtimeDir"`
	SuppressWarningsAnnotation string   `yaml:"suppressWarningsAnnotation"`
	HeaderComment              string   `yaml:"headerComment"`
	Manifest                   string   `yaml:"manifest"`
	ExtraArgs                  []string `yaml:"extraArgs"`
}

// Config is a loaded run file.
type Config struct {
	Request    engine.Request
	Docker     dockerengine.Options
	PullImages bool
}

// Load reads the run file at path. Relative paths in the file are resolved
// against the file's directory.
func Load(path string) (*Config, error) {
	file, baseDir, err := Read(path)
	if err != nil {
		return nil, err
	}
	cfg, err := file.Resolve(baseDir)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Read decodes the run file at path without validating it, returning the
// directory relative paths are resolved against.
func Read(path string) (*File, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read config: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	file, err := decode(data)
	if err != nil {
		return nil, "", fmt.Errorf("config %s: %w", path, err)
	}
	return file, filepath.Dir(abs), nil
}

// Parse decodes a run file whose relative paths are relative to baseDir.
func Parse(data []byte, baseDir string) (*Config, error) {
	file, err := decode(data)
	if err != nil {
		return nil, err
	}
	return file.Resolve(baseDir)
}

func decode(data []byte) (*File, error) {
	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &file, nil
}

// Resolve validates the file and builds the engine request.
func (f *File) Resolve(baseDir string) (*Config, error) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	execution, err := platform.Parse(f.Platform)
	if err != nil {
		return nil, err
	}
	mode, err := image.ParseBuildMode(f.ImageBuildMode)
	if err != nil {
		return nil, err
	}
	var timeout time.Duration
	if strings.TrimSpace(f.Timeout) != "" {
		if timeout, err = time.ParseDuration(f.Timeout); err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
	}

	var template image.Template
	if f.Image.BaseImage != "" || f.Image.Repository != "" || len(f.Image.Labels) > 0 || len(f.Image.Commands) > 0 {
		if template, err = image.NewTemplate(f.Image.BaseImage, f.Image.Repository, f.Image.Labels, f.Image.Commands); err != nil {
			return nil, err
		}
	}

	roots := make([]string, 0, len(f.Sources))
	for _, source := range f.Sources {
		roots = append(roots, resolve(source))
	}
	sources, err := CollectSources(roots, f.Include, f.Exclude)
	if err != nil {
		return nil, err
	}

	searchDirs := make([]archive.Spec, 0, len(f.SearchDirs))
	for _, dir := range f.SearchDirs {
		spec, err := archive.Detect(resolve(dir))
		if err != nil {
			return nil, fmt.Errorf("search directory %s: %w", dir, err)
		}
		searchDirs = append(searchDirs, spec)
	}

	units := make([]generator.UnitOptions, 0, len(f.Generations))
	for _, g := range f.Generations {
		language, err := generator.ParseLanguage(g.Language)
		if err != nil {
			return nil, err
		}
		units = append(units, generator.UnitOptions{
			Name:               g.Name,
			Language:           language,
			OutputDir:          resolve(g.OutputDir),
			Package:            g.Package,
			RuntimePackage:     g.RuntimePackage,
			GenerateTransitive: g.GenerateTransitive,
			GenerateRuntime:    g.GenerateRuntime,
			GenerateResolver:   g.GenerateResolver,
			GenerateAST:        g.GenerateAST,
			RuntimeDir:         g.RuntimeDir,
			SuppressWarnings:   g.SuppressWarningsAnnotation,
			HeaderComment:      g.HeaderComment,
			ManifestPath:       resolve(g.Manifest),
			ExtraArgs:          g.ExtraArgs,
		})
	}

	req, err := engine.NewRequest(engine.RequestOptions{
		Version:    f.Version,
		Sources:    sources,
		SearchDirs: searchDirs,
		Units:      units,
		Platform:   execution,
		BuildMode:  mode,
		Verbose:    f.Verbose,
		Timeout:    timeout,
		Template:   template,
	})
	if err != nil {
		return nil, err
	}
	pull := f.Image.Pull == nil || *f.Image.Pull
	return &Config{Request: req, Docker: dockerengine.Options{Host: f.Docker.Host}, PullImages: pull}, nil
}
