package generator

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"cochaviz/adlgen/internal/workspace"
)

// Language is an adlc backend.
type Language string

const (
	Java       Language = "java"
	Typescript Language = "typescript"
	Javascript Language = "javascript"
)

// ParseLanguage returns the backend named by value.
func ParseLanguage(value string) (Language, error) {
	switch Language(strings.ToLower(strings.TrimSpace(value))) {
	case Java:
		return Java, nil
	case Typescript, "ts":
		return Typescript, nil
	case Javascript, "js":
		return Javascript, nil
	default:
		return "", fmt.Errorf("unsupported generation language %q (supported: java, typescript, javascript)", value)
	}
}

// UnitOptions are the user-facing settings of a generation unit.
type UnitOptions struct {
	Name               string
	Language           Language
	OutputDir          string
	Package            string
	RuntimePackage     string
	GenerateTransitive bool
	GenerateRuntime    bool
	GenerateResolver   bool
	// GenerateAST applies to typescript; nil means true.
	GenerateAST      *bool
	RuntimeDir       string
	SuppressWarnings string
	HeaderComment    string
	ManifestPath     string
	ExtraArgs        []string
}

// Unit is one validated language generation. Construct with NewUnit.
type Unit struct {
	name               string
	language           Language
	outputDir          string
	pkg                string
	runtimePackage     string
	generateTransitive bool
	generateRuntime    bool
	generateResolver   bool
	generateAST        bool
	runtimeDir         string
	suppressWarnings   string
	headerComment      string
	manifestPath       string
	extraArgs          []string
}

// NewUnit validates opts. The unit name defaults to the language.
func NewUnit(opts UnitOptions) (Unit, error) {
	language, err := ParseLanguage(string(opts.Language))
	if err != nil {
		return Unit{}, err
	}

	name := opts.Name
	if name == "" {
		name = string(language)
	}
	if err := workspace.ValidateUnitName(name); err != nil {
		return Unit{}, err
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return Unit{}, fmt.Errorf("unit %s: output directory is required", name)
	}
	outputDir, err := filepath.Abs(opts.OutputDir)
	if err != nil {
		return Unit{}, err
	}
	manifestPath := ""
	if opts.ManifestPath != "" {
		if manifestPath, err = filepath.Abs(opts.ManifestPath); err != nil {
			return Unit{}, err
		}
		if manifestPath == outputDir || strings.HasPrefix(manifestPath, outputDir+string(filepath.Separator)) {
			return Unit{}, fmt.Errorf("unit %s: manifest %s must not be inside the output directory", name, manifestPath)
		}
	}

	generateAST := true
	if opts.GenerateAST != nil {
		generateAST = *opts.GenerateAST
	}

	unsupported := func(flag string, set bool) error {
		if set {
			return fmt.Errorf("unit %s: %s is not supported for %s", name, flag, language)
		}
		return nil
	}
	var checks []error
	switch language {
	case Java:
		checks = []error{
			unsupported("generateResolver", opts.GenerateResolver),
			unsupported("generateAst", opts.GenerateAST != nil),
			unsupported("runtimeDir", opts.RuntimeDir != ""),
		}
	case Typescript:
		checks = []error{
			unsupported("package", opts.Package != ""),
			unsupported("runtimePackage", opts.RuntimePackage != ""),
			unsupported("suppressWarningsAnnotation", opts.SuppressWarnings != ""),
			unsupported("headerComment", opts.HeaderComment != ""),
		}
	case Javascript:
		checks = []error{
			unsupported("package", opts.Package != ""),
			unsupported("runtimePackage", opts.RuntimePackage != ""),
			unsupported("generateTransitive", opts.GenerateTransitive),
			unsupported("generateRuntime", opts.GenerateRuntime),
			unsupported("generateResolver", opts.GenerateResolver),
			unsupported("generateAst", opts.GenerateAST != nil),
			unsupported("runtimeDir", opts.RuntimeDir != ""),
			unsupported("suppressWarningsAnnotation", opts.SuppressWarnings != ""),
			unsupported("headerComment", opts.HeaderComment != ""),
		}
	}
	for _, err := range checks {
		if err != nil {
			return Unit{}, err
		}
	}
	if strings.ContainsAny(opts.HeaderComment, "\r\n") {
		return Unit{}, fmt.Errorf("unit %s: header comment must be a single line", name)
	}

	return Unit{
		name:               name,
		language:           language,
		outputDir:          outputDir,
		pkg:                opts.Package,
		runtimePackage:     opts.RuntimePackage,
		generateTransitive: opts.GenerateTransitive,
		generateRuntime:    opts.GenerateRuntime,
		generateResolver:   opts.GenerateResolver,
		generateAST:        generateAST,
		runtimeDir:         opts.RuntimeDir,
		suppressWarnings:   opts.SuppressWarnings,
		headerComment:      opts.HeaderComment,
		manifestPath:       manifestPath,
		extraArgs:          append([]string(nil), opts.ExtraArgs...),
	}, nil
}

// Where adlc writes the runtime when the unit does not say.
const (
	DefaultJavaRuntimePackage = "org.adl.runtime"
	DefaultRuntimeDir         = "runtime"
)

// RuntimePath is the slash-separated directory, relative to the output
// directory, that holds the generated ADL runtime. It is "" when the unit does
// not generate one.
func (u Unit) RuntimePath() string {
	if !u.generateRuntime {
		return ""
	}
	switch u.language {
	case Java:
		pkg := u.runtimePackage
		if pkg == "" {
			pkg = DefaultJavaRuntimePackage
		}
		return strings.ReplaceAll(pkg, ".", "/")
	case Typescript:
		dir := u.runtimeDir
		if dir == "" {
			dir = DefaultRuntimeDir
		}
		return path.Clean(filepath.ToSlash(dir))
	default:
		return ""
	}
}

func (u Unit) Name() string         { return u.name }
func (u Unit) Language() Language   { return u.language }
func (u Unit) OutputDir() string    { return u.outputDir }
func (u Unit) ManifestPath() string { return u.manifestPath }
func (u Unit) WantsManifest() bool  { return u.manifestPath != "" }

// Layout is the staging request for the unit.
func (u Unit) Layout() workspace.UnitLayout {
	return workspace.UnitLayout{Name: u.name, Manifest: u.WantsManifest()}
}

// Result is the outcome of one unit's compiler run.
type Result struct {
	Unit    string
	Success bool
	// Files are slash-separated paths relative to the staging output directory.
	Files       []string
	Diagnostics []string
	Err         error
}

// GenerationFailure reports a compiler run that exited non-zero.
type GenerationFailure struct {
	Unit        string
	ExitCode    int
	Diagnostics []string
}

func (e *GenerationFailure) Error() string {
	msg := fmt.Sprintf("generation %s failed: adlc exited with status %d", e.Unit, e.ExitCode)
	if len(e.Diagnostics) > 0 {
		msg += "\n" + strings.Join(e.Diagnostics, "\n")
	}
	return msg
}
