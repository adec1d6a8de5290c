package generator

// Paths are the execution-visible locations a unit's command line refers to.
type Paths struct {
	Output     string
	Manifest   string
	SearchDirs []string
	Sources    []string
}

// BuildArgs returns the adlc argument list for unit. The order is fixed:
//
//	<language> --outputdir= --searchdir=... [backend flags] --manifest= [extra args] <sources...>
//
// where backend flags follow the order --package, --verbose, --include-rt,
// --rtpackage, --generate-transitive, --suppress-warnings-annotation,
// --header-comment for java and --verbose, --generate-transitive,
// --include-resolver, --exclude-ast, --include-rt, --runtime-dir for typescript.
func BuildArgs(unit Unit, paths Paths, verbose bool) []string {
	args := []string{string(unit.language), "--outputdir=" + paths.Output}
	for _, dir := range paths.SearchDirs {
		args = append(args, "--searchdir="+dir)
	}

	switch unit.language {
	case Java:
		if unit.pkg != "" {
			args = append(args, "--package="+unit.pkg)
		}
		if verbose {
			args = append(args, "--verbose")
		}
		if unit.generateRuntime {
			args = append(args, "--include-rt")
		}
		if unit.runtimePackage != "" {
			args = append(args, "--rtpackage="+unit.runtimePackage)
		}
		if unit.generateTransitive {
			args = append(args, "--generate-transitive")
		}
		if unit.suppressWarnings != "" {
			args = append(args, "--suppress-warnings-annotation="+unit.suppressWarnings)
		}
		if unit.headerComment != "" {
			args = append(args, "--header-comment="+unit.headerComment)
		}
	case Typescript:
		if verbose {
			args = append(args, "--verbose")
		}
		if unit.generateTransitive {
			args = append(args, "--generate-transitive")
		}
		if unit.generateResolver {
			args = append(args, "--include-resolver")
		}
		if !unit.generateAST {
			args = append(args, "--exclude-ast")
		}
		if unit.generateRuntime {
			args = append(args, "--include-rt")
		}
		if unit.runtimeDir != "" {
			args = append(args, "--runtime-dir="+unit.runtimeDir)
		}
	default:
		if verbose {
			args = append(args, "--verbose")
		}
	}

	if paths.Manifest != "" {
		args = append(args, "--manifest="+paths.Manifest)
	}
	args = append(args, unit.extraArgs...)
	return append(args, paths.Sources...)
}
