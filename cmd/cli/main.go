package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cochaviz/adlgen/internal/config"
	"cochaviz/adlgen/internal/distribution"
	"cochaviz/adlgen/internal/engine"
	"cochaviz/adlgen/internal/image"
	"cochaviz/adlgen/internal/logging"
	"cochaviz/adlgen/internal/platform"
	"cochaviz/adlgen/internal/setup"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	logLevel   string
	cacheDir   string
	releaseURL string
	offline    bool
}

// repository returns the distribution cache, downloading missing releases unless offline.
func (o *globalOptions) repository(logger *slog.Logger, dirs setup.Dirs) *distribution.LocalRepository {
	repo := &distribution.LocalRepository{BaseDir: dirs.Distributions, Logger: logger}
	if !o.offline {
		repo.Releases = distribution.NewReleaseDownloader(o.releaseURL, logger)
	}
	return repo
}

func (o *globalOptions) dirs() (setup.Dirs, error) {
	if o.cacheDir != "" {
		return setup.DirsAt(o.cacheDir), nil
	}
	return setup.DefaultDirs()
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logging.Component(logger, "setup"))

	opts := &globalOptions{logLevel: defaultLogLevel}

	root := &cobra.Command{
		Use:           "adlgen",
		Short:         "Run the ADL compiler natively or in a container and collect its output",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&opts.cacheDir, "cache-dir", "", "Directory for compiler distributions and image records (default: user cache dir)")
	root.PersistentFlags().StringVar(&opts.releaseURL, "release-url", distribution.DefaultReleaseURL, "Base URL compiler releases are downloaded from")
	root.PersistentFlags().BoolVar(&opts.offline, "offline", false, "Never download compiler releases; use only the distributions directory")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(opts.logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newGenerateCommand(logger, opts),
		newImageCommand(logger, opts),
		newPlatformCommand(logger, opts),
		newSetupCommand(logger, opts),
	)
	return root
}

func verifySetup(logger *slog.Logger, dirs setup.Dirs) error {
	logger = logger.With("action", "verify_setup")
	logger.Debug("verifying setup state")
	if err := setup.Verify(dirs); err != nil {
		logger.Error("setup verification failed", "error", err)
		logger.Info("run 'adlgen setup' to create the cache directories")
		return err
	}
	return nil
}

func newBackends(logger *slog.Logger, opts *globalOptions, dirs setup.Dirs, dockerHost string, pull bool) *engine.LocalBackends {
	backends := &engine.LocalBackends{
		Distributions: opts.repository(logger, dirs),
		Records:       &image.LocalRecordRepository{BaseDir: dirs.Images},
		PullImages:    pull,
		Logger:        logger,
	}
	backends.Docker.Host = dockerHost
	return backends
}

func newGenerateCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		configPath   string
		version      string
		platformName string
		buildMode    string
		dockerHost   string
		timeout      time.Duration
		verbose      bool
		pull         bool
		maxParallel  int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate code for every generation in the run configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "generate", "config", configPath)

			dirs, err := opts.dirs()
			if err != nil {
				return err
			}
			if err := verifySetup(cmdLogger, dirs); err != nil {
				return err
			}

			file, baseDir, err := config.Read(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("version") {
				file.Version = version
			}
			if flags.Changed("platform") {
				file.Platform = platformName
			}
			if flags.Changed("image-build-mode") {
				file.ImageBuildMode = buildMode
			}
			if flags.Changed("docker-host") {
				file.Docker.Host = dockerHost
			}
			if flags.Changed("timeout") {
				file.Timeout = timeout.String()
			}
			if flags.Changed("verbose") {
				file.Verbose = verbose
			}
			if flags.Changed("pull") {
				file.Image.Pull = &pull
			}

			cfg, err := file.Resolve(baseDir)
			if err != nil {
				return fmt.Errorf("config %s: %w", configPath, err)
			}

			backends := newBackends(logger, opts, dirs, cfg.Docker.Host, cfg.PullImages)
			defer backends.Close()

			runner := &engine.Engine{
				Backends:    backends,
				ScratchBase: dirs.Scratch,
				MaxParallel: maxParallel,
				Logger:      logger,
			}

			cmdLogger.Info("starting generation", "version", cfg.Request.Version(), "platform", cfg.Request.Platform())
			result, err := runner.Run(cmd.Context(), cfg.Request)
			if err != nil {
				var runErr *engine.RunError
				if errors.As(err, &runErr) {
					for _, failure := range runErr.Failures {
						for _, line := range failure.Diagnostics {
							fmt.Fprintf(os.Stderr, "%s: %s\n", failure.Unit, line)
						}
					}
				}
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, unit := range result.Units {
				if unit.Committed == nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d files\n", unit.Unit, unit.Committed.OutputDir, len(unit.Committed.Files))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			cmdLogger.Info("generation completed", "platform", result.Platform, "duration", result.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "adlgen.yaml", "Run configuration file")
	cmd.Flags().StringVar(&version, "version", "", "Override the compiler version")
	cmd.Flags().StringVar(&platformName, "platform", "", "Override the execution platform (auto, native, container)")
	cmd.Flags().StringVar(&buildMode, "image-build-mode", "", "Override the image build mode (if-not-present, rebuild, discard-local, never)")
	cmd.Flags().BoolVar(&pull, "pull", true, "Try pulling a missing compiler image before building it")
	cmd.Flags().StringVar(&dockerHost, "docker-host", "", "Docker daemon address (default: DOCKER_HOST)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the run after this duration")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Pass --verbose to the compiler")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "Maximum number of generations run at once (0: unbounded)")

	return cmd
}

func newImageCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage compiler container images",
	}

	cmd.AddCommand(
		newImageBuildCommand(logger, opts),
		newImageListCommand(logger, opts),
	)
	return cmd
}

func newImageBuildCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		baseImage  string
		repository string
		dockerHost string
		buildMode  string
		pull       bool
	)

	cmd := &cobra.Command{
		Use:   "build <version>",
		Args:  cobra.ExactArgs(1),
		Short: "Build the compiler image for a version",
		RunE: func(cmd *cobra.Command, args []string) error {
			version := strings.TrimSpace(args[0])
			cmdLogger := logger.With("command", "image.build", "version", version)

			dirs, err := opts.dirs()
			if err != nil {
				return err
			}
			if err := verifySetup(cmdLogger, dirs); err != nil {
				return err
			}

			template, err := image.NewTemplate(baseImage, repository, nil, nil)
			if err != nil {
				return err
			}
			mode, err := image.ParseBuildMode(buildMode)
			if err != nil {
				return err
			}

			backends := newBackends(logger, opts, dirs, dockerHost, pull)
			defer backends.Close()

			manager, err := backends.Images(cmd.Context())
			if err != nil {
				return err
			}
			ref, err := manager.Ensure(cmd.Context(), version, template, mode)
			if err != nil {
				cmdLogger.Error("image build failed", "error", err)
				return err
			}

			fmt.Println(ref.Name)
			cmdLogger.Info("image ready", "reference", ref.Name, "built", ref.Built, "pulled", ref.Pulled)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseImage, "base-image", image.DefaultBaseImage, "Base image of the compiler image")
	cmd.Flags().StringVar(&repository, "repository", image.DefaultRepository, "Repository the image is tagged in")
	cmd.Flags().StringVar(&dockerHost, "docker-host", "", "Docker daemon address (default: DOCKER_HOST)")
	cmd.Flags().StringVar(&buildMode, "mode", string(image.BuildIfNotPresent), "Image build mode (if-not-present, rebuild, discard-local, never)")
	cmd.Flags().BoolVar(&pull, "pull", true, "Try pulling the image before building it")

	return cmd
}

func newImageListCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List compiler images built by adlgen",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "image.list")

			dirs, err := opts.dirs()
			if err != nil {
				return err
			}
			records, err := (&image.LocalRecordRepository{BaseDir: dirs.Images}).List()
			if err != nil {
				cmdLogger.Error("listing images failed", "error", err)
				return err
			}
			if len(records) == 0 {
				cmdLogger.Warn("no images built yet", "image_dir", dirs.Images)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, record := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", record.Reference, record.Version, record.BaseImage, record.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	return cmd
}

func newPlatformCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		version      string
		platformName string
	)

	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Show installed compiler distributions and the platform a run would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "platform")

			dirs, err := opts.dirs()
			if err != nil {
				return err
			}
			host := platform.CurrentHost()
			repo := opts.repository(logger, dirs)

			installed, err := repo.Installed(host)
			if err != nil {
				return err
			}
			fmt.Printf("host\t%s\n", host)
			for _, v := range installed {
				fmt.Printf("installed\t%s\n", v)
			}

			if version == "" {
				return nil
			}
			requested, err := platform.Parse(platformName)
			if err != nil {
				return err
			}
			resolved, err := platform.NewSelector(repo, host, logger).Resolve(cmd.Context(), requested, version)
			if err != nil {
				return err
			}
			fmt.Printf("platform\t%s\n", resolved)
			cmdLogger.Debug("platform resolved", "requested", requested, "resolved", resolved)
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Compiler version to resolve the platform for")
	cmd.Flags().StringVar(&platformName, "platform", "auto", "Requested execution platform")

	return cmd
}

func newSetupCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var clearState bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the cache and scratch directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "setup")

			dirs, err := opts.dirs()
			if err != nil {
				return err
			}

			alreadyConfigured := setup.Verify(dirs) == nil
			if alreadyConfigured && !clearState {
				cmdLogger.Info("already set up", "distributions", dirs.Distributions, "hint", "use 'adlgen setup --clear' to reset image records")
				return nil
			}

			if clearState {
				cmdLogger.Info("clearing cached state")
				if err := setup.Clear(dirs); err != nil {
					cmdLogger.Error("clearing cached state failed", "error", err)
					return fmt.Errorf("clear state: %w", err)
				}
			}

			if err := setup.Init(dirs); err != nil {
				return fmt.Errorf("initialize directories: %w", err)
			}
			cmdLogger.Info("setup completed", "distributions", dirs.Distributions, "hint", "releases are downloaded on first use; with --offline place adl-bindist-<version>-<os>.zip archives in the distributions directory")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearState, "clear", "C", false, "Remove image records and scratch directories before initializing")

	return cmd
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
