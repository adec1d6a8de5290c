package native

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"cochaviz/adlgen/internal/generator"
	"cochaviz/adlgen/internal/logging"
)

const defaultWaitDelay = 5 * time.Second

// Runner runs the compiler as a child process of this one.
type Runner struct {
	Binary string
	// Env is appended to the inherited environment.
	Env       []string
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// Run starts the compiler and streams its output until it exits. Cancelling ctx
// kills the process.
func (r *Runner) Run(ctx context.Context, execution generator.Execution) (int, error) {
	if r.Binary == "" {
		return -1, errors.New("native compiler binary is not configured")
	}

	stdout := generator.NewLineWriter(generator.Stdout, execution.Output)
	stderr := generator.NewLineWriter(generator.Stderr, execution.Output)

	cmd := exec.CommandContext(ctx, r.Binary, execution.Args...)
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	logger := logging.Component(r.Logger, "generator.native").With("unit", execution.Unit)
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", r.Binary, err)
	}
	logger.Debug("compiler process started", "pid", cmd.Process.Pid)

	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("wait for %s: %w", r.Binary, err)
	}
	return 0, nil
}
