// Package runner launches the external crawl executable for one target list
// and reports how it ended. The executable is opaque: it reads the list,
// updates account_status itself, and signals success with exit code 0.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TargetsPlaceholder in Config.Args is replaced by the target list path.
const TargetsPlaceholder = "{targets}"

// ErrTimeout is returned when the executable outlives Config.Timeout.
var ErrTimeout = errors.New("crawler timed out")

// ExitError reports a non-zero exit.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("crawler exited with code %d", e.Code)
}

// Result describes a finished run.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Runner runs the crawl executable against a target list file.
type Runner interface {
	Run(ctx context.Context, targetListPath string) (Result, error)
}

// Config describes the executable.
type Config struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string
	Timeout time.Duration
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed.
	WaitDelay time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
}

// ExecRunner supervises one child process per Run call.
type ExecRunner struct {
	cfg    Config
	logger *zap.Logger
}

// NewExecRunner validates cfg and fills defaults.
func NewExecRunner(cfg Config, logger *zap.Logger) (*ExecRunner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("crawler command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 24 * time.Hour
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 10 * time.Second
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{cfg: cfg, logger: logger}, nil
}

// Args returns the argument vector used for targetListPath.
func (r *ExecRunner) Args(targetListPath string) []string {
	out := make([]string, 0, len(r.cfg.Args)+1)
	replaced := false
	for _, a := range r.cfg.Args {
		if strings.Contains(a, TargetsPlaceholder) {
			a = strings.ReplaceAll(a, TargetsPlaceholder, targetListPath)
			replaced = true
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, targetListPath)
	}
	return out
}

// Run starts the executable and waits for it. A non-zero exit yields
// *ExitError, an expired timeout yields ErrTimeout, and a cancelled ctx
// yields ctx.Err().
func (r *ExecRunner) Run(ctx context.Context, targetListPath string) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := r.Args(targetListPath)
	cmd := exec.CommandContext(runCtx, r.cfg.Command, args...)
	cmd.Dir = r.cfg.WorkDir
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), r.cfg.Env...)
	}
	cmd.Stdout = r.cfg.Stdout
	cmd.Stderr = r.cfg.Stderr
	cmd.WaitDelay = r.cfg.WaitDelay

	r.logger.Info("starting crawler",
		zap.String("command", r.cfg.Command),
		zap.Strings("args", args),
		zap.String("targets", targetListPath),
		zap.Duration("timeout", r.cfg.Timeout),
	)
	start := time.Now()
	err := cmd.Run()
	res := Result{Duration: time.Since(start), ExitCode: -1}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		return res, fmt.Errorf("crawler interrupted: %w", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		r.logger.Error("crawler timed out", zap.Duration("timeout", r.cfg.Timeout), zap.Duration("elapsed", res.Duration))
		return res, fmt.Errorf("%w after %s", ErrTimeout, r.cfg.Timeout)
	case err == nil:
		r.logger.Info("crawler finished", zap.Duration("elapsed", res.Duration))
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		r.logger.Warn("crawler exited with error", zap.Int("exit_code", res.ExitCode), zap.Duration("elapsed", res.Duration))
		return res, &ExitError{Code: res.ExitCode}
	}
	r.logger.Error("crawler failed to launch", zap.Error(err))
	return res, fmt.Errorf("launch crawler: %w", err)
}
