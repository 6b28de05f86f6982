package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newShellRunner(t *testing.T, script string, timeout time.Duration) *ExecRunner {
	t.Helper()
	r, err := NewExecRunner(Config{
		Command:   "sh",
		Args:      []string{"-c", script, "sh", TargetsPlaceholder},
		Timeout:   timeout,
		WaitDelay: 100 * time.Millisecond,
		Stdout:    &bytes.Buffer{},
		Stderr:    &bytes.Buffer{},
	}, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRunSuccessPassesTargetPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	list := filepath.Join(dir, "targets.csv")
	out := filepath.Join(dir, "seen")
	r := newShellRunner(t, `printf %s "$1" > "`+out+`"`, time.Minute)

	res, err := r.Run(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	seen, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, list, string(seen))
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()

	r := newShellRunner(t, "exit 3", time.Minute)
	res, err := r.Run(context.Background(), "x.csv")

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()

	r := newShellRunner(t, "exec sleep 5", 100*time.Millisecond)
	_, err := r.Run(context.Background(), "x.csv")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	r := newShellRunner(t, "exec sleep 5", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, "x.csv")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestRunLaunchError(t *testing.T) {
	t.Parallel()

	r, err := NewExecRunner(Config{Command: filepath.Join(t.TempDir(), "missing-binary")}, nil)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), "x.csv")
	require.Error(t, err)
	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{name: "appended", args: []string{"crawl.py", "--headless"}, want: []string{"crawl.py", "--headless", "/tmp/t.csv"}},
		{name: "placeholder", args: []string{"--input={targets}", "-v"}, want: []string{"--input=/tmp/t.csv", "-v"}},
		{name: "empty", args: nil, want: []string{"/tmp/t.csv"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, err := NewExecRunner(Config{Command: "python", Args: tc.args}, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, r.Args("/tmp/t.csv"))
		})
	}
}

func TestNewExecRunnerRequiresCommand(t *testing.T) {
	t.Parallel()

	_, err := NewExecRunner(Config{}, nil)
	require.Error(t, err)
}
