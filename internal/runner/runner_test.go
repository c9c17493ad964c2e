package runner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/repotrial/nedrexapi-v2d/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRun_CapturesOutput(t *testing.T) {
	script := writeScript(t, `echo "out $1"; echo "err" >&2; pwd`)
	dir := t.TempDir()

	res, err := (&runner.Exec{}).Run(context.Background(), runner.Command{
		Tool: "echo", Path: script, Args: []string{"hello"}, Dir: dir,
	})
	require.NoError(t, err)
	assert.Contains(t, string(res.Stdout), "out hello")
	assert.Contains(t, string(res.Stdout), filepath.Base(dir))
	assert.Equal(t, "err\n", string(res.Stderr))
}

func TestRun_NonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "bad seeds" >&2; exit 3`)

	_, err := (&runner.Exec{}).Run(context.Background(), runner.Command{Tool: "DIAMOnD", Path: script})
	var execErr *runner.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Equal(t, "bad seeds\n", execErr.Stderr)
	assert.Equal(t,
		"DIAMOnD exited with return code 3 -- please check your inputs and contact API developer if issues persist",
		execErr.Error())
}

func TestRun_StderrIsTruncated(t *testing.T) {
	script := writeScript(t, `printf 'aaaaaaaaaabbbbb' >&2; exit 1`)

	_, err := (&runner.Exec{StderrLimit: 5}).Run(context.Background(), runner.Command{Tool: "t", Path: script})
	var execErr *runner.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "bbbbb", execErr.Stderr)
}

func TestRun_Timeout(t *testing.T) {
	script := writeScript(t, `sleep 10`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := (&runner.Exec{WaitDelay: time.Second}).Run(ctx, runner.Command{Tool: "ROBUST", Path: script})
	assert.ErrorIs(t, err, runner.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_MissingBinary(t *testing.T) {
	_, err := (&runner.Exec{}).Run(context.Background(), runner.Command{
		Tool: "KPM", Path: filepath.Join(t.TempDir(), "missing"),
	})
	require.Error(t, err)
	var execErr *runner.ExecutionError
	assert.False(t, errors.As(err, &execErr))
}

func TestRun_Env(t *testing.T) {
	script := writeScript(t, `echo "$NEDREX_TEST_VALUE"`)
	res, err := (&runner.Exec{}).Run(context.Background(), runner.Command{
		Tool: "env", Path: script, Env: []string{"NEDREX_TEST_VALUE=42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(res.Stdout))
}
