// Package command runs the external binaries the crypto tooling drives
// (lszcrypt, chzcrypt, virsh) behind a Runner interface so callers can be
// tested with scripted output.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Result captures one finished process invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a command and reports its output and exit code.
// A non-zero exit code is not an error; err is reserved for failures to
// start or wait for the process.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands on the local host with os/exec.
type ExecRunner struct{}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes name with args and waits for it to finish.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("running: %s %s", name, strings.Join(args, " "))
	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("cannot run %s: %w", name, err)
	}

	log.Debugf("%s exited with rc=%d", name, res.ExitCode)
	return res, nil
}

// LookPath resolves a required binary on PATH. An explicit override wins
// over the lookup.
func LookPath(name, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("required binary %q not found in PATH: %w", name, err)
	}
	return p, nil
}

// ExitError describes a command that ran but exited non-zero.
type ExitError struct {
	Command string
	Result  Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with rc=%d", e.Command, e.Result.ExitCode)
	if s := strings.TrimSpace(e.Result.Stderr); s != "" {
		msg += ": " + s
	} else if s := strings.TrimSpace(e.Result.Stdout); s != "" {
		msg += ": " + s
	}
	return msg
}

// Check runs a command and turns a non-zero exit code into an *ExitError.
func Check(ctx context.Context, r Runner, name string, args ...string) (Result, error) {
	res, err := r.Run(ctx, name, args...)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &ExitError{Command: strings.TrimSpace(name + " " + strings.Join(args, " ")), Result: res}
	}
	return res, nil
}
