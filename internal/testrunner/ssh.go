// Package testrunner runs test suites for the workflow: over SSH on a
// remote host or in a throwaway Docker container.
package testrunner

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/pkg/collab"
)

// sshConnectionFailed is the exit status ssh uses for its own errors.
const sshConnectionFailed = 255

// CommandExecutor runs a command and returns its combined output and exit
// code. err is only set when the command could not run to completion.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) (output []byte, exitCode int, err error)
}

type execCommandExecutor struct{}

func (execCommandExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...) //#nosec G204 -- target and command come from configuration
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return out.Bytes(), -1, err
	}
	return out.Bytes(), 0, nil
}

// expand fills the {suite} and {environment} placeholders of a command.
func expand(command, environment, suite string) string {
	return strings.NewReplacer("{suite}", suite, "{environment}", environment).Replace(command)
}

// SSHRunner runs the configured command on a remote host.
type SSHRunner struct {
	target  string
	command string
	timeout time.Duration
	exec    CommandExecutor
}

var _ collab.TestRunner = (*SSHRunner)(nil)

type SSHOption func(*SSHRunner)

func WithExecutor(e CommandExecutor) SSHOption {
	return func(r *SSHRunner) { r.exec = e }
}

// NewSSHRunner creates a runner for target (user@host). command may use
// {suite} and {environment}.
func NewSSHRunner(target, command string, timeout time.Duration, opts ...SSHOption) *SSHRunner {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	r := &SSHRunner{target: target, command: command, timeout: timeout, exec: execCommandExecutor{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *SSHRunner) Run(ctx context.Context, environment, suite string) (collab.TestOutcome, error) {
	if r.command == "" {
		return collab.TestOutcome{}, errors.New("no test command configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	out, code, err := r.exec.Execute(ctx, "ssh",
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=10",
		r.target,
		expand(r.command, environment, suite),
	)
	if err != nil {
		return collab.TestOutcome{}, collab.Unavailable("ssh", err)
	}
	if code == sshConnectionFailed {
		return collab.TestOutcome{}, collab.Unavailable("ssh", errors.Errorf("ssh to %s failed: %s", r.target, strings.TrimSpace(string(out))))
	}
	return collab.TestOutcome{
		Passed:   code == 0,
		Output:   string(out),
		Duration: time.Since(start),
	}, nil
}
