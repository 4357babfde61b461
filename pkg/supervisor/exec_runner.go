package supervisor

import (
	"bytes"
	"context"
	stderrors "errors"
	"os/exec"
	"strings"

	"github.com/core-tools/hsu-workerdeploy/pkg/errors"
)

// ExecRunner runs commands as child processes and captures their output
type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return result, nil
	}

	switch ctxErr := ctx.Err(); {
	case stderrors.Is(ctxErr, context.DeadlineExceeded):
		return result, errors.NewTimeoutError("command timed out", err).WithContext("command", name)
	case stderrors.Is(ctxErr, context.Canceled):
		return result, errors.NewCancelledError("command cancelled", err).WithContext("command", name)
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return result, err
	}
	return result, errors.NewIOError("failed to run command", err).WithContext("command", name)
}
