package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/core-tools/hsu-workerdeploy/pkg/errors"
	"github.com/core-tools/hsu-workerdeploy/pkg/logging"
)

// MonitOptions configures how monit is invoked
type MonitOptions struct {
	Command string        // monit binary
	UseSudo bool          // Prefix every invocation with sudo
	Timeout time.Duration // Per command, zero means no timeout
}

// CommandObserver is notified about every supervisor command
type CommandObserver func(verb Verb, err error)

type monit struct {
	options  MonitOptions
	runner   CommandRunner
	logger   logging.Logger
	observer CommandObserver
}

// NewMonit returns a Supervisor driving monit through runner
func NewMonit(options MonitOptions, runner CommandRunner, logger logging.Logger) Supervisor {
	return NewMonitWithObserver(options, runner, logger, nil)
}

func NewMonitWithObserver(options MonitOptions, runner CommandRunner, logger logging.Logger, observer CommandObserver) Supervisor {
	if options.Command == "" {
		options.Command = "monit"
	}
	return &monit{
		options:  options,
		runner:   runner,
		logger:   logger,
		observer: observer,
	}
}

func (m *monit) StopGroup(ctx context.Context, group string) error {
	return m.groupCommand(ctx, VerbStop, group)
}

func (m *monit) StartGroup(ctx context.Context, group string) error {
	return m.groupCommand(ctx, VerbStart, group)
}

func (m *monit) RestartGroup(ctx context.Context, group string) error {
	return m.groupCommand(ctx, VerbRestart, group)
}

func (m *monit) Reload(ctx context.Context) error {
	return m.run(ctx, VerbReload, "", string(VerbReload))
}

func (m *monit) groupCommand(ctx context.Context, verb Verb, group string) error {
	if group == "" {
		return errors.NewValidationError("group name cannot be empty", nil).WithContext("verb", string(verb))
	}
	return m.run(ctx, verb, group, "-g", group, string(verb), "all")
}

// commandLine resolves the binary and arguments for a monit invocation
func (m *monit) commandLine(args ...string) (string, []string) {
	if m.options.UseSudo {
		return "sudo", append([]string{m.options.Command}, args...)
	}
	return m.options.Command, args
}

func (m *monit) run(ctx context.Context, verb Verb, group string, args ...string) error {
	if m.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.options.Timeout)
		defer cancel()
	}

	name, fullArgs := m.commandLine(args...)
	commandLine := strings.TrimSpace(name + " " + strings.Join(fullArgs, " "))
	m.logger.Infof("Running supervisor command, command: %s", commandLine)

	result, err := m.runner.Run(ctx, name, fullArgs...)
	if err != nil {
		err = m.commandError(verb, group, commandLine, result, err)
		m.logger.Debugf("Supervisor command failed, command: %s, error: %v", commandLine, err)
	} else {
		m.logger.Debugf("Supervisor command succeeded, command: %s", commandLine)
	}

	if m.observer != nil {
		m.observer(verb, err)
	}
	return err
}

func (m *monit) commandError(verb Verb, group, commandLine string, result CommandResult, cause error) error {
	domainErr := errors.NewSupervisorCommandError(
		fmt.Sprintf("supervisor %s failed", verb),
		cause,
	).WithContext("command", commandLine).
		WithContext("exit_code", fmt.Sprintf("%d", result.ExitCode))

	if group != "" {
		domainErr = domainErr.WithContext("group", group)
	}
	if result.Stdout != "" {
		domainErr = domainErr.WithContext("stdout", result.Stdout)
	}
	if result.Stderr != "" {
		domainErr = domainErr.WithContext("stderr", result.Stderr)
	}
	return domainErr
}
