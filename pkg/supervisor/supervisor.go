package supervisor

import (
	"context"
)

// Verb is a group action understood by the supervisor
type Verb string

const (
	VerbStop    Verb = "stop"
	VerbStart   Verb = "start"
	VerbRestart Verb = "restart"
	VerbReload  Verb = "reload"
)

// Supervisor drives the external process supervisor.
// Every call is attempted exactly once; callers decide whether a failure is fatal.
type Supervisor interface {
	StopGroup(ctx context.Context, group string) error
	StartGroup(ctx context.Context, group string) error
	RestartGroup(ctx context.Context, group string) error

	// Reload makes the supervisor re-read its configuration directory
	Reload(ctx context.Context) error
}

// CommandResult holds the outcome of one external command
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner runs external commands
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}
