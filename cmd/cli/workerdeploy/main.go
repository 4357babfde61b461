package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/core-tools/hsu-workerdeploy/pkg/deployconfig"
	"github.com/core-tools/hsu-workerdeploy/pkg/logging"
	"github.com/core-tools/hsu-workerdeploy/pkg/logging/zaplogging"
	"github.com/core-tools/hsu-workerdeploy/pkg/orchestration"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config       string   `long:"config" short:"c" description:"Configuration file path (YAML)" required:"true"`
	Applications []string `long:"app" short:"a" description:"Application to operate on (repeatable, default: all)"`
	Release      string   `long:"release" short:"r" description:"Release to deploy, or rollback target"`
	LogLevel     string   `long:"log-level" description:"Log level: debug, info, warn, error (default: from configuration)"`
	LogJSON      bool     `long:"log-json" description:"Log in JSON format"`

	Args struct {
		Command string `positional-arg-name:"command" description:"deploy, rollback, undeploy, restart, setup, validate or status"`
	} `positional-args:"yes" required:"yes"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	logger, sync, err := newLogger(opts)
	if err != nil {
		fmt.Printf("Logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Errorf("Failed to run: %v", err)
		sync()
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts flagOptions, logger logging.Logger) error {
	command := strings.ToLower(opts.Args.Command)
	switch command {
	case "validate":
		config, err := orchestration.LoadValidatedConfig(opts.Config)
		if err != nil {
			return err
		}
		fmt.Printf("Configuration is valid, applications: %d\n", len(config.Applications))
		return nil

	case "status":
		statuses, err := orchestration.RunStatus(ctx, opts.Config, opts.Applications, logger)
		for _, status := range statuses {
			printStatus(status)
		}
		return err

	case "deploy", "rollback", "undeploy", "restart", "setup":
		results, err := orchestration.Run(ctx, orchestration.RunOptions{
			ConfigFile: opts.Config,
			Operation:  orchestration.Operation(command),
			Request: orchestration.Request{
				Applications: opts.Applications,
				Release:      opts.Release,
			},
		}, logger)
		for _, result := range results {
			fmt.Println(result.String())
		}
		return err

	default:
		return fmt.Errorf("unknown command: %s", opts.Args.Command)
	}
}

// newLogger builds the zap backed logger. Flags win over the logging section of the configuration.
func newLogger(opts flagOptions) (logging.Logger, func(), error) {
	level := opts.LogLevel
	json := opts.LogJSON
	if config, err := deployconfig.LoadConfigFromFile(opts.Config); err == nil {
		if level == "" {
			level = config.Logging.Level
		}
		if !json {
			json = strings.EqualFold(config.Logging.Format, "json")
		}
	}

	zapLogger, err := zaplogging.NewZapLogger(zaplogging.Options{Level: level, JSON: json})
	if err != nil {
		return nil, nil, err
	}
	sync := func() { _ = zapLogger.Sync() }
	return zaplogging.NewLogger(logPrefix("workerdeploy"), zapLogger), sync, nil
}

func printStatus(status *orchestration.Status) {
	if !status.Managed {
		fmt.Printf("%s: not managed (%s)\n", status.Application, status.Reason)
		return
	}

	linked := status.LinkedRelease
	if linked == "" {
		linked = "none"
	}
	fmt.Printf("%s: group %s, linked release %s\n", status.Application, status.Group, linked)
	if status.ActiveRelease != "" {
		fmt.Printf("  active: %s, previous: %s\n", status.ActiveRelease, status.PreviousRelease)
	}
	for _, process := range status.Processes {
		state := "stopped"
		switch {
		case process.Error != "":
			state = "unknown: " + process.Error
		case process.Running:
			state = fmt.Sprintf("running, pid %d", process.PID)
		case process.PID != 0:
			state = fmt.Sprintf("not running, stale pid %d", process.PID)
		}
		fmt.Printf("  instance %s: %s\n", process.Instance, state)
	}
	for _, release := range status.Releases {
		fmt.Printf("  release %s: %s (run %s, %s)\n", release.Release, release.Status, release.RunID, release.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	for _, event := range status.Events {
		line := fmt.Sprintf("  %s %s %s: %s", event.CreatedAt.Format("2006-01-02 15:04:05"), event.Operation, event.Release, event.Result)
		if event.Message != "" {
			line += " (" + event.Message + ")"
		}
		fmt.Println(line)
	}
}
