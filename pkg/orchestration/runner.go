package orchestration

import (
	"context"
	"fmt"
	"runtime"

	"github.com/core-tools/hsu-workerdeploy/pkg/deployconfig"
	"github.com/core-tools/hsu-workerdeploy/pkg/errors"
	"github.com/core-tools/hsu-workerdeploy/pkg/ledger"
	"github.com/core-tools/hsu-workerdeploy/pkg/logging"
	"github.com/core-tools/hsu-workerdeploy/pkg/metrics"
	"github.com/core-tools/hsu-workerdeploy/pkg/preflight"
	"github.com/core-tools/hsu-workerdeploy/pkg/render"
	"github.com/core-tools/hsu-workerdeploy/pkg/supervisor"

	"github.com/google/uuid"
)

// Request selects what a run operates on
type Request struct {
	Applications []string // Empty means all configured applications
	Release      string   // Deploy: overrides the configured release. Rollback: target release.
}

// Runner applies one operation to a set of applications, one application at a time.
// A failing application does not stop the others; failures are aggregated.
type Runner struct {
	config       *deployconfig.Config
	orchestrator *Orchestrator
	metrics      metrics.Recorder
	runID        string
	logger       logging.Logger
}

func NewRunner(config *deployconfig.Config, deps Dependencies) (*Runner, error) {
	runID := uuid.NewString()
	if deps.Logger == nil {
		deps.Logger = logging.NewNullLogger()
	}
	deps.Logger = logging.WithPrefix(deps.Logger, fmt.Sprintf("run: %s, ", runID))
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNullRecorder()
	}

	orchestrator, err := NewOrchestrator(OrchestratorOptions{Config: config, RunID: runID}, deps)
	if err != nil {
		return nil, err
	}

	return &Runner{
		config:       config,
		orchestrator: orchestrator,
		metrics:      deps.Metrics,
		runID:        runID,
		logger:       deps.Logger,
	}, nil
}

func (r *Runner) RunID() string {
	return r.runID
}

func (r *Runner) Orchestrator() *Orchestrator {
	return r.orchestrator
}

// Run applies operation to the requested applications in configuration order
func (r *Runner) Run(ctx context.Context, operation Operation, request Request) ([]*Result, error) {
	apps, err := r.config.SelectApplications(request.Applications)
	if err != nil {
		return nil, err
	}

	r.logger.Infof("Starting run, operation: %s, applications: %d", operation, len(apps))

	var results []*Result
	collection := errors.NewErrorCollection()
	for _, app := range apps {
		if err := ctx.Err(); err != nil {
			collection.Add(errors.NewCancelledError("run cancelled", err).WithContext("application", app.Name))
			break
		}

		result, err := r.runOne(ctx, operation, app, request)
		if err != nil {
			if operation == OperationRestart && errors.IsSupervisorCommandError(err) {
				r.logger.Warnf("Restart failed, the group may not exist yet, application: %s, error: %v", app.Name, err)
				continue
			}
			r.logger.Errorf("Operation failed, operation: %s, application: %s, error: %v", operation, app.Name, err)
			collection.Add(errors.NewDomainError(errors.TypeOf(err), fmt.Sprintf("%s failed", operation), err).
				WithContext("application", app.Name))
			continue
		}
		results = append(results, result)
	}

	r.logger.Infof("Finished run, operation: %s, succeeded: %d, failed: %d", operation, len(results), len(collection.Errors))
	return results, collection.ToError()
}

func (r *Runner) runOne(ctx context.Context, operation Operation, app deployconfig.Application, request Request) (*Result, error) {
	switch operation {
	case OperationDeploy:
		return r.orchestrator.Deploy(ctx, app, request.Release)
	case OperationRollback:
		return r.orchestrator.Rollback(ctx, app, request.Release)
	case OperationUndeploy:
		return r.orchestrator.Undeploy(ctx, app)
	case OperationRestart:
		return r.orchestrator.Restart(ctx, app)
	case OperationSetup:
		return r.orchestrator.Setup(ctx, app)
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown operation: %s", operation), nil)
	}
}

// Status reports the state of the requested applications
func (r *Runner) Status(ctx context.Context, applications []string) ([]*Status, error) {
	apps, err := r.config.SelectApplications(applications)
	if err != nil {
		return nil, err
	}

	var statuses []*Status
	collection := errors.NewErrorCollection()
	for _, app := range apps {
		status, err := r.orchestrator.Status(ctx, app)
		if err != nil {
			collection.Add(err)
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses, collection.ToError()
}

// WriteMetrics exports the metrics of the run when a textfile path is configured
func (r *Runner) WriteMetrics() error {
	path := r.config.Metrics.TextfilePath
	if path == "" {
		return nil
	}
	if err := r.metrics.WriteTextfile(path); err != nil {
		return err
	}
	r.logger.Debugf("Wrote metrics, path: %s", path)
	return nil
}

// RunOptions describes one invocation of the tool
type RunOptions struct {
	ConfigFile string
	Operation  Operation
	Request    Request
}

// Run loads the configuration, wires the supervisor, ledger, metrics and preflight
// collaborators, and applies the requested operation
func Run(ctx context.Context, options RunOptions, logger logging.Logger) ([]*Result, error) {
	logger.Debugf("Platform: OS=%s, Arch=%s, Go=%s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	config, err := LoadValidatedConfig(options.ConfigFile)
	if err != nil {
		return nil, err
	}
	logger.Infof("Configuration loaded, file: %s, applications: %d", options.ConfigFile, len(config.Applications))

	runner, closeFn, err := NewRunnerFromConfig(config, logger)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	results, runErr := runner.Run(ctx, options.Operation, options.Request)
	if err := runner.WriteMetrics(); err != nil {
		logger.Warnf("Failed to write metrics: %v", err)
	}
	return results, runErr
}

// RunStatus loads the configuration and reports the state of the requested applications
func RunStatus(ctx context.Context, configFile string, applications []string, logger logging.Logger) ([]*Status, error) {
	config, err := LoadValidatedConfig(configFile)
	if err != nil {
		return nil, err
	}

	runner, closeFn, err := NewRunnerFromConfig(config, logger)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	return runner.Status(ctx, applications)
}

// LoadValidatedConfig loads and validates a configuration file
func LoadValidatedConfig(configFile string) (*deployconfig.Config, error) {
	config, err := deployconfig.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, err
	}
	if err := deployconfig.ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return config, nil
}

// NewRunnerFromConfig builds a Runner with the production collaborators described by config.
// The returned function releases them.
func NewRunnerFromConfig(config *deployconfig.Config, logger logging.Logger) (*Runner, func(), error) {
	recorder := metrics.NewPrometheusRecorder()

	monit := supervisor.NewMonitWithObserver(
		supervisor.MonitOptions{
			Command: config.Supervisor.Command,
			UseSudo: config.Supervisor.UseSudoEnabled(),
			Timeout: config.Supervisor.CommandTimeout,
		},
		supervisor.NewExecRunner(),
		logger,
		func(verb supervisor.Verb, err error) {
			result := metrics.ResultSuccess
			if err != nil {
				result = metrics.ResultFailure
			}
			recorder.ObserveSupervisorCommand(string(verb), result)
		},
	)

	releaseLedger := ledger.NewNullLedger()
	if config.Ledger.Path != "" {
		var err error
		releaseLedger, err = ledger.OpenSQLiteLedger(config.Ledger.Path, logger)
		if err != nil {
			return nil, nil, err
		}
	}

	runner, err := NewRunner(config, Dependencies{
		Supervisor: monit,
		Renderer:   render.NewRenderer(logger),
		Ledger:     releaseLedger,
		Metrics:    recorder,
		Preflight:  preflight.NewRedisChecker(preflight.DefaultTimeout, logger),
		Logger:     logger,
	})
	if err != nil {
		releaseLedger.Close()
		return nil, nil, err
	}

	closeFn := func() {
		if err := releaseLedger.Close(); err != nil {
			logger.Warnf("Failed to close ledger: %v", err)
		}
	}
	return runner, closeFn, nil
}
