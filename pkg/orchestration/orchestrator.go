package orchestration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-workerdeploy/pkg/deployconfig"
	"github.com/core-tools/hsu-workerdeploy/pkg/errors"
	"github.com/core-tools/hsu-workerdeploy/pkg/layout"
	"github.com/core-tools/hsu-workerdeploy/pkg/ledger"
	"github.com/core-tools/hsu-workerdeploy/pkg/logging"
	"github.com/core-tools/hsu-workerdeploy/pkg/metrics"
	"github.com/core-tools/hsu-workerdeploy/pkg/orchestration/groupstatemachine"
	"github.com/core-tools/hsu-workerdeploy/pkg/pidfile"
	"github.com/core-tools/hsu-workerdeploy/pkg/preflight"
	"github.com/core-tools/hsu-workerdeploy/pkg/render"
	"github.com/core-tools/hsu-workerdeploy/pkg/supervisor"
)

// Operation names one orchestration entry point
type Operation string

const (
	OperationDeploy   Operation = "deploy"
	OperationRollback Operation = "rollback"
	OperationUndeploy Operation = "undeploy"
	OperationRestart  Operation = "restart"
	OperationSetup    Operation = "setup"
)

const (
	releaseDirMode os.FileMode = 0770
	sharedDirMode  os.FileMode = 0775
	configFileMode os.FileMode = 0644
	sudoersMode    os.FileMode = 0440
)

// Result describes what an operation did to one application
type Result struct {
	Application string
	Operation   Operation
	Release     string
	Group       string
	Instances   []string // Instance names, <worker><index>
	Skipped     bool
	SkipReason  string
	Reloaded    bool
	States      []groupstatemachine.GroupState
}

// Dependencies are the collaborators an Orchestrator drives. Nil members get no-op implementations.
type Dependencies struct {
	Supervisor supervisor.Supervisor
	Renderer   *render.Renderer
	Ledger     ledger.Ledger
	Metrics    metrics.Recorder
	Preflight  preflight.Checker
	Logger     logging.Logger
}

type OrchestratorOptions struct {
	Config *deployconfig.Config
	RunID  string
}

// Orchestrator sequences configuration rendering and supervisor group transitions for applications
type Orchestrator struct {
	config     *deployconfig.Config
	runID      string
	supervisor supervisor.Supervisor
	renderer   *render.Renderer
	ledger     ledger.Ledger
	metrics    metrics.Recorder
	preflight  preflight.Checker
	logger     logging.Logger
}

func NewOrchestrator(options OrchestratorOptions, deps Dependencies) (*Orchestrator, error) {
	if options.Config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}
	if deps.Supervisor == nil {
		return nil, errors.NewValidationError("supervisor cannot be nil", nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNullLogger()
	}
	if deps.Renderer == nil {
		deps.Renderer = render.NewRenderer(deps.Logger)
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewNullLedger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNullRecorder()
	}
	if deps.Preflight == nil {
		deps.Preflight = preflight.NewNullChecker()
	}

	return &Orchestrator{
		config:     options.Config,
		runID:      options.RunID,
		supervisor: deps.Supervisor,
		renderer:   deps.Renderer,
		ledger:     deps.Ledger,
		metrics:    deps.Metrics,
		preflight:  deps.Preflight,
		logger:     deps.Logger,
	}, nil
}

func (o *Orchestrator) layout(app deployconfig.Application) layout.Layout {
	return layout.New(app, o.config.Supervisor.ConfDir)
}

func owner(app deployconfig.Application) render.Owner {
	return render.Owner{User: app.User, Group: app.Group}
}

// skip returns a result for an application whose workers are not managed, or nil when they are
func (o *Orchestrator) skip(app deployconfig.Application, operation Operation) *Result {
	managed, reason := o.config.IsManaged(app)
	if managed {
		return nil
	}
	o.logger.Infof("Skipping application, application: %s, operation: %s, reason: %s", app.Name, operation, reason)
	return &Result{
		Application: app.Name,
		Operation:   operation,
		Skipped:     true,
		SkipReason:  reason,
	}
}

// Deploy renders the worker configuration of release and hands the supervisor group over to it
func (o *Orchestrator) Deploy(ctx context.Context, app deployconfig.Application, release string) (result *Result, err error) {
	started := time.Now()
	defer func() { o.finish(ctx, OperationDeploy, app.Name, started, result, err) }()

	if skipped := o.skip(app, OperationDeploy); skipped != nil {
		return skipped, nil
	}

	if release == "" {
		release = app.Release
	}
	if err := deployconfig.ValidateRelease(release); err != nil {
		return nil, errors.NewValidationError("cannot deploy without a valid release", err).WithContext("application", app.Name)
	}

	lay := o.layout(app)
	gsm := groupstatemachine.NewGroupStateMachine(lay.GroupName(), o.logger)
	instances := lay.Instances(release, app.Sidekiq)
	result = o.newResult(app, OperationDeploy, release, lay, instances)

	o.logger.Infof("Deploying application, application: %s, release: %s, instances: %d", app.Name, release, len(instances))

	if app.Sidekiq.PreflightRedis {
		if err := o.preflight.CheckRedis(ctx, app.Name, app.Sidekiq.RedisConfig); err != nil {
			return nil, err
		}
	}

	if err := gsm.Transition(groupstatemachine.GroupStateRendering, string(OperationDeploy), nil); err != nil {
		return nil, err
	}
	if err := o.renderReleaseConfig(app, lay, release, instances); err != nil {
		gsm.Fail(string(OperationDeploy), err)
		return nil, err
	}

	if err := gsm.Transition(groupstatemachine.GroupStateStopping, string(OperationDeploy), nil); err != nil {
		return nil, err
	}
	o.stopGroup(ctx, lay)

	if err := gsm.Transition(groupstatemachine.GroupStateLinking, string(OperationDeploy), nil); err != nil {
		return nil, err
	}
	// Link first, then render the descriptor it points at
	if err := o.renderer.Relink(lay.DescriptorLink(), lay.DescriptorFile(release)); err != nil {
		gsm.Fail(string(OperationDeploy), err)
		return nil, err
	}
	if err := o.renderDescriptor(app, lay, release, instances); err != nil {
		gsm.Fail(string(OperationDeploy), err)
		return nil, err
	}

	if err := o.reload(ctx, gsm, OperationDeploy); err != nil {
		return nil, err
	}
	result.Reloaded = true

	if o.config.Supervisor.StartAfterDeploy {
		if err := o.startGroup(ctx, gsm, lay, OperationDeploy); err != nil {
			return nil, err
		}
	}
	if err := gsm.Transition(groupstatemachine.GroupStateActive, string(OperationDeploy), nil); err != nil {
		return nil, err
	}

	if err := o.ledger.RecordDeploy(ctx, app.Name, release, o.runID); err != nil {
		o.logger.Warnf("Failed to record deploy in ledger, application: %s, release: %s, error: %v", app.Name, release, err)
	}
	o.metrics.SetWorkerInstances(app.Name, len(instances))

	result.States = gsm.States()
	o.logger.Infof("Deployed application, application: %s, release: %s, group: %s", app.Name, release, lay.GroupName())
	return result, nil
}

// renderReleaseConfig writes the shared configuration and every instance configuration of release
func (o *Orchestrator) renderReleaseConfig(app deployconfig.Application, lay layout.Layout, release string, instances []layout.Instance) error {
	sharedRendered := true
	if err := o.renderSharedConfig(app, lay); err != nil {
		if !errors.IsDirectoryMissingError(err) {
			return err
		}
		sharedRendered = false
		o.logger.Debugf("Skipping shared configuration, application: %s, reason: %v", app.Name, err)
	}

	for _, dir := range []string{lay.ReleaseConfigDir(release), lay.ReleasePIDDir(release)} {
		if err := o.renderer.EnsureDir(dir, releaseDirMode, owner(app)); err != nil {
			return errors.NewConfigRenderError("failed to create release directory", err).
				WithContext("application", app.Name).
				WithContext("path", dir)
		}
	}

	if sharedRendered {
		link := lay.ReleaseSharedConfigLink(release)
		if err := o.renderer.Relink(link, lay.SharedConfigFile()); err != nil {
			return errors.NewConfigRenderError("failed to link shared configuration into release", err).
				WithContext("application", app.Name).
				WithContext("path", link)
		}
		o.logger.Debugf("Linked shared configuration, application: %s, link: %s", app.Name, link)
	}

	rendered := make(map[string][]byte, len(app.Sidekiq.Workers))
	for _, worker := range app.Sidekiq.Workers {
		data, err := render.InstanceConfig(worker.Config)
		if err != nil {
			return errors.NewConfigRenderError("failed to render worker configuration", err).
				WithContext("application", app.Name).
				WithContext("worker", worker.Name)
		}
		rendered[worker.Name] = data
	}

	for _, instance := range instances {
		if err := o.renderer.WriteFile(instance.ConfigFile, rendered[instance.Worker], configFileMode, owner(app)); err != nil {
			return errors.NewConfigRenderError("failed to write worker configuration", err).
				WithContext("application", app.Name).
				WithContext("instance", instance.Name)
		}
		o.logger.Debugf("Rendered worker configuration, application: %s, instance: %s, path: %s", app.Name, instance.Name, instance.ConfigFile)
	}
	return nil
}

// renderSharedConfig returns a DirectoryMissing error when the shared configuration directory is not provisioned
func (o *Orchestrator) renderSharedConfig(app deployconfig.Application, lay layout.Layout) error {
	if !o.renderer.DirExists(lay.SharedConfigDir()) {
		return errors.NewDirectoryMissingError("shared configuration directory does not exist", nil).
			WithContext("path", lay.SharedConfigDir())
	}

	data, err := render.SharedConfig(app.Sidekiq.RedisConfig)
	if err != nil {
		return errors.NewConfigRenderError("failed to render shared configuration", err).WithContext("application", app.Name)
	}
	if err := o.renderer.WriteFile(lay.SharedConfigFile(), data, configFileMode, owner(app)); err != nil {
		return errors.NewConfigRenderError("failed to write shared configuration", err).WithContext("application", app.Name)
	}
	return nil
}

func (o *Orchestrator) renderDescriptor(app deployconfig.Application, lay layout.Layout, release string, instances []layout.Instance) error {
	data, err := render.Descriptor(render.DescriptorData{
		Application:  app.Name,
		Release:      release,
		Group:        lay.GroupName(),
		User:         app.User,
		UserGroup:    app.Group,
		Environment:  app.Environment,
		ReleaseDir:   lay.ReleaseDir(release),
		Command:      app.Sidekiq.Command,
		StartTimeout: int(app.Sidekiq.StartTimeout.Seconds()),
		StopTimeout:  int(app.Sidekiq.StopTimeout.Seconds()),
		Instances:    instances,
	})
	if err != nil {
		return errors.NewConfigRenderError("failed to render supervisor descriptor", err).WithContext("application", app.Name)
	}
	if err := o.renderer.WriteFile(lay.DescriptorFile(release), data, configFileMode, owner(app)); err != nil {
		return errors.NewConfigRenderError("failed to write supervisor descriptor", err).WithContext("application", app.Name)
	}
	return nil
}

// stopGroup is best-effort: there may be no group yet
func (o *Orchestrator) stopGroup(ctx context.Context, lay layout.Layout) {
	if err := o.supervisor.StopGroup(ctx, lay.GroupName()); err != nil {
		o.logger.Warnf("Failed to stop group, continuing, group: %s, error: %v", lay.GroupName(), err)
	}
}

func (o *Orchestrator) reload(ctx context.Context, gsm *groupstatemachine.GroupStateMachine, operation Operation) error {
	if err := gsm.Transition(groupstatemachine.GroupStateReloading, string(operation), nil); err != nil {
		return err
	}
	if err := o.supervisor.Reload(ctx); err != nil {
		gsm.Fail(string(operation), err)
		return err
	}
	return nil
}

func (o *Orchestrator) startGroup(ctx context.Context, gsm *groupstatemachine.GroupStateMachine, lay layout.Layout, operation Operation) error {
	if err := gsm.Transition(groupstatemachine.GroupStateStarting, string(operation), nil); err != nil {
		return err
	}
	if err := o.supervisor.StartGroup(ctx, lay.GroupName()); err != nil {
		gsm.Fail(string(operation), err)
		return err
	}
	return nil
}

// Rollback hands the supervisor group over to the already rendered descriptor of target.
// An empty target selects the previous release. Rolling forward is a rollback to the newer release.
func (o *Orchestrator) Rollback(ctx context.Context, app deployconfig.Application, target string) (result *Result, err error) {
	started := time.Now()
	defer func() { o.finish(ctx, OperationRollback, app.Name, started, result, err) }()

	if skipped := o.skip(app, OperationRollback); skipped != nil {
		return skipped, nil
	}

	lay := o.layout(app)
	if target == "" {
		if target, err = o.previousRelease(ctx, app, lay); err != nil {
			return nil, err
		}
	}
	if err := deployconfig.ValidateRelease(target); err != nil {
		return nil, errors.NewValidationError("invalid rollback target", err).WithContext("application", app.Name)
	}

	descriptor := lay.DescriptorFile(target)
	if !o.renderer.FileExists(descriptor) {
		return nil, errors.NewDescriptorMissingError("release has no rendered descriptor", nil).
			WithContext("application", app.Name).
			WithContext("release", target).
			WithContext("path", descriptor)
	}

	gsm := groupstatemachine.NewGroupStateMachine(lay.GroupName(), o.logger)
	result = o.newResult(app, OperationRollback, target, lay, lay.Instances(target, app.Sidekiq))

	o.logger.Infof("Rolling back application, application: %s, release: %s", app.Name, target)

	if err := gsm.Transition(groupstatemachine.GroupStateStopping, string(OperationRollback), nil); err != nil {
		return nil, err
	}
	o.stopGroup(ctx, lay)

	if err := gsm.Transition(groupstatemachine.GroupStateLinking, string(OperationRollback), nil); err != nil {
		return nil, err
	}
	// Replacing the link drops the link to the undesired release, its artifacts stay for a roll-forward
	if err := o.renderer.Relink(lay.DescriptorLink(), descriptor); err != nil {
		gsm.Fail(string(OperationRollback), err)
		return nil, err
	}

	if err := o.reload(ctx, gsm, OperationRollback); err != nil {
		return nil, err
	}
	result.Reloaded = true

	if err := o.startGroup(ctx, gsm, lay, OperationRollback); err != nil {
		return nil, err
	}
	if err := gsm.Transition(groupstatemachine.GroupStateActive, string(OperationRollback), nil); err != nil {
		return nil, err
	}

	if err := o.ledger.RecordRollback(ctx, app.Name, target, o.runID); err != nil {
		o.logger.Warnf("Failed to record rollback in ledger, application: %s, release: %s, error: %v", app.Name, target, err)
	}
	o.metrics.SetWorkerInstances(app.Name, len(result.Instances))

	result.States = gsm.States()
	o.logger.Infof("Rolled back application, application: %s, release: %s", app.Name, target)
	return result, nil
}

// previousRelease picks the rollback target: the ledger's last superseded release, or else the newest
// release directory older than the linked one that has a rendered descriptor
func (o *Orchestrator) previousRelease(ctx context.Context, app deployconfig.Application, lay layout.Layout) (string, error) {
	previous, err := o.ledger.PreviousRelease(ctx, app.Name)
	if err != nil {
		o.logger.Warnf("Failed to query ledger, falling back to release directories, application: %s, error: %v", app.Name, err)
	}
	if previous != "" {
		return previous, nil
	}

	current := o.linkedRelease(lay)
	releases, err := o.renderer.ListDirs(lay.ReleasesDir())
	if err != nil {
		return "", err
	}

	for i := len(releases) - 1; i >= 0; i-- {
		candidate := releases[i]
		if current != "" && candidate >= current {
			continue
		}
		if current == "" && i == len(releases)-1 {
			// Without a link the newest release is taken to be the active one
			continue
		}
		if o.renderer.FileExists(lay.DescriptorFile(candidate)) {
			return candidate, nil
		}
	}

	return "", errors.NewNotFoundError("no previous release to roll back to", nil).
		WithContext("application", app.Name).
		WithContext("releases_dir", lay.ReleasesDir())
}

// linkedRelease returns the release the supervisor descriptor link points at, or ""
func (o *Orchestrator) linkedRelease(lay layout.Layout) string {
	target, err := o.renderer.ReadLink(lay.DescriptorLink())
	if err != nil {
		return ""
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(lay.DescriptorLink()), target)
	}
	release, _ := lay.ReleaseFromDescriptor(filepath.Clean(target))
	return release
}

// Undeploy removes the application's group from supervision. Without a descriptor it does nothing.
func (o *Orchestrator) Undeploy(ctx context.Context, app deployconfig.Application) (result *Result, err error) {
	started := time.Now()
	defer func() { o.finish(ctx, OperationUndeploy, app.Name, started, result, err) }()

	if skipped := o.skip(app, OperationUndeploy); skipped != nil {
		return skipped, nil
	}

	lay := o.layout(app)
	gsm := groupstatemachine.NewGroupStateMachine(lay.GroupName(), o.logger)
	result = &Result{
		Application: app.Name,
		Operation:   OperationUndeploy,
		Release:     o.linkedRelease(lay),
		Group:       lay.GroupName(),
	}

	if err := gsm.Transition(groupstatemachine.GroupStateRemoving, string(OperationUndeploy), nil); err != nil {
		return nil, err
	}

	if err := o.renderer.Remove(lay.DescriptorLink()); err != nil {
		if !errors.IsDescriptorMissingError(err) {
			gsm.Fail(string(OperationUndeploy), err)
			return nil, err
		}
		o.logger.Infof("Nothing to undeploy, application: %s, descriptor: %s", app.Name, lay.DescriptorLink())
		if err := gsm.Transition(groupstatemachine.GroupStateRemoved, string(OperationUndeploy), nil); err != nil {
			return nil, err
		}
		result.States = gsm.States()
		return result, nil
	}

	if err := o.reload(ctx, gsm, OperationUndeploy); err != nil {
		return nil, err
	}
	result.Reloaded = true
	if err := gsm.Transition(groupstatemachine.GroupStateRemoved, string(OperationUndeploy), nil); err != nil {
		return nil, err
	}

	if err := o.ledger.RecordUndeploy(ctx, app.Name, o.runID); err != nil {
		o.logger.Warnf("Failed to record undeploy in ledger, application: %s, error: %v", app.Name, err)
	}
	o.metrics.SetWorkerInstances(app.Name, 0)

	result.States = gsm.States()
	o.logger.Infof("Undeployed application, application: %s, group: %s", app.Name, lay.GroupName())
	return result, nil
}

// Restart restarts the application's group in place, without a new release.
// A failure is returned as is, the caller decides whether a missing group matters.
func (o *Orchestrator) Restart(ctx context.Context, app deployconfig.Application) (result *Result, err error) {
	started := time.Now()
	defer func() { o.finish(ctx, OperationRestart, app.Name, started, result, err) }()

	if skipped := o.skip(app, OperationRestart); skipped != nil {
		return skipped, nil
	}

	lay := o.layout(app)
	gsm := groupstatemachine.NewGroupStateMachine(lay.GroupName(), o.logger)
	release := o.linkedRelease(lay)
	result = o.newResult(app, OperationRestart, release, lay, lay.Instances(release, app.Sidekiq))

	if err := gsm.Transition(groupstatemachine.GroupStateStarting, string(OperationRestart), nil); err != nil {
		return nil, err
	}
	if err := o.supervisor.RestartGroup(ctx, lay.GroupName()); err != nil {
		gsm.Fail(string(OperationRestart), err)
		return nil, err
	}
	if err := gsm.Transition(groupstatemachine.GroupStateActive, string(OperationRestart), nil); err != nil {
		return nil, err
	}

	result.States = gsm.States()
	o.logger.Infof("Restarted group, application: %s, group: %s", app.Name, lay.GroupName())
	return result, nil
}

// Setup provisions the directories shared by all releases, the shared configuration and,
// when a sudoers directory is configured, the rule letting the deploy user drive the supervisor
func (o *Orchestrator) Setup(ctx context.Context, app deployconfig.Application) (result *Result, err error) {
	started := time.Now()
	defer func() { o.finish(ctx, OperationSetup, app.Name, started, result, err) }()

	if skipped := o.skip(app, OperationSetup); skipped != nil {
		return skipped, nil
	}

	lay := o.layout(app)
	for _, dir := range []string{lay.DeployTo(), lay.SharedConfigDir(), lay.SharedLogDir()} {
		if err := o.renderer.EnsureDir(dir, sharedDirMode, owner(app)); err != nil {
			return nil, errors.NewIOError("failed to create application directory", err).WithContext("application", app.Name)
		}
	}
	if err := o.renderSharedConfig(app, lay); err != nil {
		return nil, err
	}

	if sudoersDir := o.config.Supervisor.SudoersDir; sudoersDir != "" && app.User != "" {
		if err := o.writeSudoers(app, sudoersDir); err != nil {
			return nil, err
		}
	}

	o.logger.Infof("Set up application, application: %s, deploy_to: %s", app.Name, lay.DeployTo())
	return &Result{
		Application: app.Name,
		Operation:   OperationSetup,
		Group:       lay.GroupName(),
	}, nil
}

func (o *Orchestrator) writeSudoers(app deployconfig.Application, sudoersDir string) error {
	command := o.config.Supervisor.Command
	if !filepath.IsAbs(command) {
		return errors.NewValidationError("sudoers rules need an absolute supervisor command", nil).
			WithContext("command", command)
	}
	if err := deployconfig.ValidateName(app.User); err != nil {
		return errors.NewValidationError("invalid user for sudoers rule", err).WithContext("application", app.Name)
	}

	data, err := render.Sudoers(app.User, command)
	if err != nil {
		return err
	}
	path := filepath.Join(sudoersDir, app.User)
	if err := o.renderer.WriteFile(path, data, sudoersMode, render.Owner{}); err != nil {
		return err
	}
	o.logger.Infof("Wrote sudoers rule, user: %s, path: %s", app.User, path)
	return nil
}

func (o *Orchestrator) newResult(app deployconfig.Application, operation Operation, release string, lay layout.Layout, instances []layout.Instance) *Result {
	names := make([]string, 0, len(instances))
	for _, instance := range instances {
		names = append(names, instance.Name)
	}
	return &Result{
		Application: app.Name,
		Operation:   operation,
		Release:     release,
		Group:       lay.GroupName(),
		Instances:   names,
	}
}

// finish records the outcome of an operation in metrics and the ledger
func (o *Orchestrator) finish(ctx context.Context, operation Operation, app string, started time.Time, result *Result, err error) {
	outcome := metrics.ResultSuccess
	message := ""
	release := ""
	switch {
	case err != nil:
		outcome = metrics.ResultFailure
		message = err.Error()
	case result != nil && result.Skipped:
		outcome = metrics.ResultSkipped
		message = result.SkipReason
	}
	if result != nil {
		release = result.Release
	}

	o.metrics.ObserveOperation(string(operation), app, outcome, time.Since(started))

	event := ledger.Event{
		RunID:       o.runID,
		Application: app,
		Operation:   string(operation),
		Release:     release,
		Result:      outcome,
		Message:     message,
	}
	if ledgerErr := o.ledger.RecordEvent(ctx, event); ledgerErr != nil {
		o.logger.Warnf("Failed to record event in ledger, application: %s, operation: %s, error: %v", app, operation, ledgerErr)
	}
}

// Status describes the deployed state of one application
type Status struct {
	Application     string
	Managed         bool
	Reason          string
	Group           string
	DescriptorLink  string
	LinkedRelease   string
	ActiveRelease   string
	PreviousRelease string
	Instances       []string
	Processes       []InstanceProcess
	Releases        []ledger.Release
	Events          []ledger.Event
}

// InstanceProcess is the PID file view of one worker instance of the linked release
type InstanceProcess struct {
	Instance string
	PIDFile  string
	PID      int
	Running  bool
	Error    string // Set when the PID file is unreadable
}

// Status reports the linked release, ledger history and instances of app without changing anything
func (o *Orchestrator) Status(ctx context.Context, app deployconfig.Application) (*Status, error) {
	lay := o.layout(app)
	managed, reason := o.config.IsManaged(app)
	status := &Status{
		Application:    app.Name,
		Managed:        managed,
		Reason:         reason,
		Group:          lay.GroupName(),
		DescriptorLink: lay.DescriptorLink(),
		LinkedRelease:  o.linkedRelease(lay),
	}
	if !managed {
		return status, nil
	}

	for _, instance := range lay.Instances(status.LinkedRelease, app.Sidekiq) {
		status.Instances = append(status.Instances, instance.Name)
		if status.LinkedRelease == "" {
			continue
		}
		process := InstanceProcess{Instance: instance.Name, PIDFile: instance.PIDFile}
		state, err := pidfile.Check(instance.PIDFile)
		if err != nil {
			o.logger.Warnf("Failed to check PID file, application: %s, instance: %s, error: %v", app.Name, instance.Name, err)
			process.Error = err.Error()
		}
		process.PID = state.PID
		process.Running = state.Running
		status.Processes = append(status.Processes, process)
	}

	var err error
	if status.ActiveRelease, err = o.ledger.ActiveRelease(ctx, app.Name); err != nil {
		return nil, err
	}
	if status.PreviousRelease, err = o.ledger.PreviousRelease(ctx, app.Name); err != nil {
		return nil, err
	}
	if status.Releases, err = o.ledger.Releases(ctx, app.Name); err != nil {
		return nil, err
	}
	if status.Events, err = o.ledger.Events(ctx, app.Name, 10); err != nil {
		return nil, err
	}
	return status, nil
}

func (r *Result) String() string {
	if r.Skipped {
		return fmt.Sprintf("%s %s: skipped (%s)", r.Operation, r.Application, r.SkipReason)
	}
	return fmt.Sprintf("%s %s: release %s, group %s, %d instances", r.Operation, r.Application, r.Release, r.Group, len(r.Instances))
}
