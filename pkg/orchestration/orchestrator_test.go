package orchestration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/core-tools/hsu-workerdeploy/pkg/configvalue"
	"github.com/core-tools/hsu-workerdeploy/pkg/deployconfig"
	"github.com/core-tools/hsu-workerdeploy/pkg/errors"
	"github.com/core-tools/hsu-workerdeploy/pkg/ledger"
	"github.com/core-tools/hsu-workerdeploy/pkg/logging"
	"github.com/core-tools/hsu-workerdeploy/pkg/orchestration/groupstatemachine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSupervisor is a mock implementation of supervisor.Supervisor for testing
type MockSupervisor struct {
	mock.Mock
}

func (m *MockSupervisor) StopGroup(ctx context.Context, group string) error {
	return m.Called(ctx, group).Error(0)
}

func (m *MockSupervisor) StartGroup(ctx context.Context, group string) error {
	return m.Called(ctx, group).Error(0)
}

func (m *MockSupervisor) RestartGroup(ctx context.Context, group string) error {
	return m.Called(ctx, group).Error(0)
}

func (m *MockSupervisor) Reload(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// methods returns the supervisor methods called so far, in order
func (m *MockSupervisor) methods() []string {
	var methods []string
	for _, call := range m.Calls {
		methods = append(methods, call.Method)
	}
	return methods
}

func newMockSupervisor() *MockSupervisor {
	s := &MockSupervisor{}
	s.On("StopGroup", mock.Anything, mock.Anything).Return(nil).Maybe()
	s.On("StartGroup", mock.Anything, mock.Anything).Return(nil).Maybe()
	s.On("RestartGroup", mock.Anything, mock.Anything).Return(nil).Maybe()
	s.On("Reload", mock.Anything).Return(nil).Maybe()
	return s
}

// MockLogger is a mock implementation of Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("LogLevelf", mock.Anything, mock.Anything).Maybe()
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

const testConfigTemplate = `
supervisor:
  command: /usr/bin/monit
  conf_dir: %[1]s/monit
  use_sudo: false
  start_after_deploy: %[2]t
  sudoers_dir: %[1]s/sudoers.d

applications:
  - name: shop
    application_type: rails
    deploy_to: %[1]s/srv/shop
    release: r1
    sidekiq:
      redis_config:
        url: redis://cache:6379/0
      workers:
        - name: default
          process_count: 2
          config:
            queues: [low, high]
        - name: mailers
          config:
            queues: [mailers]
            concurrency: 5

  - name: blog
    application_type: rails
    deploy_to: %[1]s/srv/blog
    release: b1
    sidekiq:
      workers:
        - name: default

  - name: static-site
    application_type: static
    deploy_to: %[1]s/srv/static
`

type testEnv struct {
	root       string
	config     *deployconfig.Config
	supervisor *MockSupervisor
	ledger     ledger.Ledger
	orch       *Orchestrator
}

func newTestEnv(t *testing.T, startAfterDeploy bool, withLedger bool) *testEnv {
	root := t.TempDir()

	config, err := deployconfig.ParseConfig([]byte(fmt.Sprintf(testConfigTemplate, root, startAfterDeploy)))
	require.NoError(t, err)
	require.NoError(t, deployconfig.ValidateConfig(config))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "monit"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "srv", "shop", "shared", "config"), 0755))

	releaseLedger := ledger.NewNullLedger()
	if withLedger {
		releaseLedger, err = ledger.OpenSQLiteLedger(filepath.Join(root, "ledger.db"), logging.NewNullLogger())
		require.NoError(t, err)
		t.Cleanup(func() { releaseLedger.Close() })
	}

	s := newMockSupervisor()
	orch, err := NewOrchestrator(
		OrchestratorOptions{Config: config, RunID: "test-run"},
		Dependencies{Supervisor: s, Ledger: releaseLedger, Logger: newMockLogger()},
	)
	require.NoError(t, err)

	return &testEnv{root: root, config: config, supervisor: s, ledger: releaseLedger, orch: orch}
}

func (e *testEnv) app(t *testing.T, name string) deployconfig.Application {
	apps, err := e.config.SelectApplications([]string{name})
	require.NoError(t, err)
	return apps[0]
}

func (e *testEnv) path(parts ...string) string {
	return filepath.Join(append([]string{e.root}, parts...)...)
}

func (e *testEnv) link() string {
	return e.path("monit", "sidekiq_shop.monitrc")
}

func (e *testEnv) descriptor(release string) string {
	return e.path("srv", "shop", "releases", release, "config", "sidekiq_shop.monitrc")
}

func readFile(t *testing.T, path string) string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestDeploy_RendersConfigurationAndReloads(t *testing.T) {
	env := newTestEnv(t, false, false)

	result, err := env.orch.Deploy(context.Background(), env.app(t, "shop"), "")
	require.NoError(t, err)

	assert.Equal(t, "r1", result.Release) // From configuration
	assert.Equal(t, "sidekiq_shop_group", result.Group)
	assert.Equal(t, []string{"default1", "default2", "mailers1"}, result.Instances)
	assert.True(t, result.Reloaded)
	assert.False(t, result.Skipped)

	configDir := env.path("srv", "shop", "releases", "r1", "config", "sidekiq")
	assert.Equal(t, ":queues:\n  - low\n  - high\n", readFile(t, filepath.Join(configDir, "default1.yml")))
	assert.Equal(t, ":queues:\n  - low\n  - high\n", readFile(t, filepath.Join(configDir, "default2.yml")))
	assert.Equal(t, ":queues:\n  - mailers\n:concurrency: 5\n", readFile(t, filepath.Join(configDir, "mailers1.yml")))

	assert.Equal(t, ":redis_config:\n  :url: redis://cache:6379/0\n",
		readFile(t, env.path("srv", "shop", "shared", "config", "sidekiq.yml")))

	sharedLink := env.path("srv", "shop", "releases", "r1", "config", "sidekiq.yml")
	sharedTarget, err := os.Readlink(sharedLink)
	require.NoError(t, err)
	assert.Equal(t, env.path("srv", "shop", "shared", "config", "sidekiq.yml"), sharedTarget)
	assert.Equal(t, ":redis_config:\n  :url: redis://cache:6379/0\n", readFile(t, sharedLink))

	info, err := os.Stat(configDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0770), info.Mode().Perm())
	assert.DirExists(t, env.path("srv", "shop", "releases", "r1", "tmp", "pids"))

	target, err := os.Readlink(env.link())
	require.NoError(t, err)
	assert.Equal(t, env.descriptor("r1"), target)
	descriptor := readFile(t, env.link())
	assert.Contains(t, descriptor, "check process sidekiq_shop-default1")
	assert.Contains(t, descriptor, "group sidekiq_shop_group")

	// Stop before relink, reload after render, no explicit start
	assert.Equal(t, []string{"StopGroup", "Reload"}, env.supervisor.methods())
	env.supervisor.AssertCalled(t, "StopGroup", mock.Anything, "sidekiq_shop_group")

	assert.Equal(t, []groupstatemachine.GroupState{
		groupstatemachine.GroupStateRendering,
		groupstatemachine.GroupStateStopping,
		groupstatemachine.GroupStateLinking,
		groupstatemachine.GroupStateReloading,
		groupstatemachine.GroupStateActive,
	}, result.States)
}

func TestDeploy_ProcessCountProducesExactlyNFiles(t *testing.T) {
	env := newTestEnv(t, false, false)
	app := env.app(t, "shop")
	app.Sidekiq.Workers = []deployconfig.WorkerSpec{
		{Name: "default", ProcessCount: 4, Config: configvalue.Mapping()},
	}

	_, err := env.orch.Deploy(context.Background(), app, "r7")
	require.NoError(t, err)

	entries, err := os.ReadDir(env.path("srv", "shop", "releases", "r7", "config", "sidekiq"))
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"default1.yml", "default2.yml", "default3.yml", "default4.yml"}, names)
}

func TestDeploy_StopFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t, false, false)
	env.supervisor.ExpectedCalls = nil
	env.supervisor.On("StopGroup", mock.Anything, "sidekiq_shop_group").
		Return(errors.NewSupervisorCommandError("supervisor stop failed", nil)).Once()
	env.supervisor.On("Reload", mock.Anything).Return(nil).Once()

	result, err := env.orch.Deploy(context.Background(), env.app(t, "shop"), "r1")
	require.NoError(t, err)
	assert.True(t, result.Reloaded)
	env.supervisor.AssertExpectations(t)
}

func TestDeploy_ReloadFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, false, true)
	env.supervisor.ExpectedCalls = nil
	env.supervisor.On("StopGroup", mock.Anything, mock.Anything).Return(nil)
	env.supervisor.On("Reload", mock.Anything).Return(errors.NewSupervisorCommandError("supervisor reload failed", nil))

	_, err := env.orch.Deploy(context.Background(), env.app(t, "shop"), "r1")
	require.Error(t, err)
	assert.True(t, errors.IsSupervisorCommandError(err))
	env.supervisor.AssertNotCalled(t, "StartGroup", mock.Anything, mock.Anything)

	// The failed deploy is not recorded as active
	active, err := env.ledger.ActiveRelease(context.Background(), "shop")
	require.NoError(t, err)
	assert.Empty(t, active)

	events, err := env.ledger.Events(context.Background(), "shop", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "failure", events[0].Result)
}

func TestDeploy_StartAfterDeploy(t *testing.T) {
	env := newTestEnv(t, true, false)

	_, err := env.orch.Deploy(context.Background(), env.app(t, "shop"), "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"StopGroup", "Reload", "StartGroup"}, env.supervisor.methods())
}

func TestDeploy_SharedConfigDirectoryMissingIsSkipped(t *testing.T) {
	env := newTestEnv(t, false, false)

	// blog has no shared/config directory
	_, err := env.orch.Deploy(context.Background(), env.app(t, "blog"), "")
	require.NoError(t, err)

	assert.NoFileExists(t, env.path("srv", "blog", "shared", "config", "sidekiq.yml"))
	_, err = os.Lstat(env.path("srv", "blog", "releases", "b1", "config", "sidekiq.yml"))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, env.path("srv", "blog", "releases", "b1", "config", "sidekiq", "default1.yml"))
}

func TestDeploy_RenderFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, false, false)

	// A file where the release directory should be
	require.NoError(t, os.MkdirAll(env.path("srv", "shop", "releases"), 0755))
	require.NoError(t, os.WriteFile(env.path("srv", "shop", "releases", "r1"), []byte("x"), 0644))

	_, err := env.orch.Deploy(context.Background(), env.app(t, "shop"), "r1")
	require.Error(t, err)
	assert.True(t, errors.IsConfigRenderError(err))

	// Nothing reached the supervisor
	assert.Empty(t, env.supervisor.methods())
	assert.NoFileExists(t, env.link())
}

func TestDeploy_SkipsUnmanagedApplications(t *testing.T) {
	env := newTestEnv(t, false, false)

	result, err := env.orch.Deploy(context.Background(), env.app(t, "static-site"), "s1")
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Contains(t, result.SkipReason, "static")
	assert.Empty(t, env.supervisor.methods())
}

func TestDeploy_RequiresRelease(t *testing.T) {
	env := newTestEnv(t, false, false)
	app := env.app(t, "shop")
	app.Release = ""

	_, err := env.orch.Deploy(context.Background(), app, "")
	assert.True(t, errors.IsValidationError(err))

	_, err = env.orch.Deploy(context.Background(), app, "../etc")
	assert.True(t, errors.IsValidationError(err))
	assert.Empty(t, env.supervisor.methods())
}

func TestRollback_ThenRollForwardReusesArtifacts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false, true)
	app := env.app(t, "shop")

	_, err := env.orch.Deploy(ctx, app, "r1")
	require.NoError(t, err)
	_, err = env.orch.Deploy(ctx, app, "r2")
	require.NoError(t, err)

	r2Descriptor := readFile(t, env.descriptor("r2"))
	r2Config := readFile(t, env.path("srv", "shop", "releases", "r2", "config", "sidekiq", "default1.yml"))
	env.supervisor.Calls = nil

	// Previous release comes from the ledger
	result, err := env.orch.Rollback(ctx, app, "")
	require.NoError(t, err)
	assert.Equal(t, "r1", result.Release)
	assert.Equal(t, []string{"StopGroup", "Reload", "StartGroup"}, env.supervisor.methods())

	target, err := os.Readlink(env.link())
	require.NoError(t, err)
	assert.Equal(t, env.descriptor("r1"), target)

	// The newer release is unlinked, not deleted
	assert.FileExists(t, env.descriptor("r2"))

	active, err := env.ledger.ActiveRelease(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "r1", active)

	_, err = env.orch.Rollback(ctx, app, "r2")
	require.NoError(t, err)

	target, err = os.Readlink(env.link())
	require.NoError(t, err)
	assert.Equal(t, env.descriptor("r2"), target)
	assert.Equal(t, r2Descriptor, readFile(t, env.descriptor("r2")))
	assert.Equal(t, r2Config, readFile(t, env.path("srv", "shop", "releases", "r2", "config", "sidekiq", "default1.yml")))
}

func TestRollback_WithoutLedgerUsesReleaseDirectories(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false, false)
	app := env.app(t, "shop")

	for _, release := range []string{"20240101000000", "20240201000000", "20240301000000"} {
		_, err := env.orch.Deploy(ctx, app, release)
		require.NoError(t, err)
	}

	result, err := env.orch.Rollback(ctx, app, "")
	require.NoError(t, err)
	assert.Equal(t, "20240201000000", result.Release)

	result, err = env.orch.Rollback(ctx, app, "")
	require.NoError(t, err)
	assert.Equal(t, "20240101000000", result.Release)

	_, err = env.orch.Rollback(ctx, app, "")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRollback_TargetWithoutDescriptor(t *testing.T) {
	env := newTestEnv(t, false, false)

	_, err := env.orch.Rollback(context.Background(), env.app(t, "shop"), "r9")
	require.Error(t, err)
	assert.True(t, errors.IsDescriptorMissingError(err))
	assert.Empty(t, env.supervisor.methods())
}

func TestRollback_StartFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false, false)
	app := env.app(t, "shop")

	_, err := env.orch.Deploy(ctx, app, "r1")
	require.NoError(t, err)
	_, err = env.orch.Deploy(ctx, app, "r2")
	require.NoError(t, err)

	env.supervisor.ExpectedCalls = nil
	env.supervisor.On("StopGroup", mock.Anything, mock.Anything).Return(nil)
	env.supervisor.On("Reload", mock.Anything).Return(nil)
	env.supervisor.On("StartGroup", mock.Anything, mock.Anything).Return(errors.NewSupervisorCommandError("supervisor start failed", nil))

	_, err = env.orch.Rollback(ctx, app, "r1")
	assert.True(t, errors.IsSupervisorCommandError(err))
}

func TestUndeploy_WithoutDescriptorIsNoop(t *testing.T) {
	env := newTestEnv(t, false, false)

	result, err := env.orch.Undeploy(context.Background(), env.app(t, "shop"))
	require.NoError(t, err)
	assert.False(t, result.Reloaded)
	assert.Empty(t, env.supervisor.methods())
}

func TestUndeploy_RemovesDescriptorAndReloads(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false, true)
	app := env.app(t, "shop")

	_, err := env.orch.Deploy(ctx, app, "r1")
	require.NoError(t, err)
	env.supervisor.Calls = nil

	result, err := env.orch.Undeploy(ctx, app)
	require.NoError(t, err)
	assert.True(t, result.Reloaded)
	assert.Equal(t, "r1", result.Release)
	assert.Equal(t, []string{"Reload"}, env.supervisor.methods())

	_, err = os.Lstat(env.link())
	assert.True(t, os.IsNotExist(err))
	// Release artifacts belong to the application deploy
	assert.FileExists(t, env.descriptor("r1"))

	active, err := env.ledger.ActiveRelease(ctx, "shop")
	require.NoError(t, err)
	assert.Empty(t, active)

	// Second undeploy is a no-op
	env.supervisor.Calls = nil
	result, err = env.orch.Undeploy(ctx, app)
	require.NoError(t, err)
	assert.False(t, result.Reloaded)
	assert.Empty(t, env.supervisor.methods())
}

func TestUndeploy_ReloadFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false, false)
	app := env.app(t, "shop")

	_, err := env.orch.Deploy(ctx, app, "r1")
	require.NoError(t, err)

	env.supervisor.ExpectedCalls = nil
	env.supervisor.On("Reload", mock.Anything).Return(errors.NewSupervisorCommandError("supervisor reload failed", nil))

	_, err = env.orch.Undeploy(ctx, app)
	assert.True(t, errors.IsSupervisorCommandError(err))
}

func TestRestart(t *testing.T) {
	env := newTestEnv(t, false, false)

	result, err := env.orch.Restart(context.Background(), env.app(t, "shop"))
	require.NoError(t, err)
	assert.Equal(t, []string{"RestartGroup"}, env.supervisor.methods())
	env.supervisor.AssertCalled(t, "RestartGroup", mock.Anything, "sidekiq_shop_group")
	assert.Equal(t, []groupstatemachine.GroupState{groupstatemachine.GroupStateStarting, groupstatemachine.GroupStateActive}, result.States)
}

func TestRestart_ReturnsSupervisorError(t *testing.T) {
	env := newTestEnv(t, false, false)
	env.supervisor.ExpectedCalls = nil
	env.supervisor.On("RestartGroup", mock.Anything, mock.Anything).Return(errors.NewSupervisorCommandError("supervisor restart failed", nil))

	_, err := env.orch.Restart(context.Background(), env.app(t, "shop"))
	assert.True(t, errors.IsSupervisorCommandError(err))
}

func TestSetup(t *testing.T) {
	env := newTestEnv(t, false, false)
	require.NoError(t, os.MkdirAll(env.path("sudoers.d"), 0755))
	app := env.app(t, "blog")

	_, err := env.orch.Setup(context.Background(), app)
	require.NoError(t, err)

	assert.DirExists(t, env.path("srv", "blog", "shared", "log"))
	assert.Equal(t, ":redis_config: {}\n", readFile(t, env.path("srv", "blog", "shared", "config", "sidekiq.yml")))
	// blog has no user, so no sudoers rule
	assert.NoFileExists(t, env.path("sudoers.d", "deploy"))

	// The user need not exist for the rule to be written
	app.User = "deploy"
	err = env.orch.writeSudoers(app, env.path("sudoers.d"))
	require.NoError(t, err)
	assert.Contains(t, readFile(t, env.path("sudoers.d", "deploy")), "deploy ALL=(root) NOPASSWD: /usr/bin/monit")

	info, err := os.Stat(env.path("sudoers.d", "deploy"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0440), info.Mode().Perm())
	assert.Empty(t, env.supervisor.methods())
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false, true)
	app := env.app(t, "shop")

	_, err := env.orch.Deploy(ctx, app, "r1")
	require.NoError(t, err)
	_, err = env.orch.Deploy(ctx, app, "r2")
	require.NoError(t, err)

	status, err := env.orch.Status(ctx, app)
	require.NoError(t, err)
	assert.True(t, status.Managed)
	assert.Equal(t, "r2", status.LinkedRelease)
	assert.Equal(t, "r2", status.ActiveRelease)
	assert.Equal(t, "r1", status.PreviousRelease)
	assert.Equal(t, []string{"default1", "default2", "mailers1"}, status.Instances)
	require.Len(t, status.Processes, 3)
	assert.False(t, status.Processes[0].Running)
	assert.Zero(t, status.Processes[0].PID)

	// A live worker of the linked release
	pidFile := env.path("srv", "shop", "releases", "r2", "tmp", "pids", "sidekiq_default1.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))
	status, err = env.orch.Status(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), status.Processes[0].PID)
	assert.True(t, status.Processes[0].Running)
	assert.Len(t, status.Releases, 2)
	assert.Len(t, status.Events, 2)

	status, err = env.orch.Status(ctx, env.app(t, "static-site"))
	require.NoError(t, err)
	assert.False(t, status.Managed)
}

func TestNewOrchestrator_RequiresConfigAndSupervisor(t *testing.T) {
	_, err := NewOrchestrator(OrchestratorOptions{}, Dependencies{Supervisor: newMockSupervisor()})
	assert.True(t, errors.IsValidationError(err))

	_, err = NewOrchestrator(OrchestratorOptions{Config: &deployconfig.Config{}}, Dependencies{})
	assert.True(t, errors.IsValidationError(err))
}
