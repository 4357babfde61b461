package layout

import (
	"fmt"
	"path/filepath"

	"github.com/core-tools/hsu-workerdeploy/pkg/deployconfig"
)

const (
	SharedDirName        = "shared"
	ReleasesDirName      = "releases"
	SharedConfigFileName = "sidekiq.yml"
	InstanceConfigDir    = "sidekiq"
	PIDDir               = "tmp/pids"
)

// Layout computes every path and supervisor name used for one application.
// All names are deterministic so that a later run (rollback, undeploy) finds
// the artifacts written by an earlier one.
type Layout struct {
	app     string
	deploy  string
	confDir string
}

// Instance is one supervised worker process
type Instance struct {
	Worker      string // Worker name
	Index       int    // 1..process_count
	Name        string // <worker><index>
	ProcessName string // Supervisor check name
	ConfigFile  string
	PIDFile     string
	LogFile     string
	LogTag      string // syslog tag
	Syslog      bool
	Restart     string // Restart command, empty for none
}

func New(app deployconfig.Application, supervisorConfDir string) Layout {
	return Layout{
		app:     app.Name,
		deploy:  app.DeployTo,
		confDir: supervisorConfDir,
	}
}

func (l Layout) Application() string {
	return l.app
}

func (l Layout) DeployTo() string {
	return l.deploy
}

func (l Layout) SharedDir() string {
	return filepath.Join(l.deploy, SharedDirName)
}

func (l Layout) SharedConfigDir() string {
	return filepath.Join(l.SharedDir(), "config")
}

func (l Layout) SharedLogDir() string {
	return filepath.Join(l.SharedDir(), "log")
}

// SharedConfigFile is the configuration common to all releases
func (l Layout) SharedConfigFile() string {
	return filepath.Join(l.SharedConfigDir(), SharedConfigFileName)
}

func (l Layout) ReleasesDir() string {
	return filepath.Join(l.deploy, ReleasesDirName)
}

func (l Layout) ReleaseDir(release string) string {
	return filepath.Join(l.ReleasesDir(), release)
}

// ReleaseConfigDir holds the per-instance configuration files of a release
func (l Layout) ReleaseConfigDir(release string) string {
	return filepath.Join(l.ReleaseDir(release), "config", InstanceConfigDir)
}

// ReleaseSharedConfigLink is where the application reads the shared configuration from within a release
func (l Layout) ReleaseSharedConfigLink(release string) string {
	return filepath.Join(l.ReleaseDir(release), "config", SharedConfigFileName)
}

// ReleasePIDDir is release scoped so two releases never share a PID file
func (l Layout) ReleasePIDDir(release string) string {
	return filepath.Join(l.ReleaseDir(release), PIDDir)
}

// DescriptorName is the file name of the supervisor group descriptor
func (l Layout) DescriptorName() string {
	return fmt.Sprintf("sidekiq_%s.monitrc", l.app)
}

// DescriptorFile is the rendered descriptor inside a release
func (l Layout) DescriptorFile(release string) string {
	return filepath.Join(l.ReleaseDir(release), "config", l.DescriptorName())
}

// DescriptorLink is the link the supervisor reads, pointing at DescriptorFile of the active release
func (l Layout) DescriptorLink() string {
	return filepath.Join(l.confDir, l.DescriptorName())
}

// ReleaseFromDescriptor returns the release whose DescriptorFile is path
func (l Layout) ReleaseFromDescriptor(path string) (string, bool) {
	if filepath.Base(path) != l.DescriptorName() {
		return "", false
	}
	configDir := filepath.Dir(path)
	if filepath.Base(configDir) != "config" {
		return "", false
	}
	releaseDir := filepath.Dir(configDir)
	if filepath.Dir(releaseDir) != l.ReleasesDir() {
		return "", false
	}
	return filepath.Base(releaseDir), true
}

// GroupName identifies the supervisor group of the application
func (l Layout) GroupName() string {
	return fmt.Sprintf("sidekiq_%s_group", l.app)
}

func (l Layout) InstanceName(worker string, index int) string {
	return deployconfig.InstanceName(worker, index)
}

func (l Layout) ProcessName(worker string, index int) string {
	return fmt.Sprintf("sidekiq_%s-%s", l.app, l.InstanceName(worker, index))
}

func (l Layout) InstanceConfigFile(release, worker string, index int) string {
	return filepath.Join(l.ReleaseConfigDir(release), l.InstanceName(worker, index)+".yml")
}

func (l Layout) PIDFile(release, worker string, index int) string {
	return filepath.Join(l.ReleasePIDDir(release), fmt.Sprintf("sidekiq_%s.pid", l.InstanceName(worker, index)))
}

func (l Layout) LogFile(worker string, index int) string {
	return filepath.Join(l.SharedLogDir(), fmt.Sprintf("sidekiq_%s.log", l.InstanceName(worker, index)))
}

// Instances expands the worker specs of an application into its instances, in declaration order
func (l Layout) Instances(release string, sidekiq *deployconfig.SidekiqConfig) []Instance {
	if sidekiq == nil {
		return nil
	}

	var instances []Instance
	for _, worker := range sidekiq.Workers {
		for index := 1; index <= worker.ProcessCount; index++ {
			instances = append(instances, Instance{
				Worker:      worker.Name,
				Index:       index,
				Name:        l.InstanceName(worker.Name, index),
				ProcessName: l.ProcessName(worker.Name, index),
				ConfigFile:  l.InstanceConfigFile(release, worker.Name, index),
				PIDFile:     l.PIDFile(release, worker.Name, index),
				LogFile:     l.LogFile(worker.Name, index),
				LogTag:      l.ProcessName(worker.Name, index),
				Syslog:      sidekiq.WorkerSyslog(worker),
				Restart:     sidekiq.WorkerRestartCommand(worker),
			})
		}
	}
	return instances
}
