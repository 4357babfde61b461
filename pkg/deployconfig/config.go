package deployconfig

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/core-tools/hsu-workerdeploy/pkg/configvalue"
	"github.com/core-tools/hsu-workerdeploy/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level configuration file structure
type Config struct {
	Supervisor   SupervisorConfig `yaml:"supervisor"`
	Ledger       LedgerConfig     `yaml:"ledger"`
	Metrics      MetricsConfig    `yaml:"metrics"`
	Logging      LoggingConfig    `yaml:"logging"`
	ManagedTypes []string         `yaml:"managed_types,omitempty"` // Application types that get workers
	Applications []Application    `yaml:"applications"`
}

// SupervisorConfig describes how the process supervisor is driven
type SupervisorConfig struct {
	Command          string        `yaml:"command,omitempty"`
	ConfDir          string        `yaml:"conf_dir,omitempty"`
	UseSudo          *bool         `yaml:"use_sudo,omitempty"` // Pointer to distinguish unset from false
	CommandTimeout   time.Duration `yaml:"command_timeout,omitempty"`
	StartAfterDeploy bool          `yaml:"start_after_deploy,omitempty"`
	SudoersDir       string        `yaml:"sudoers_dir,omitempty"`
}

type LedgerConfig struct {
	Path string `yaml:"path,omitempty"` // Empty disables the release ledger
}

type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path,omitempty"` // node_exporter textfile collector target
}

type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // console or json
}

// Application is one deployable unit and its worker fleet
type Application struct {
	Name        string         `yaml:"name"`
	Type        string         `yaml:"application_type"`
	DeployTo    string         `yaml:"deploy_to"`
	User        string         `yaml:"user,omitempty"`
	Group       string         `yaml:"group,omitempty"`
	Environment string         `yaml:"environment,omitempty"`
	Release     string         `yaml:"release,omitempty"` // Release being deployed, can be overridden on the command line
	Sidekiq     *SidekiqConfig `yaml:"sidekiq,omitempty"` // nil means no workers for this application
}

// SidekiqConfig holds the worker settings of an application
type SidekiqConfig struct {
	RedisConfig    configvalue.Value `yaml:"redis_config"`
	Syslog         bool              `yaml:"syslog,omitempty"`
	RestartCommand string            `yaml:"restart_command,omitempty"`
	Command        string            `yaml:"command,omitempty"`
	StartTimeout   time.Duration     `yaml:"start_timeout,omitempty"`
	StopTimeout    time.Duration     `yaml:"stop_timeout,omitempty"`
	PreflightRedis bool              `yaml:"preflight_redis,omitempty"`
	Workers        []WorkerSpec      `yaml:"workers"`
}

// WorkerSpec declares one worker type of an application
type WorkerSpec struct {
	Name           string            `yaml:"name"`
	ProcessCount   int               `yaml:"process_count,omitempty"`
	Config         configvalue.Value `yaml:"config"`
	Syslog         *bool             `yaml:"syslog,omitempty"`
	RestartCommand string            `yaml:"restart_command,omitempty"`
}

const (
	DefaultSupervisorCommand = "monit"
	DefaultSupervisorConfDir = "/etc/monit/conf.d"
	DefaultCommandTimeout    = 60 * time.Second
	DefaultSidekiqCommand    = "bundle exec sidekiq"
	DefaultStartTimeout      = 90 * time.Second
	DefaultStopTimeout       = 90 * time.Second
	DefaultEnvironment       = "production"
	DefaultApplicationType   = "rails"
)

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

	// deploy_to is embedded unquoted in supervisor start commands
	deployToPattern = regexp.MustCompile(`^/[A-Za-z0-9_.@+/-]*$`)
)

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data)
	if err != nil {
		if domainErr, ok := err.(*errors.DomainError); ok {
			return nil, domainErr.WithContext("filename", filename)
		}
		return nil, err
	}
	return config, nil
}

// ParseConfig decodes configuration from YAML and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	// Set defaults
	if err := setConfigDefaults(&config); err != nil {
		return nil, errors.NewValidationError("failed to apply configuration defaults", err)
	}

	return &config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateSupervisorConfig(&config.Supervisor); err != nil {
		return errors.NewValidationError("invalid supervisor configuration", err)
	}

	if err := validateLoggingConfig(&config.Logging); err != nil {
		return errors.NewValidationError("invalid logging configuration", err)
	}

	if err := validateApplications(config.Applications); err != nil {
		return errors.NewValidationError("invalid applications configuration", err)
	}

	return nil
}

// ValidateName validates application and worker names, which end up in file and supervisor names
func ValidateName(name string) error {
	if name == "" {
		return errors.NewValidationError("name cannot be empty", nil)
	}
	if !namePattern.MatchString(name) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid name: %s", name),
			nil,
		).WithContext("allowed", "letters, digits, '_', '.', '-'")
	}
	return nil
}

// ValidateRelease validates a release identifier used as a directory name
func ValidateRelease(release string) error {
	if release == "" {
		return errors.NewValidationError("release cannot be empty", nil)
	}
	if release == "." || release == ".." || strings.ContainsAny(release, `/\`) {
		return errors.NewValidationError(fmt.Sprintf("invalid release: %s", release), nil)
	}
	return nil
}

// InstanceName names the index-th process of worker, e.g. default2
func InstanceName(worker string, index int) string {
	return fmt.Sprintf("%s%d", worker, index)
}

// Clone returns a copy of the application that shares no mutable state with it
func (a Application) Clone() Application {
	if a.Sidekiq == nil {
		return a
	}
	sidekiq := *a.Sidekiq
	sidekiq.Workers = make([]WorkerSpec, len(a.Sidekiq.Workers))
	for i, worker := range a.Sidekiq.Workers {
		if worker.Syslog != nil {
			syslog := *worker.Syslog
			worker.Syslog = &syslog
		}
		sidekiq.Workers[i] = worker
	}
	a.Sidekiq = &sidekiq
	return a
}

// UseSudoEnabled reports whether supervisor commands are prefixed with sudo
func (c SupervisorConfig) UseSudoEnabled() bool {
	return c.UseSudo == nil || *c.UseSudo
}

// IsManaged reports whether workers are managed for the application, with a reason when they are not
func (c *Config) IsManaged(app Application) (bool, string) {
	managedType := false
	for _, t := range c.ManagedTypes {
		if app.Type == t {
			managedType = true
			break
		}
	}
	if !managedType {
		return false, fmt.Sprintf("application type '%s' is not one of %v", app.Type, c.ManagedTypes)
	}
	if app.Sidekiq == nil {
		return false, "application has no sidekiq configuration"
	}
	return true, ""
}

// SelectApplications returns copies of the named applications in configuration order, or of all of them when names is empty
func (c *Config) SelectApplications(names []string) ([]Application, error) {
	if len(names) == 0 {
		selected := make([]Application, 0, len(c.Applications))
		for _, app := range c.Applications {
			selected = append(selected, app.Clone())
		}
		return selected, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	var selected []Application
	for _, app := range c.Applications {
		if wanted[app.Name] {
			selected = append(selected, app.Clone())
			delete(wanted, app.Name)
		}
	}

	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for _, name := range names {
			if wanted[name] {
				missing = append(missing, name)
			}
		}
		return nil, errors.NewNotFoundError("unknown applications", nil).
			WithContext("applications", strings.Join(missing, ", "))
	}
	return selected, nil
}

// WorkerSyslog resolves the syslog setting of a worker, falling back to the application setting
func (s *SidekiqConfig) WorkerSyslog(worker WorkerSpec) bool {
	if worker.Syslog != nil {
		return *worker.Syslog
	}
	return s.Syslog
}

// WorkerRestartCommand resolves the restart command of a worker, falling back to the application setting
func (s *SidekiqConfig) WorkerRestartCommand(worker WorkerSpec) string {
	if worker.RestartCommand != "" {
		return worker.RestartCommand
	}
	return s.RestartCommand
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config) error {
	if config.Supervisor.Command == "" {
		config.Supervisor.Command = DefaultSupervisorCommand
	}
	if config.Supervisor.ConfDir == "" {
		config.Supervisor.ConfDir = DefaultSupervisorConfDir
	}
	if config.Supervisor.UseSudo == nil {
		useSudo := true
		config.Supervisor.UseSudo = &useSudo
	}
	if config.Supervisor.CommandTimeout == 0 {
		config.Supervisor.CommandTimeout = DefaultCommandTimeout
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "console"
	}
	if len(config.ManagedTypes) == 0 {
		config.ManagedTypes = []string{DefaultApplicationType}
	}

	for i := range config.Applications {
		app := &config.Applications[i]

		if app.Environment == "" {
			app.Environment = DefaultEnvironment
		}
		if app.Sidekiq == nil {
			continue
		}

		if err := setSidekiqDefaults(app.Sidekiq); err != nil {
			return errors.NewValidationError("failed to apply sidekiq defaults", err).WithContext("application", app.Name)
		}
	}

	return nil
}

func setSidekiqDefaults(config *SidekiqConfig) error {
	// redis_config defaults to an empty mapping
	if config.RedisConfig.IsNull() {
		config.RedisConfig = configvalue.Mapping()
	}
	if config.Command == "" {
		config.Command = DefaultSidekiqCommand
	}
	if config.StartTimeout == 0 {
		config.StartTimeout = DefaultStartTimeout
	}
	if config.StopTimeout == 0 {
		config.StopTimeout = DefaultStopTimeout
	}

	for i := range config.Workers {
		worker := &config.Workers[i]

		// Default process count is one process per worker
		if worker.ProcessCount == 0 {
			worker.ProcessCount = 1
		}
		if worker.Config.IsNull() {
			worker.Config = configvalue.Mapping()
		}
	}

	return nil
}

// Validation functions

func validateSupervisorConfig(config *SupervisorConfig) error {
	if config.Command == "" {
		return errors.NewValidationError("supervisor command cannot be empty", nil)
	}
	if config.ConfDir == "" {
		return errors.NewValidationError("supervisor conf_dir cannot be empty", nil)
	}
	if config.CommandTimeout < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("invalid command timeout: %s", config.CommandTimeout),
			nil,
		)
	}
	return nil
}

func validateLoggingConfig(config *LoggingConfig) error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	valid := false
	for _, level := range validLogLevels {
		if config.Level == level {
			valid = true
			break
		}
	}
	if !valid {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", config.Level),
			nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	if config.Format != "console" && config.Format != "json" {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log format: %s", config.Format),
			nil,
		).WithContext("valid_formats", "console, json")
	}
	return nil
}

func validateApplications(apps []Application) error {
	// Check for duplicate application names
	seenNames := make(map[string]int)
	for i, app := range apps {
		if err := ValidateName(app.Name); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid application name at index %d", i),
				err,
			).WithContext("application", app.Name)
		}

		if prevIndex, exists := seenNames[app.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate application name '%s' found at indices %d and %d", app.Name, prevIndex, i),
				nil,
			)
		}
		seenNames[app.Name] = i

		if app.DeployTo == "" {
			return errors.NewValidationError("deploy_to is required", nil).WithContext("application", app.Name)
		}
		if !deployToPattern.MatchString(app.DeployTo) {
			return errors.NewValidationError(
				fmt.Sprintf("invalid deploy_to: %s", app.DeployTo),
				nil,
			).WithContext("application", app.Name).
				WithContext("allowed", "absolute path of letters, digits, '_', '.', '@', '+', '-', '/'")
		}

		for field, value := range map[string]string{"environment": app.Environment, "user": app.User, "group": app.Group} {
			if value == "" {
				continue
			}
			if err := ValidateName(value); err != nil {
				return errors.NewValidationError(fmt.Sprintf("invalid %s", field), err).WithContext("application", app.Name)
			}
		}

		if app.Release != "" {
			if err := ValidateRelease(app.Release); err != nil {
				return errors.NewValidationError("invalid release", err).WithContext("application", app.Name)
			}
		}

		if app.Sidekiq != nil {
			if err := validateSidekiqConfig(app.Sidekiq); err != nil {
				return errors.NewValidationError("invalid sidekiq configuration", err).WithContext("application", app.Name)
			}
		}
	}

	return nil
}

func validateSidekiqConfig(config *SidekiqConfig) error {
	if config.RedisConfig.Kind() != configvalue.KindMapping {
		return errors.NewValidationError(
			fmt.Sprintf("redis_config must be a mapping, got %s", config.RedisConfig.Kind()),
			nil,
		)
	}

	for field, command := range map[string]string{"command": config.Command, "restart_command": config.RestartCommand} {
		if err := validateCommand(command); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid %s", field), err)
		}
	}

	seenWorkers := make(map[string]int)
	seenInstances := make(map[string]string)
	for i, worker := range config.Workers {
		if err := ValidateName(worker.Name); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid worker name at index %d", i),
				err,
			).WithContext("worker", worker.Name)
		}

		if prevIndex, exists := seenWorkers[worker.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate worker name '%s' found at indices %d and %d", worker.Name, prevIndex, i),
				nil,
			)
		}
		seenWorkers[worker.Name] = i

		if worker.ProcessCount < 1 {
			return errors.NewValidationError(
				fmt.Sprintf("invalid process count: %d", worker.ProcessCount),
				nil,
			).WithContext("worker", worker.Name).WithContext("valid_range", ">= 1")
		}

		if err := validateCommand(worker.RestartCommand); err != nil {
			return errors.NewValidationError("invalid restart_command", err).WithContext("worker", worker.Name)
		}

		// Instance names share one namespace: worker a, index 11 and worker a1, index 1 are both a11
		for index := 1; index <= worker.ProcessCount; index++ {
			name := InstanceName(worker.Name, index)
			owner := fmt.Sprintf("%s/%d", worker.Name, index)
			if previous, exists := seenInstances[name]; exists {
				return errors.NewValidationError(
					fmt.Sprintf("instance name '%s' of %s collides with %s", name, owner, previous),
					nil,
				).WithContext("worker", worker.Name)
			}
			seenInstances[name] = owner
		}

		if worker.Config.Kind() != configvalue.KindMapping {
			return errors.NewValidationError(
				fmt.Sprintf("worker config must be a mapping, got %s", worker.Config.Kind()),
				nil,
			).WithContext("worker", worker.Name)
		}
	}

	return nil
}

// validateCommand rejects characters that would break out of the quoted supervisor program line
func validateCommand(command string) error {
	if strings.ContainsAny(command, "'\"\n\r") {
		return errors.NewValidationError(
			fmt.Sprintf("invalid command: %q", command),
			nil,
		).WithContext("forbidden", "quotes and line breaks")
	}
	return nil
}
