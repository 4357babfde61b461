package render

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"text/template"

	"github.com/core-tools/hsu-workerdeploy/pkg/configvalue"
	"github.com/core-tools/hsu-workerdeploy/pkg/errors"
	"github.com/core-tools/hsu-workerdeploy/pkg/layout"
	"github.com/core-tools/hsu-workerdeploy/pkg/logging"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Owner is the user/group a rendered artifact belongs to. Empty fields keep the current owner.
type Owner struct {
	User  string
	Group string
}

// DescriptorData is everything the supervisor group descriptor refers to
type DescriptorData struct {
	Application  string
	Release      string
	Group        string
	User         string
	UserGroup    string
	Environment  string
	ReleaseDir   string
	Command      string
	StartTimeout int // seconds
	StopTimeout  int // seconds
	Instances    []layout.Instance
}

// Renderer renders configuration artifacts and manages the files and links holding them
type Renderer struct {
	logger logging.Logger
}

func NewRenderer(logger logging.Logger) *Renderer {
	return &Renderer{logger: logger}
}

// SharedConfig renders the configuration shared by all releases
func SharedConfig(redisConfig configvalue.Value) ([]byte, error) {
	if redisConfig.IsNull() {
		redisConfig = configvalue.Mapping()
	}
	data, err := configvalue.Render(configvalue.Mapping(
		configvalue.Entry{Key: "redis_config", Value: redisConfig},
	))
	if err != nil {
		return nil, errors.NewConfigRenderError("failed to render shared configuration", err)
	}
	return data, nil
}

// InstanceConfig renders the configuration file of one worker instance
func InstanceConfig(config configvalue.Value) ([]byte, error) {
	if config.IsNull() {
		config = configvalue.Mapping()
	}
	data, err := configvalue.Render(config)
	if err != nil {
		return nil, errors.NewConfigRenderError("failed to render worker configuration", err)
	}
	return data, nil
}

// Descriptor renders the supervisor group descriptor
func Descriptor(data DescriptorData) ([]byte, error) {
	return execute("monitrc.tmpl", data)
}

// Sudoers renders a sudoers drop-in allowing user to run command
func Sudoers(user, command string) ([]byte, error) {
	return execute("sudoers.tmpl", struct {
		User    string
		Command string
	}{user, command})
}

func execute(name string, data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, errors.NewConfigRenderError("failed to execute template", err).WithContext("template", name)
	}
	return buf.Bytes(), nil
}

// EnsureDir creates path and its parents with mode and assigns ownership of path
func (r *Renderer) EnsureDir(path string, mode os.FileMode, owner Owner) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return errors.NewIOError("failed to create directory", err).WithContext("path", path)
	}
	// MkdirAll does not touch existing directories and is subject to umask
	if err := os.Chmod(path, mode); err != nil {
		return errors.NewIOError("failed to set directory mode", err).WithContext("path", path)
	}
	return r.chown(path, owner)
}

// DirExists reports whether path exists and is a directory
func (r *Renderer) DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ListDirs returns the names of the directories in path, sorted. A missing path has none.
func (r *Renderer) ListDirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewIOError("failed to list directory", err).WithContext("path", path)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// WriteFile atomically replaces path with data
func (r *Renderer) WriteFile(path string, data []byte, mode os.FileMode, owner Owner) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.NewIOError("failed to create temporary file", err).WithContext("path", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.NewIOError("failed to write file", err).WithContext("path", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.NewIOError("failed to sync file", err).WithContext("path", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewIOError("failed to close file", err).WithContext("path", path)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return errors.NewIOError("failed to set file mode", err).WithContext("path", path)
	}
	if err := r.chown(tmpName, owner); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.NewIOError("failed to replace file", err).WithContext("path", path)
	}

	r.logger.Debugf("Wrote file, path: %s, bytes: %d", path, len(data))
	return nil
}

// Relink points link at target, replacing any existing link in a single rename.
// target does not need to exist yet.
func (r *Renderer) Relink(link, target string) error {
	tmp := tempLinkName(link)
	_ = os.Remove(tmp)

	if err := os.Symlink(target, tmp); err != nil {
		return errors.NewIOError("failed to create link", err).WithContext("link", link).WithContext("target", target)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return errors.NewIOError("failed to replace link", err).WithContext("link", link).WithContext("target", target)
	}

	r.logger.Debugf("Linked %s -> %s", link, target)
	return nil
}

// tempLinkName is hidden from directory globs such as monit's include of its conf dir
func tempLinkName(link string) string {
	return filepath.Join(filepath.Dir(link), fmt.Sprintf(".%s.tmp-%d", filepath.Base(link), os.Getpid()))
}

// ReadLink returns the target of link, or a DescriptorMissing error when there is no link
func (r *Renderer) ReadLink(link string) (string, error) {
	target, err := os.Readlink(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewDescriptorMissingError("descriptor link does not exist", err).WithContext("link", link)
		}
		return "", errors.NewIOError("failed to read link", err).WithContext("link", link)
	}
	return target, nil
}

// FileExists reports whether path resolves to a regular file
func (r *Renderer) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes path, returning a DescriptorMissing error when it does not exist
func (r *Renderer) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.NewDescriptorMissingError("file does not exist", err).WithContext("path", path)
		}
		return errors.NewIOError("failed to remove file", err).WithContext("path", path)
	}
	r.logger.Debugf("Removed %s", path)
	return nil
}

func (r *Renderer) chown(path string, owner Owner) error {
	if owner.User == "" && owner.Group == "" {
		return nil
	}

	uid, gid := -1, -1
	if owner.User != "" {
		u, err := user.Lookup(owner.User)
		if err != nil {
			return errors.NewNotFoundError("failed to look up user", err).WithContext("user", owner.User)
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return errors.NewInternalError("unexpected user id", err).WithContext("user", owner.User)
		}
	}
	if owner.Group != "" {
		g, err := user.LookupGroup(owner.Group)
		if err != nil {
			return errors.NewNotFoundError("failed to look up group", err).WithContext("group", owner.Group)
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return errors.NewInternalError("unexpected group id", err).WithContext("group", owner.Group)
		}
	}

	if err := os.Lchown(path, uid, gid); err != nil {
		return errors.NewIOError("failed to change owner", err).WithContext("path", path)
	}
	return nil
}
