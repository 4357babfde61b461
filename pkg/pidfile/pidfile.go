package pidfile

import (
	stderrors "errors"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/core-tools/hsu-workerdeploy/pkg/errors"
)

// State is what a worker PID file says about its process
type State struct {
	PID     int  // 0 when there is no PID file
	Running bool // A process with PID exists
}

// Read returns the PID stored in path
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file does not exist", err).WithContext("path", path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("path", path)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID file content", err).WithContext("path", path)
	}
	return pid, nil
}

// Running reports whether a process with pid exists. Signal 0 checks existence without delivering anything.
func Running(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// The process exists but belongs to another user
	return stderrors.Is(err, syscall.EPERM)
}

// Check reads path and looks up its process. A missing PID file is a stopped process, not an error.
func Check(path string) (State, error) {
	pid, err := Read(path)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return State{}, nil
		}
		return State{}, err
	}
	return State{PID: pid, Running: Running(pid)}, nil
}
