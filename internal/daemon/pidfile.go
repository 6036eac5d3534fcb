package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AlreadyRunningError reports a live daemon recorded in the PID file.
type AlreadyRunningError struct {
	PID  int
	Path string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("goatbridge is already running (PID %d, %s)", e.PID, e.Path)
}

// PIDFile records the daemon's process id.
type PIDFile struct {
	path  string
	pid   int
	alive func(pid int) bool
}

// NewPIDFile returns a PID file for the current process at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path, pid: os.Getpid(), alive: processAlive}
}

// Path returns the file location.
func (p *PIDFile) Path() string { return p.path }

// Create writes the current PID. It fails with *AlreadyRunningError when the
// recorded PID belongs to a live process other than this one; a stale or
// unreadable file is overwritten.
func (p *PIDFile) Create() error {
	if pid, err := ReadPID(p.path); err == nil && pid != p.pid && p.alive(pid) {
		return &AlreadyRunningError{PID: pid, Path: p.path}
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".goatbridge-pid-*")
	if err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := fmt.Fprintf(tmp, "%d\n", p.pid); err != nil {
		tmp.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Remove deletes the file. A missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ReadPID parses the PID recorded at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

// RunningPID returns the live PID recorded at path, or 0.
func RunningPID(path string) int {
	pid, err := ReadPID(path)
	if err != nil || !processAlive(pid) {
		return 0
	}
	return pid
}
