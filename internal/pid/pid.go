// Package pid guards against two spectractl processes driving the same
// spectrometer.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/spectractl/internal/errors"
)

const (
	DefaultDir = "/run/spectractl"
	fileSuffix = ".pid"
	dirPerm    = 0o755
	filePerm   = 0o600
)

// Guard owns a PID file until Release.
type Guard struct {
	path string
}

// Filename returns the PID file name for a device. Path separators in the
// device path are flattened so /dev/ttyACM0 and a simulated device map to
// distinct files in one directory.
func Filename(device string) string {
	name := strings.Trim(strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(device), "_")
	if name == "" {
		name = "default"
	}
	return "spectractl-" + name + fileSuffix
}

// Acquire writes the current process ID to the PID file for device in dir.
// A file left by a process that is no longer running is replaced.
func Acquire(dir, device string) (*Guard, error) {
	errFactory := errors.New()

	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}

	path := filepath.Join(dir, Filename(device))
	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if err == nil {
			_, werr := file.WriteString(strconv.Itoa(os.Getpid()))
			if cerr := file.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, errFactory.Wrap(errors.ErrInternal, werr)
			}
			return &Guard{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, errFactory.Wrap(errors.ErrInternal, err)
		}

		owner, running := Owner(path)
		if running {
			return nil, errFactory.WithData(errors.ErrAlreadyRunning, struct {
				Path string
				PID  int
			}{
				Path: path,
				PID:  owner,
			})
		}

		// Stale file.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, errFactory.Wrap(errors.ErrInternal, err)
		}
	}

	return nil, errFactory.WithMessage(errors.ErrAlreadyRunning, "pid file recreated concurrently")
}

// Owner reads the PID stored at path and reports whether that process is
// alive. An unreadable file reports a PID of 0.
func Owner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}

	err = process.Signal(syscall.Signal(0))
	return pid, err == nil || errors.Is(err, syscall.EPERM)
}

func (g *Guard) Path() string { return g.path }

// Release removes the PID file. It is safe to call more than once.
func (g *Guard) Release() error {
	errFactory := errors.New()

	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}
