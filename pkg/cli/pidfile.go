package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// readPID returns the pid recorded in path, or 0 if the file doesn't
// exist or is unparsable.
func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// writePID records pid at path, creating its parent directory if needed.
func writePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// removePID deletes the PID file, ignoring a not-exist error.
func removePID(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// pidAlive reports whether pid refers to a live process, probed with
// signal 0 (no-op delivery, just existence/permission check).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// errAlreadyRunning is returned by guardSingleInstance.
type errAlreadyRunning struct{ pid int }

func (e errAlreadyRunning) Error() string {
	return fmt.Sprintf("gateway already running (pid %d)", e.pid)
}

// guardSingleInstance refuses to proceed if pidFile names a live
// process, and otherwise clears any stale pidFile left behind by a
// process that died without cleaning up.
func guardSingleInstance(pidFile string) error {
	pid := readPID(pidFile)
	if pid == 0 {
		return nil
	}
	if pidAlive(pid) {
		return errAlreadyRunning{pid: pid}
	}
	return removePID(pidFile)
}
