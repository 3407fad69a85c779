package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRemovePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")

	if pid := readPID(path); pid != 0 {
		t.Errorf("readPID() on missing file = %d, want 0", pid)
	}

	if err := writePID(path, 4242); err != nil {
		t.Fatalf("writePID() error: %v", err)
	}
	if pid := readPID(path); pid != 4242 {
		t.Errorf("readPID() = %d, want 4242", pid)
	}

	if err := removePID(path); err != nil {
		t.Fatalf("removePID() error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected pid file to be removed")
	}

	// removing an already-absent file is not an error.
	if err := removePID(path); err != nil {
		t.Errorf("removePID() on absent file error: %v", err)
	}
}

func TestReadPIDUnparsable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if pid := readPID(path); pid != 0 {
		t.Errorf("readPID() on garbage content = %d, want 0", pid)
	}
}

func TestPidAlive(t *testing.T) {
	if !pidAlive(os.Getpid()) {
		t.Error("pidAlive() on own process = false, want true")
	}
	if pidAlive(0) {
		t.Error("pidAlive(0) = true, want false")
	}
	if pidAlive(-1) {
		t.Error("pidAlive(-1) = true, want false")
	}
}

func TestGuardSingleInstanceNoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")
	if err := guardSingleInstance(path); err != nil {
		t.Errorf("guardSingleInstance() with no pidfile error: %v", err)
	}
}

func TestGuardSingleInstanceStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")
	// PID 999999 is extremely unlikely to be alive in the test sandbox.
	if err := writePID(path, 999999); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := guardSingleInstance(path); err != nil {
		t.Errorf("guardSingleInstance() with stale pidfile error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected stale pid file to be cleared")
	}
}

func TestGuardSingleInstanceLivePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")
	if err := writePID(path, os.Getpid()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	err := guardSingleInstance(path)
	if err == nil {
		t.Fatal("expected errAlreadyRunning, got nil")
	}
	if _, ok := err.(errAlreadyRunning); !ok {
		t.Errorf("error type = %T, want errAlreadyRunning", err)
	}
}
