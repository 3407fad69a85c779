package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kai648846760/iflow-bot/pkg/cron"
)

func TestParseScheduleEvery(t *testing.T) {
	sched, err := parseSchedule("90s", "", "", "")
	if err != nil {
		t.Fatalf("parseSchedule() error: %v", err)
	}
	if sched.Kind != cron.ScheduleEvery {
		t.Errorf("Kind = %q, want %q", sched.Kind, cron.ScheduleEvery)
	}
	if sched.EveryMs == nil || *sched.EveryMs != 90*time.Second.Milliseconds() {
		t.Errorf("EveryMs = %v, want %d", sched.EveryMs, 90*time.Second.Milliseconds())
	}
}

func TestParseScheduleAt(t *testing.T) {
	sched, err := parseSchedule("", "2030-01-01T00:00:00Z", "", "")
	if err != nil {
		t.Fatalf("parseSchedule() error: %v", err)
	}
	if sched.Kind != cron.ScheduleAt {
		t.Errorf("Kind = %q, want %q", sched.Kind, cron.ScheduleAt)
	}
	if sched.AtMs == nil {
		t.Fatal("AtMs is nil")
	}
}

func TestParseScheduleCronWithTZ(t *testing.T) {
	sched, err := parseSchedule("", "", "0 9 * * *", "America/New_York")
	if err != nil {
		t.Fatalf("parseSchedule() error: %v", err)
	}
	if sched.Kind != cron.ScheduleCron {
		t.Errorf("Kind = %q, want %q", sched.Kind, cron.ScheduleCron)
	}
	if sched.Expr == nil || *sched.Expr != "0 9 * * *" {
		t.Errorf("Expr = %v, want %q", sched.Expr, "0 9 * * *")
	}
	if sched.TZ == nil || *sched.TZ != "America/New_York" {
		t.Errorf("TZ = %v, want %q", sched.TZ, "America/New_York")
	}
}

func TestParseScheduleRejectsZeroOrMultiple(t *testing.T) {
	if _, err := parseSchedule("", "", "", ""); err == nil {
		t.Error("expected error when none of --every/--at/--cron are set")
	}
	if _, err := parseSchedule("1m", "2030-01-01T00:00:00Z", "", ""); err == nil {
		t.Error("expected error when more than one of --every/--at/--cron are set")
	}
}

func TestParseScheduleInvalidEvery(t *testing.T) {
	if _, err := parseSchedule("not-a-duration", "", "", ""); err == nil {
		t.Error("expected error for invalid --every")
	}
}

func TestParseScheduleInvalidAt(t *testing.T) {
	if _, err := parseSchedule("", "not-a-timestamp", "", ""); err == nil {
		t.Error("expected error for invalid --at")
	}
}

func TestRedactSecrets(t *testing.T) {
	m := map[string]interface{}{
		"Workspace": "/home/bot/workspace",
		"Telegram": map[string]interface{}{
			"Token":     "123:ABC",
			"AllowFrom": []interface{}{"alice"},
		},
		"Email": map[string]interface{}{
			"SMTPPassword": "hunter2",
			"IMAPHost":     "imap.example.com",
		},
	}
	redactSecrets(m)

	if m["Workspace"] != "/home/bot/workspace" {
		t.Errorf("non-secret field was mutated: %v", m["Workspace"])
	}
	telegram := m["Telegram"].(map[string]interface{})
	if telegram["Token"] != "<redacted>" {
		t.Errorf("Token = %v, want <redacted>", telegram["Token"])
	}
	email := m["Email"].(map[string]interface{})
	if email["SMTPPassword"] != "<redacted>" {
		t.Errorf("SMTPPassword = %v, want <redacted>", email["SMTPPassword"])
	}
	if email["IMAPHost"] != "imap.example.com" {
		t.Errorf("non-secret field was mutated: %v", email["IMAPHost"])
	}
}

func TestScaffoldWorkspace(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "ws")
	if err := scaffoldWorkspace(workspace); err != nil {
		t.Fatalf("scaffoldWorkspace() error: %v", err)
	}
	for _, name := range []string{"BOOTSTRAP.md", "AGENTS.md", "HEARTBEAT.md"} {
		if _, err := os.Stat(filepath.Join(workspace, name)); err != nil {
			t.Errorf("expected seed file %s: %v", name, err)
		}
	}
}

func TestScaffoldWorkspacePreservesExisting(t *testing.T) {
	workspace := t.TempDir()
	custom := filepath.Join(workspace, "BOOTSTRAP.md")
	if err := os.WriteFile(custom, []byte("custom content"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := scaffoldWorkspace(workspace); err != nil {
		t.Fatalf("scaffoldWorkspace() error: %v", err)
	}
	data, err := os.ReadFile(custom)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "custom content" {
		t.Errorf("scaffoldWorkspace overwrote existing file: %q", string(data))
	}
}
