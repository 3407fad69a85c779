package transport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"

	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// sessionIDPattern recovers a session id from free-form CLI stdout. The
// CLI transport has no JSON-RPC framing at all (spec.md §4.3.1) — each
// turn is a fresh process invocation, and the session id (when one is
// printed) is the only structured artifact available.
var sessionIDPattern = regexp.MustCompile(`(?i)session[_-]?id[:=]\s*["']?([a-zA-Z0-9_-]{6,})["']?`)

// CLITransport spawns iflow once per turn: no persistent process, no
// framing, stdout is the entire response body.
type CLITransport struct {
	command string
	baseArgs []string
}

// NewCLI constructs a one-shot CLI transport invoking `command
// baseArgs... <per-call args>`.
func NewCLI(command string, baseArgs []string) *CLITransport {
	return &CLITransport{command: command, baseArgs: baseArgs}
}

func (t *CLITransport) Start(ctx context.Context) error { return nil }

func (t *CLITransport) Initialize(ctx context.Context) (AgentCapabilities, error) {
	return AgentCapabilities{ProtocolVersion: 1}, nil
}

func (t *CLITransport) Authenticate(ctx context.Context, methodID string) (bool, error) {
	return true, nil
}

// CreateSession has no prior process to ask, so it returns an empty
// session id. Prompt does not recover one from stdout; ExtractSessionID
// is the helper that parses one out of a turn's output.
func (t *CLITransport) CreateSession(ctx context.Context, cwd, model, approvalMode string) (string, error) {
	return "", nil
}

func (t *CLITransport) LoadSession(ctx context.Context, sessionID, cwd string) (bool, error) {
	return sessionID != "", nil
}

// Prompt spawns `command baseArgs... --session <sessionID> <text>` (when
// sessionID is non-empty) and returns stdout as the response content. No
// streaming is possible in this transport — onChunk is never called.
func (t *CLITransport) Prompt(ctx context.Context, sessionID, text string, onChunk ChunkFunc, onToolCall ToolCallFunc) (FinalResult, error) {
	args := append([]string{}, t.baseArgs...)
	if sessionID != "" {
		args = append(args, "--session", sessionID)
	}
	args = append(args, text)

	cmd := exec.CommandContext(ctx, t.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()

	err := cmd.Run()
	output := stdout.String()
	if err != nil {
		logger.WarnCF("transport", "cli transport invocation failed", map[string]interface{}{
			"error": err.Error(), "stderr": stderr.String(),
		})
		return FinalResult{StopReason: StopError, Error: fmt.Sprintf("%v: %s", err, stderr.String())}, err
	}

	return FinalResult{Content: output, StopReason: StopEndTurn}, nil
}

// ExtractSessionID recovers a session id from a CLI turn's stdout, if
// the agent printed one in the recognized "session_id: <id>" shape.
func ExtractSessionID(stdout string) (string, bool) {
	m := sessionIDPattern.FindStringSubmatch(stdout)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (t *CLITransport) Cancel(sessionID string) {
	// No persistent process to signal; a turn already completed by the
	// time cancellation could be requested.
}

func (t *CLITransport) Stop() error { return nil }

func (t *CLITransport) Connected() bool { return true }
