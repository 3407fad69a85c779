package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/kai648846760/iflow-bot/pkg/constants"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// StdioTransport spawns iflow as a child process and speaks newline-
// delimited JSON-RPC 2.0 over its stdin/stdout.
type StdioTransport struct {
	command string
	args    []string
	env     []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   *bufio.Writer
	conn    *rpcConn
	done    chan struct{}
	connected bool
}

// NewStdio constructs a stdio transport that will spawn `command args...`
// with the given extra environment variables appended to the child's.
func NewStdio(command string, args []string, env []string) *StdioTransport {
	return &StdioTransport{command: command, args: args, env: env}
}

func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd := exec.CommandContext(context.Background(), t.command, t.args...)
	cmd.Env = append(os.Environ(), t.env...)
	cmd.Stderr = os.Stderr

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdio transport: stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdio transport: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("stdio transport: spawn %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = bufio.NewWriter(stdinPipe)
	t.done = make(chan struct{})
	t.connected = true

	t.conn = newRPCConn(func(v interface{}) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.connected {
			return fmt.Errorf("stdio transport: not connected")
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := t.stdin.Write(data); err != nil {
			return err
		}
		if err := t.stdin.WriteByte('\n'); err != nil {
			return err
		}
		return t.stdin.Flush()
	})

	go t.receiveLoop(stdoutPipe)
	go t.waitLoop()

	logger.InfoCF("transport", "stdio transport started", map[string]interface{}{"command": t.command})
	return nil
}

func (t *StdioTransport) receiveLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		msg, ok := decodeFrame(line)
		if !ok {
			// Not a JSON-RPC frame — a plain diagnostic line from the
			// child, per spec.md §4.3.1. Route to the log, don't parse.
			if len(line) > 0 {
				logger.DebugCF("transport", "non-rpc stdout line", map[string]interface{}{"line": string(line)})
			}
			continue
		}
		t.conn.handleIncoming(msg)
	}
	t.markDisconnected("stdout closed")
}

func (t *StdioTransport) waitLoop() {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	if cmd == nil {
		return
	}
	_ = cmd.Wait()
	t.markDisconnected("child process exited")
}

func (t *StdioTransport) markDisconnected(reason string) {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	conn := t.conn
	done := t.done
	t.mu.Unlock()

	if !wasConnected {
		return
	}
	logger.WarnCF("transport", "stdio transport disconnected", map[string]interface{}{"reason": reason})
	if conn != nil {
		conn.futures.failAll("connection lost: " + reason)
	}
	if done != nil {
		close(done)
	}
}

func (t *StdioTransport) Initialize(ctx context.Context) (AgentCapabilities, error) {
	msg, err := t.conn.call(ctx, "initialize", initializeParams())
	if err != nil {
		return AgentCapabilities{}, err
	}
	if msg.Error != nil {
		return AgentCapabilities{}, fmt.Errorf("initialize: %s", fmtRPCError(msg.Error))
	}
	return AgentCapabilities{ProtocolVersion: 1, Raw: msg.Result}, nil
}

func (t *StdioTransport) Authenticate(ctx context.Context, methodID string) (bool, error) {
	if methodID == "" {
		return true, nil
	}
	msg, err := t.conn.call(ctx, "authenticate", map[string]string{"methodId": methodID})
	if err != nil {
		return false, err
	}
	return msg.Error == nil, nil
}

func (t *StdioTransport) CreateSession(ctx context.Context, cwd, model, approvalMode string) (string, error) {
	msg, err := t.conn.call(ctx, "session/new", sessionNewParams(cwd, approvalMode, nil))
	if err != nil {
		return "", err
	}
	if msg.Error != nil {
		return "", fmt.Errorf("session/new: %s", fmtRPCError(msg.Error))
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return "", fmt.Errorf("session/new: malformed result: %w", err)
	}

	if model != "" {
		if err := t.setModel(ctx, result.SessionID, model); err != nil {
			logger.WarnCF("transport", "failed to set model on new session", map[string]interface{}{
				"session_id": result.SessionID, "model": model, "error": err.Error(),
			})
		}
	}
	return result.SessionID, nil
}

func (t *StdioTransport) setModel(ctx context.Context, sessionID, model string) error {
	msg, err := t.conn.call(ctx, "session/set_model", map[string]string{"sessionId": sessionID, "model": model})
	if err == nil && msg.Error == nil {
		return nil
	}
	msg2, err2 := t.conn.call(ctx, "session/set_config_option", map[string]string{
		"sessionId": sessionID, "configId": "model", "value": model,
	})
	if err2 != nil {
		return err2
	}
	if msg2.Error != nil {
		return fmt.Errorf("session/set_config_option: %s", fmtRPCError(msg2.Error))
	}
	return nil
}

func (t *StdioTransport) LoadSession(ctx context.Context, sessionID, cwd string) (bool, error) {
	msg, err := t.conn.call(ctx, "session/load", map[string]string{"sessionId": sessionID, "cwd": cwd})
	if err != nil {
		return false, err
	}
	if msg.Error != nil {
		if invalidRequestClass(msg) {
			return false, nil
		}
		return false, fmt.Errorf("session/load: %s", fmtRPCError(msg.Error))
	}
	return true, nil
}

func (t *StdioTransport) Prompt(ctx context.Context, sessionID, text string, onChunk ChunkFunc, onToolCall ToolCallFunc) (FinalResult, error) {
	return t.conn.prompt(ctx, sessionID, text, onChunk, onToolCall)
}

func (t *StdioTransport) Cancel(sessionID string) {
	if t.conn == nil {
		return
	}
	_ = t.conn.notify("session/cancel", map[string]string{"sessionId": sessionID})
}

func (t *StdioTransport) Stop() error {
	t.mu.Lock()
	cmd := t.cmd
	t.connected = false
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(constants.ChildProcessKillGrace):
		logger.WarnCF("transport", "child did not exit gracefully, killing", nil)
		return cmd.Process.Kill()
	}
}

func (t *StdioTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
