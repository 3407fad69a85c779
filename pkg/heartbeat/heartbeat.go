// Package heartbeat implements the Heartbeat service (C9): a periodic
// wake-up that reads workspace/HEARTBEAT.md and, if it has actionable
// content, asks the agent to act on it and forwards anything other
// than an all-clear token to the user.
package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kai648846760/iflow-bot/pkg/constants"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// Prompt is the fixed instruction sent to the agent on every tick that
// finds actionable content.
const Prompt = "Read HEARTBEAT.md in your workspace and follow any instructions listed there. " +
	"If nothing needs attention, reply with exactly: " + constants.HeartbeatOKToken

var emptyLinePatterns = map[string]struct{}{
	"- [ ]": {}, "* [ ]": {}, "- [x]": {}, "* [x]": {},
}

// isEmpty reports whether content has no actionable lines: blank,
// headings, HTML comments, and un/checked checkbox stubs are all
// skipped; any other non-blank line counts as actionable.
func isEmpty(content string) bool {
	if strings.TrimSpace(content) == "" {
		return true
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "<!--") {
			continue
		}
		if _, skip := emptyLinePatterns[line]; skip {
			continue
		}
		return false
	}
	return true
}

// OnHeartbeat runs the fixed prompt through the agent and returns its
// final text.
type OnHeartbeat func(ctx context.Context, prompt string) (string, error)

// OnNotify delivers a non-OK heartbeat response to the user.
type OnNotify func(ctx context.Context, response string) error

// Service is the heartbeat ticker.
type Service struct {
	Workspace   string
	OnHeartbeat OnHeartbeat
	OnNotify    OnNotify
	Interval    time.Duration
	Enabled     bool

	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New constructs a Service; a zero Interval defaults to
// constants.DefaultHeartbeatInterval.
func New(workspace string, onHeartbeat OnHeartbeat, onNotify OnNotify, interval time.Duration, enabled bool) *Service {
	if interval <= 0 {
		interval = constants.DefaultHeartbeatInterval
	}
	return &Service{
		Workspace:   workspace,
		OnHeartbeat: onHeartbeat,
		OnNotify:    onNotify,
		Interval:    interval,
		Enabled:     enabled,
	}
}

func (s *Service) heartbeatFile() string {
	return filepath.Join(s.Workspace, "HEARTBEAT.md")
}

// Start begins the interval loop; a no-op if disabled.
func (s *Service) Start(ctx context.Context) {
	if !s.Enabled {
		logger.InfoCF("heartbeat", "heartbeat service disabled", nil)
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.running.Add(1)
	go s.runLoop(runCtx)

	logger.InfoCF("heartbeat", "heartbeat service started", map[string]interface{}{"interval": s.Interval.String()})
}

// Stop cancels the loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.running.Wait()
}

func (s *Service) runLoop(ctx context.Context) {
	defer s.running.Done()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	content, err := s.readHeartbeatFile()
	if err != nil {
		logger.ErrorCF("heartbeat", "failed to read HEARTBEAT.md", map[string]interface{}{"error": err.Error()})
		return
	}

	if isEmpty(content) {
		logger.DebugCF("heartbeat", "no tasks, HEARTBEAT.md empty", nil)
		return
	}

	logger.InfoCF("heartbeat", "checking for tasks", nil)
	if s.OnHeartbeat == nil {
		return
	}

	response, err := s.OnHeartbeat(ctx, Prompt)
	if err != nil {
		logger.ErrorCF("heartbeat", "heartbeat execution failed", map[string]interface{}{"error": err.Error()})
		return
	}

	if strings.Contains(strings.ToUpper(response), constants.HeartbeatOKToken) {
		logger.InfoCF("heartbeat", "OK, nothing to report", nil)
		return
	}

	logger.InfoCF("heartbeat", "completed, delivering response", nil)
	if s.OnNotify != nil {
		if err := s.OnNotify(ctx, response); err != nil {
			logger.ErrorCF("heartbeat", "failed to deliver heartbeat response", map[string]interface{}{"error": err.Error()})
		}
	}
}

// TriggerNow runs the heartbeat prompt immediately, outside the
// interval loop, returning the raw agent response.
func (s *Service) TriggerNow(ctx context.Context) (string, error) {
	if s.OnHeartbeat == nil {
		return "", nil
	}
	return s.OnHeartbeat(ctx, Prompt)
}

func (s *Service) readHeartbeatFile() (string, error) {
	data, err := os.ReadFile(s.heartbeatFile())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
