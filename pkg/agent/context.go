package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/constants"
)

// BuildChannelContext returns the `[message_source]` block prepended to
// every user message sent to the agent, identifying which (channel,
// chat_id) session produced it.
func BuildChannelContext(channel, chatID string) string {
	now := time.Now().Format("2006-01-02 15:04:05")
	return fmt.Sprintf(`[message_source]
channel: %s
chat_id: %s
session: %s
time: %s
[/message_source]`, channel, chatID, bus.Key(channel, chatID), now)
}

// bootstrapFileName is the marker file whose presence triggers first-run
// identity-bootstrap injection. The agent is expected to delete it once
// the bootstrap flow completes.
const bootstrapFileName = "BOOTSTRAP.md"

// agentsFileName is checked only when BOOTSTRAP.md is absent; its
// presence wraps the message with a pointer to sibling context files
// (AGENTS.md, SOUL.md, etc.) instead of a one-shot setup instruction.
const agentsFileName = "AGENTS.md"

// readWorkspaceFile returns the contents of workspace/name, or "" if it
// doesn't exist. Checked fresh on every turn rather than cached, since
// the agent itself may create or delete these files mid-flow.
func readWorkspaceFile(workspace, name string) string {
	data, err := os.ReadFile(filepath.Join(workspace, name))
	if err != nil {
		return ""
	}
	return string(data)
}

// ReadBootstrapContent returns the contents of workspace/BOOTSTRAP.md, or
// "" if the file doesn't exist.
func ReadBootstrapContent(workspace string) string {
	return readWorkspaceFile(workspace, bootstrapFileName)
}

// ReadAgentsContent returns the contents of workspace/AGENTS.md, or "" if
// the file doesn't exist.
func ReadAgentsContent(workspace string) string {
	return readWorkspaceFile(workspace, agentsFileName)
}

// InjectBootstrap wraps taggedMessage (which already ends with the
// session marker + verbatim user text) with the bootstrap instructions
// block when bootstrapContent is non-empty.
func InjectBootstrap(taggedMessage, bootstrapContent string) string {
	return fmt.Sprintf(`[BOOTSTRAP - first-run setup - must execute]
Below is the first-run bootstrap file. Follow its instructions to
complete identity setup, then delete workspace/BOOTSTRAP.md.

%s
[/BOOTSTRAP]

%s`, bootstrapContent, taggedMessage)
}

// InjectAgents wraps taggedMessage with a pointer to the workspace's
// AGENTS.md and its sibling context files (SOUL.md, USER.md, IDENTITY.md
// when present), used once BOOTSTRAP.md no longer exists.
func InjectAgents(taggedMessage, agentsContent string) string {
	return fmt.Sprintf(`[AGENTS - operating context]
%s

See sibling files in the workspace root (SOUL.md, USER.md, IDENTITY.md)
for additional context where present.
[/AGENTS]

%s`, agentsContent, taggedMessage)
}

// BuildMessage assembles the final text sent to the agent for one inbound
// turn: the `[message_source]` block, then the session marker followed by
// the user's verbatim content, wrapped in at most one of a BOOTSTRAP or
// AGENTS block depending on which workspace file is present.
func BuildMessage(workspace, channel, chatID, content string) string {
	tagged := BuildChannelContext(channel, chatID) + "\n\n" +
		constants.SessionMarker + " " + content

	if bootstrap := ReadBootstrapContent(workspace); bootstrap != "" {
		return InjectBootstrap(tagged, bootstrap)
	}
	if agentsDoc := ReadAgentsContent(workspace); agentsDoc != "" {
		return InjectAgents(tagged, agentsDoc)
	}
	return tagged
}

// IsNewSessionCommand reports whether content is a bare /new or /start
// command, which clears session state instead of reaching the agent
// (spec.md §9 Open Question (a)).
func IsNewSessionCommand(content string) bool {
	switch trimLowerTrim(content) {
	case "/new", "/start":
		return true
	default:
		return false
	}
}

func trimLowerTrim(s string) string {
	// local helper kept tiny and dependency-free: trim surrounding
	// whitespace, lowercase ASCII letters only.
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	s = s[start:end]
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
