package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kai648846760/iflow-bot/pkg/constants"
)

// transcriptEntry is one entry of iflow's persisted chatHistory.
type transcriptEntry struct {
	Role      string `json:"role"`
	Parts     []struct {
		Text string `json:"text"`
	} `json:"parts"`
	Timestamp string `json:"timestamp"`
}

type transcript struct {
	ChatHistory []transcriptEntry `json:"chatHistory"`
	CreatedAt   string             `json:"createdAt"`
}

// sessionTranscriptPath locates iflow's on-disk session file. iflow
// stores these outside the gateway's own workspace, under the user's
// home directory.
func sessionTranscriptPath(sessionID string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".iflow", "acp", "sessions", sessionID+".json"), nil
}

// ExtractHistory reads sessionID's persisted transcript and returns a
// `<history_context>...</history_context>` block built from its last
// maxTurns entries, per spec.md §4.4/§6's extraction rules. Returns ""
// if the transcript is missing, empty, or nothing survives filtering.
func ExtractHistory(workspace, sessionID string, maxTurns int) string {
	path, err := sessionTranscriptPath(sessionID)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var t transcript
	if err := json.Unmarshal(data, &t); err != nil || len(t.ChatHistory) == 0 {
		return ""
	}

	entries := t.ChatHistory
	if maxTurns <= 0 {
		maxTurns = constants.MaxHistoryTurns
	}
	if len(entries) > maxTurns {
		entries = entries[len(entries)-maxTurns:]
	}

	var turns []string
	for _, e := range entries {
		fullText := joinParts(e.Parts)
		if strings.TrimSpace(fullText) == "" {
			continue
		}
		switch e.Role {
		case "user":
			if line := formatUserTurn(fullText, e.Timestamp, t.CreatedAt); line != "" {
				turns = append(turns, line)
			}
		case "model":
			if line := formatModelTurn(fullText); line != "" {
				turns = append(turns, line)
			}
		}
	}

	if len(turns) == 0 {
		return ""
	}
	return "<history_context>\n" + strings.Join(turns, "\n\n") + "\n</history_context>"
}

func joinParts(parts []struct {
	Text string `json:"text"`
}) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Text == "" {
			continue
		}
		b.WriteString(p.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// formatUserTurn extracts the substring after 用户消息:, keeping it only
// within [MinUserHistoryChars, MaxUserHistoryChars]. Entries without the
// marker are skipped — they're not a real user turn we can trust.
func formatUserTurn(fullText, timestamp, fallbackCreatedAt string) string {
	idx := strings.Index(fullText, constants.SessionMarker)
	if idx < 0 {
		return ""
	}
	content := strings.TrimSpace(fullText[idx+len(constants.SessionMarker):])
	if len(content) < constants.MinUserHistoryChars || len(content) > constants.MaxUserHistoryChars {
		return ""
	}

	ts := timestamp
	if ts == "" {
		ts = fallbackCreatedAt
	}
	timeStr := formatTimestamp(ts)
	if timeStr == "" {
		return fmt.Sprintf("用户：%s", content)
	}
	return fmt.Sprintf("%s\n用户：%s", timeStr, content)
}

// formatModelTurn truncates at MaxAssistantHistoryChars, skips
// system-reminder/AGENTS-marker frames and anything too short to be
// meaningful context.
func formatModelTurn(fullText string) string {
	content := strings.TrimSpace(fullText)
	if len(content) > constants.MaxAssistantHistoryChars {
		content = content[:constants.MaxAssistantHistoryChars] + "..."
	}
	if strings.Contains(content, "<system-reminder>") || strings.Contains(content, "[AGENTS - ") {
		return ""
	}
	if len(content) < constants.MinTrimmedHistoryChars {
		return ""
	}
	return fmt.Sprintf("我：%s", content)
}

func formatTimestamp(raw string) string {
	if raw == "" {
		return ""
	}
	cleaned := strings.Replace(raw, "Z", "+00:00", 1)
	if t, err := time.Parse(time.RFC3339, cleaned); err == nil {
		return t.Format("2006-01-02 15:04:05")
	}
	if t, err := time.Parse("2006-01-02T15:04:05", strings.SplitN(cleaned, "+", 2)[0]); err == nil {
		return t.Format("2006-01-02 15:04:05")
	}
	return ""
}
