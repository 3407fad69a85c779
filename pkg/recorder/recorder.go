// Package recorder implements the Channel Recorder (A4): a bus.Recorder
// that journals every inbound/outbound message to a per-channel,
// per-chat, per-day JSON file for debugging and history review.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

type messageEntry struct {
	ID          string   `json:"id"`
	Timestamp   string   `json:"timestamp"`
	Direction   string   `json:"direction"`
	Role        string   `json:"role"`
	Content     string   `json:"content"`
	ChatID      string   `json:"chat_id"`
	SenderID    string   `json:"sender_id,omitempty"`
	Media       []string `json:"media,omitempty"`
	ReplyToID   string   `json:"reply_to_id,omitempty"`
	IsStreaming bool     `json:"is_streaming,omitempty"`
}

type dayLog struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Date     string         `json:"date"`
	Messages []messageEntry `json:"messages"`
}

// Recorder journals to channelDir/{channel}/{chat_id}-{date}.json.
// File writes are serialized per path to avoid read-modify-write races
// between concurrent inbound/outbound records for the same chat.
type Recorder struct {
	channelDir string

	mu       sync.Mutex
	fileLock map[string]*sync.Mutex
}

// New constructs a Recorder rooted at channelDir.
func New(channelDir string) *Recorder {
	return &Recorder{
		channelDir: channelDir,
		fileLock:   make(map[string]*sync.Mutex),
	}
}

// RecordInbound implements bus.Recorder.
func (r *Recorder) RecordInbound(msg bus.InboundMessage) {
	entry := messageEntry{
		ID:        shortID(),
		Timestamp: nowRFC3339(),
		Direction: "inbound",
		Role:      "user",
		Content:   msg.Content,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Media:     msg.Media,
	}
	r.append(msg.Channel, msg.ChatID, entry)
}

// RecordOutbound implements bus.Recorder. Pure tool-progress chunks
// (advisory, no streaming content) and empty streaming terminators are
// skipped; everything else, including mid-stream cumulative snapshots,
// is recorded.
func (r *Recorder) RecordOutbound(msg bus.OutboundMessage) {
	if msg.IsProgress() && !msg.IsStreaming() && !msg.IsStreamingEnd() {
		return
	}
	if msg.IsStreamingEnd() && msg.Content == "" {
		return
	}

	entry := messageEntry{
		ID:          shortID(),
		Timestamp:   nowRFC3339(),
		Direction:   "outbound",
		Role:        "assistant",
		Content:     msg.Content,
		ChatID:      msg.ChatID,
		ReplyToID:   msg.ReplyToID,
		IsStreaming: msg.IsStreaming(),
	}
	r.append(msg.Channel, msg.ChatID, entry)
}

func (r *Recorder) append(channel, chatID string, entry messageEntry) {
	path := r.dateFile(channel, chatID)

	r.mu.Lock()
	lock, ok := r.fileLock[path]
	if !ok {
		lock = &sync.Mutex{}
		r.fileLock[path] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	log, err := r.load(path, channel, chatID)
	if err != nil {
		logger.WarnCF("recorder", "failed to load channel log", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	log.Messages = append(log.Messages, entry)

	if err := r.save(path, log); err != nil {
		logger.ErrorCF("recorder", "failed to save channel log", map[string]interface{}{"path": path, "error": err.Error()})
	}
}

func (r *Recorder) dateFile(channel, chatID string) string {
	date := time.Now().UTC().Format("2006-01-02")
	return filepath.Join(r.channelDir, channel, fmt.Sprintf("%s-%s.json", chatID, date))
}

func (r *Recorder) load(path, channel, chatID string) (*dayLog, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &dayLog{Channel: channel, ChatID: chatID, Date: time.Now().UTC().Format("2006-01-02")}, nil
	}
	if err != nil {
		return nil, err
	}

	var log dayLog
	if err := json.Unmarshal(data, &log); err != nil {
		return &dayLog{Channel: channel, ChatID: chatID, Date: time.Now().UTC().Format("2006-01-02")}, nil
	}
	return &log, nil
}

func (r *Recorder) save(path string, log *dayLog) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func shortID() string {
	return uuid.NewString()[:12]
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
