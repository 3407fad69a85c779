// Package constants collects fixed values shared across packages so
// they aren't duplicated or drift between the bus, the agent loop, and
// the connectors.
package constants

import "time"

// Channel names, used as the InboundMessage/OutboundMessage.Channel tag
// and as the registry key in pkg/channels.
const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelSlack    = "slack"
	ChannelFeishu   = "feishu"
	ChannelDingTalk = "dingtalk"
	ChannelQQ       = "qq"
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
	ChannelMochat   = "mochat"
)

// StreamFamily identifies which of the three streaming fan-out
// strategies a connector implements.
type StreamFamily int

const (
	// StreamFamilyNone connectors don't support streaming at all.
	StreamFamilyNone StreamFamily = iota
	// StreamFamilyCardEdit connectors replace a single platform message in place.
	StreamFamilyCardEdit
	// StreamFamilyLineBuffered connectors flush complete lines as independent messages.
	StreamFamilyLineBuffered
	// StreamFamilyEditLastMessage connectors edit the most recently sent message.
	StreamFamilyEditLastMessage
)

const (
	// DefaultBusCapacity is the default size of each bus FIFO.
	DefaultBusCapacity = 100

	// DefaultMaxIterations is a tool-call iteration cap that no package
	// reads; an agent turn ends on the agent's own stopReason.
	DefaultMaxIterations = 50

	// SessionMarker precedes the verbatim user text in every prompt sent
	// to the agent.
	SessionMarker = "用户消息:"

	// InvalidRequestMarker is the substring looked for in a JSON-RPC
	// error message to trigger invalidation recovery.
	InvalidRequestMarker = "Invalid request"

	// MaxHistoryTurns bounds how many transcript entries invalidation
	// recovery will replay.
	MaxHistoryTurns = 20

	// MaxUserHistoryChars / MaxAssistantHistoryChars bound a single
	// replayed turn's length.
	MaxUserHistoryChars      = 2000
	MinUserHistoryChars      = 2
	MaxAssistantHistoryChars = 3000
	MinTrimmedHistoryChars   = 10

	// StreamThresholdMin / StreamThresholdMax bound the randomized
	// edit-last-message flush threshold (characters).
	StreamThresholdMin = 10
	StreamThresholdMax = 25

	// SessionInvalidationStaleWindow is the cutoff beyond which an at()
	// schedule is considered too stale to run.
	SessionInvalidationStaleWindow = 5 * time.Minute

	// DefaultHeartbeatInterval is the default wake-up cadence for C9.
	DefaultHeartbeatInterval = 30 * time.Minute

	// HeartbeatOKToken is the token the agent replies with when nothing
	// needs attention.
	HeartbeatOKToken = "HEARTBEAT_OK"

	// SchedulerWatchInterval is how often the scheduler store is
	// re-read from disk to pick up external edits.
	SchedulerWatchInterval = 5 * time.Second

	// ChildProcessKillGrace is how long a transport waits for a spawned
	// child to exit gracefully before SIGKILL.
	ChildProcessKillGrace = 5 * time.Second

	// ConnectorStartupGrace is how long the channel manager waits after
	// spawning connector start tasks before checking which have failed.
	ConnectorStartupGrace = 1 * time.Second

	// ConnectorSendMaxRetries / ConnectorSendBaseDelay govern outbound
	// send retry policy for transient network errors.
	ConnectorSendMaxRetries = 3
	ConnectorSendBaseDelay  = 1 * time.Second
)

// ErrorNoticePrefix marks user-visible failure notices published by the
// agent loop and the scheduler; the error's message text follows it.
const ErrorNoticePrefix = "❌"
