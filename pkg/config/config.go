// Package config implements the top-level Config (A1): a single
// env-tagged struct, following the teacher's pervasive caarlos0/env
// convention, that nests each channel connector's own Config behind an
// envPrefix so every platform's credentials live under one env var
// namespace (TELEGRAM_*, DISCORD_*, FEISHU_*, ...).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/kai648846760/iflow-bot/pkg/channels"
	"github.com/kai648846760/iflow-bot/pkg/channels/dingtalk"
	"github.com/kai648846760/iflow-bot/pkg/channels/discord"
	"github.com/kai648846760/iflow-bot/pkg/channels/email"
	"github.com/kai648846760/iflow-bot/pkg/channels/feishu"
	"github.com/kai648846760/iflow-bot/pkg/channels/mochat"
	"github.com/kai648846760/iflow-bot/pkg/channels/qq"
	"github.com/kai648846760/iflow-bot/pkg/channels/slack"
	"github.com/kai648846760/iflow-bot/pkg/channels/telegram"
	"github.com/kai648846760/iflow-bot/pkg/channels/whatsapp"
	"github.com/kai648846760/iflow-bot/pkg/constants"
)

// Config is the complete gateway configuration, assembled from the
// process environment.
type Config struct {
	Workspace string `env:"WORKSPACE" envDefault:"~/.iflow-bot/workspace"`

	AgentTransport string        `env:"AGENT_TRANSPORT" envDefault:"stdio"`
	AgentCommand   string        `env:"AGENT_COMMAND" envDefault:"iflow"`
	AgentArgs      []string      `env:"AGENT_ARGS" envSeparator:","`
	AgentWSURL     string        `env:"AGENT_WS_URL"`
	AgentModel     string        `env:"AGENT_MODEL"`
	PromptTimeout  time.Duration `env:"PROMPT_TIMEOUT" envDefault:"2m"`

	BusCapacity int `env:"BUS_CAPACITY" envDefault:"100"`

	StreamingEnabled bool     `env:"STREAMING_ENABLED" envDefault:"true"`
	EnabledChannels  []string `env:"ENABLED_CHANNELS" envSeparator:","`

	CronStorePath string `env:"CRON_STORE_PATH"`
	ChannelLogDir string `env:"CHANNEL_LOG_DIR"`
	PIDFile       string `env:"PID_FILE"`

	HeartbeatEnabled  bool          `env:"HEARTBEAT_ENABLED" envDefault:"true"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30m"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Telegram telegram.Config `envPrefix:"TELEGRAM_"`
	Discord  discord.Config  `envPrefix:"DISCORD_"`
	Slack    slack.Config    `envPrefix:"SLACK_"`
	Feishu   feishu.Config   `envPrefix:"FEISHU_"`
	DingTalk dingtalk.Config `envPrefix:"DINGTALK_"`
	QQ       qq.Config       `envPrefix:"QQ_"`
	WhatsApp whatsapp.Config `envPrefix:"WHATSAPP_"`
	Email    email.Config    `envPrefix:"EMAIL_"`
	Mochat   mochat.Config   `envPrefix:"MOCHAT_"`
}

// Load reads the Config from the process environment, applying
// defaults and expanding "~" in Workspace; the cron store, channel log
// dir and PID file default to paths under it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Workspace = expandHome(cfg.Workspace)
	if cfg.CronStorePath == "" {
		cfg.CronStorePath = filepath.Join(cfg.Workspace, "cron_jobs.json")
	}
	if cfg.ChannelLogDir == "" {
		cfg.ChannelLogDir = filepath.Join(cfg.Workspace, "channel")
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = filepath.Join(cfg.Workspace, "gateway.pid")
	}

	return cfg, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// channelConfig returns the bound Config value for a channel name, or
// nil if unrecognized.
func (c *Config) channelConfig(name string) interface{} {
	switch name {
	case constants.ChannelTelegram:
		return c.Telegram
	case constants.ChannelDiscord:
		return c.Discord
	case constants.ChannelSlack:
		return c.Slack
	case constants.ChannelFeishu:
		return c.Feishu
	case constants.ChannelDingTalk:
		return c.DingTalk
	case constants.ChannelQQ:
		return c.QQ
	case constants.ChannelWhatsApp:
		return c.WhatsApp
	case constants.ChannelEmail:
		return c.Email
	case constants.ChannelMochat:
		return c.Mochat
	default:
		return nil
	}
}

// EnabledChannelSpecs resolves EnabledChannels into channels.ChannelSpecs
// ready for Manager.StartAll, skipping any name this Config doesn't
// recognize.
func (c *Config) EnabledChannelSpecs() []channels.ChannelSpec {
	specs := make([]channels.ChannelSpec, 0, len(c.EnabledChannels))
	for _, name := range c.EnabledChannels {
		name = strings.TrimSpace(name)
		cfg := c.channelConfig(name)
		if cfg == nil {
			continue
		}
		specs = append(specs, channels.ChannelSpec{Name: name, Config: cfg})
	}
	return specs
}
