// Package cli wires every built package into the `gateway` binary's
// subcommand surface (spec.md §6): start|run|stop|restart, status,
// cron list|add|remove|enable|disable|run, sessions, config, onboard,
// version. Grounded on thrapt-picobot's cmd/picobot/main.go — the one
// example repo in the pack with an actual cobra-based CLI over the same
// kind of gateway/agent/channels/cron/heartbeat stack.
package cli

import (
	"context"
	"fmt"

	"github.com/kai648846760/iflow-bot/pkg/adapter"
	"github.com/kai648846760/iflow-bot/pkg/agent"
	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/channels"
	"github.com/kai648846760/iflow-bot/pkg/config"
	"github.com/kai648846760/iflow-bot/pkg/constants"
	"github.com/kai648846760/iflow-bot/pkg/cron"
	"github.com/kai648846760/iflow-bot/pkg/heartbeat"
	"github.com/kai648846760/iflow-bot/pkg/logger"
	"github.com/kai648846760/iflow-bot/pkg/recorder"
	"github.com/kai648846760/iflow-bot/pkg/session"
	"github.com/kai648846760/iflow-bot/pkg/transport"
)

// app bundles every long-lived component built from a config.Config.
// Built once by newApp and shared by the run/cron/sessions/status/stop
// command handlers.
type app struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	sessions  *session.Map
	transport transport.Transport
	adapter   *adapter.Adapter
	loop      *agent.Loop
	manager   *channels.Manager
	scheduler *cron.Scheduler
	heartbeat *heartbeat.Service
}

func buildTransport(cfg *config.Config) transport.Transport {
	switch cfg.AgentTransport {
	case "ws":
		return transport.NewWS(cfg.AgentWSURL)
	case "cli":
		return transport.NewCLI(cfg.AgentCommand, cfg.AgentArgs)
	default:
		return transport.NewStdio(cfg.AgentCommand, cfg.AgentArgs, nil)
	}
}

// newApp constructs every component but starts none of them: channel
// connectors, the agent loop, the scheduler, and the heartbeat service
// are all started explicitly by the caller (run vs. a one-shot CLI
// command want different subsets running).
func newApp(cfg *config.Config) (*app, error) {
	rec := recorder.New(cfg.ChannelLogDir)
	b := bus.New(cfg.BusCapacity, rec)

	sessions, err := session.New(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("open session map: %w", err)
	}

	t := buildTransport(cfg)
	ad := adapter.New(t, sessions, cfg.Workspace, cfg.AgentModel, "yolo", false)

	mgr := channels.NewManager(b)

	streamConfigs := map[string]agent.ChannelStreamConfig{
		constants.ChannelFeishu:   {Family: constants.StreamFamilyCardEdit},
		constants.ChannelQQ:       {Family: constants.StreamFamilyLineBuffered, SplitThreshold: 0},
		constants.ChannelTelegram: {Family: constants.StreamFamilyEditLastMessage},
		constants.ChannelDiscord:  {Family: constants.StreamFamilyEditLastMessage},
		constants.ChannelSlack:    {Family: constants.StreamFamilyEditLastMessage},
		constants.ChannelDingTalk: {Family: constants.StreamFamilyEditLastMessage},
		constants.ChannelWhatsApp: {Family: constants.StreamFamilyEditLastMessage},
		constants.ChannelEmail:    {Family: constants.StreamFamilyEditLastMessage},
		constants.ChannelMochat:   {Family: constants.StreamFamilyEditLastMessage},
	}

	loop := agent.New(b, ad, sessions, cfg.Workspace, cfg.StreamingEnabled, streamConfigs, mgr.ConnectorLookup, cfg.PromptTimeout)

	scheduler := cron.New(cfg.CronStorePath, b)
	scheduler.OnJob = func(ctx context.Context, job cron.Job) (string, error) {
		key := bus.Key("cron", job.ID)
		return loop.ProcessDirect(ctx, job.Payload.Message, key, "cron", job.ID)
	}

	hb := heartbeat.New(cfg.Workspace, func(ctx context.Context, prompt string) (string, error) {
		return loop.ProcessDirect(ctx, prompt, "heartbeat:self", "heartbeat", "self")
	}, func(ctx context.Context, response string) error {
		logger.InfoCF("heartbeat", "non-OK heartbeat response, no delivery channel configured", map[string]interface{}{"response": response})
		return nil
	}, cfg.HeartbeatInterval, cfg.HeartbeatEnabled)

	return &app{
		cfg: cfg, bus: b, sessions: sessions, transport: t, adapter: ad,
		loop: loop, manager: mgr, scheduler: scheduler, heartbeat: hb,
	}, nil
}

// startBackground connects the transport, starts the agent loop,
// channel connectors, scheduler, and heartbeat. Used by `run`.
func (a *app) startBackground(ctx context.Context) error {
	if err := a.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if _, err := a.transport.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}

	go a.loop.Run()

	a.manager.StartAll(ctx, a.cfg.EnabledChannelSpecs())

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.heartbeat.Start(ctx)

	logger.InfoCF("gateway", "gateway started", map[string]interface{}{
		"channels": a.cfg.EnabledChannels, "transport": a.cfg.AgentTransport,
	})
	return nil
}

// shutdown stops every component in reverse start order.
func (a *app) shutdown(ctx context.Context) {
	a.heartbeat.Stop()
	a.scheduler.Stop()
	a.manager.StopAll(ctx)
	a.loop.Stop()
	a.bus.Stop()
	if err := a.transport.Stop(); err != nil {
		logger.WarnCF("gateway", "error stopping transport", map[string]interface{}{"error": err.Error()})
	}
}

// startForOneShot connects the transport and the loop only — no channel
// connectors, no scheduler watch, no heartbeat ticker — for CLI commands
// that need ProcessDirect (cron run) without standing up the full
// gateway.
func (a *app) startForOneShot(ctx context.Context) error {
	if err := a.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if _, err := a.transport.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}
	go a.loop.Run()
	return nil
}

func (a *app) stopOneShot(ctx context.Context) {
	a.loop.Stop()
	a.bus.Stop()
	_ = a.transport.Stop()
}
