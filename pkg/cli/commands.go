package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kai648846760/iflow-bot/pkg/config"
	"github.com/kai648846760/iflow-bot/pkg/cron"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// gatewayVersion is the CLI's reported version (spec.md §6 `version`).
const gatewayVersion = "0.1.0"

// NewRootCmd builds the `gateway` command tree: start|run|stop|restart,
// status, cron list|add|remove|enable|disable|run, sessions, config,
// onboard, version — grounded on thrapt-picobot's cmd/picobot/main.go
// cobra tree shape.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "iflow-bot — multi-channel chat gateway for the iflow agent",
	}

	root.AddCommand(
		newVersionCmd(),
		newOnboardCmd(),
		newConfigCmd(),
		newSessionsCmd(),
		newRunCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newStatusCmd(),
		newCronCmd(),
	)
	return root
}

// Execute runs the root command and returns its exit error.
func Execute() error {
	return NewRootCmd().Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "iflow-bot gateway v%s\n", gatewayVersion)
			return nil
		},
	}
}

func newOnboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Scaffold the workspace and print required environment variables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := scaffoldWorkspace(cfg.Workspace); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workspace initialized at %s\n\n", cfg.Workspace)
			fmt.Fprintln(cmd.OutOrStdout(), "Set AGENT_COMMAND (and AGENT_TRANSPORT if not stdio) plus "+
				"credentials for each channel you enable, then set ENABLED_CHANNELS to a "+
				"comma-separated list, e.g.:")
			fmt.Fprintln(cmd.OutOrStdout(), "  ENABLED_CHANNELS=telegram,discord")
			fmt.Fprintln(cmd.OutOrStdout(), "  TELEGRAM_TOKEN=...")
			fmt.Fprintln(cmd.OutOrStdout(), "  DISCORD_TOKEN=...")
			return nil
		},
	}
}

// scaffoldWorkspace writes the three workspace files the agent loop
// reads (spec.md §6) when they don't already exist, without overwriting
// anything the user or the agent already put there.
func scaffoldWorkspace(workspace string) error {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return err
	}
	seed := map[string]string{
		"BOOTSTRAP.md": "# Bootstrap\n\nThis is your first run. Introduce yourself to the user, " +
			"learn their name and preferences, then delete this file.\n",
		"AGENTS.md": "# Agent notes\n\nOperating context for this gateway goes here.\n",
		"HEARTBEAT.md": "# Heartbeat\n\n<!-- List any standing tasks below as checkboxes. " +
			"Leave only headings, comments and bare \"- [ ]\" stubs when there's nothing to do. -->\n",
	}
	for name, content := range seed {
		path := filepath.Join(workspace, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(redact(cfg), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

// redact marshals cfg through JSON and blanks fields whose key looks
// like a secret, so `config` is safe to paste into a bug report.
func redact(cfg *config.Config) map[string]interface{} {
	data, _ := json.Marshal(cfg)
	var m map[string]interface{}
	_ = json.Unmarshal(data, &m)
	redactSecrets(m)
	return m
}

func redactSecrets(v interface{}) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	for k, val := range m {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "token") || strings.Contains(lower, "secret") || strings.Contains(lower, "password") || strings.Contains(lower, "key") {
			if s, ok := val.(string); ok && s != "" {
				m[k] = "<redacted>"
				continue
			}
		}
		redactSecrets(val)
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List every (channel, chat_id) -> agent session id binding",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			snap := a.sessions.Snapshot()
			keys := make([]string, 0, len(snap))
			for k := range snap {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", k, snap[k])
			}
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "(no active sessions)")
			}
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the gateway in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := guardSingleInstance(cfg.PIDFile); err != nil {
				return err
			}
			if err := writePID(cfg.PIDFile, os.Getpid()); err != nil {
				return fmt.Errorf("write pid file: %w", err)
			}
			defer removePID(cfg.PIDFile)

			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := a.startBackground(ctx); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			fmt.Fprintln(cmd.OutOrStdout(), "shutting down gateway")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			a.shutdown(shutdownCtx)
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gateway as a detached background process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := guardSingleInstance(cfg.PIDFile); err != nil {
				return err
			}

			self, err := os.Executable()
			if err != nil {
				return err
			}
			logPath := filepath.Join(cfg.Workspace, "gateway.log")
			if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
				return err
			}
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return err
			}
			defer logFile.Close()

			child := exec.Command(self, "run")
			child.Stdout = logFile
			child.Stderr = logFile
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := child.Start(); err != nil {
				return fmt.Errorf("spawn gateway process: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "gateway started, pid %d, logs at %s\n", child.Process.Pid, logPath)
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running background gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return stopRunning(cmd, cfg.PIDFile)
		},
	}
}

func stopRunning(cmd *cobra.Command, pidFile string) error {
	pid := readPID(pidFile)
	if pid == 0 || !pidAlive(pid) {
		fmt.Fprintln(cmd.OutOrStdout(), "gateway is not running")
		return removePID(pidFile)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	for i := 0; i < 50; i++ {
		if !pidAlive(pid) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "gateway (pid %d) stopped\n", pid)
	return removePID(pidFile)
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop then start the background gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := stopRunning(cmd, cfg.PIDFile); err != nil {
				return err
			}
			return newStartCmd().RunE(cmd, args)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the gateway is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pid := readPID(cfg.PIDFile)
			if pid != 0 && pidAlive(pid) {
				fmt.Fprintf(cmd.OutOrStdout(), "running, pid %d\n", pid)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		},
	}
}

func newCronCmd() *cobra.Command {
	cronCmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect and manage scheduled jobs",
	}

	var includeDisabled bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(func(s *cron.Scheduler) error {
				jobs := s.ListJobs(includeDisabled)
				for _, j := range jobs {
					status := "-"
					if j.State.LastStatus != nil {
						status = string(*j.State.LastStatus)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tenabled=%v\tkind=%s\tlast=%s\n",
						j.ID, j.Name, j.Enabled, j.Schedule.Kind, status)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "(no jobs)")
				}
				return nil
			})
		},
	}
	listCmd.Flags().BoolVar(&includeDisabled, "all", false, "include disabled jobs")
	cronCmd.AddCommand(listCmd)

	var (
		name, every, at, expr, tz, message, channel, to string
		deliver, deleteAfterRun                         bool
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := parseSchedule(every, at, expr, tz)
			if err != nil {
				return err
			}
			job := cron.Job{
				Name:           name,
				Enabled:        true,
				Schedule:       sched,
				DeleteAfterRun: deleteAfterRun,
				Payload: cron.Payload{
					Kind:    cron.PayloadReminder,
					Message: message,
					Deliver: deliver,
				},
			}
			if channel != "" {
				job.Payload.Channel = &channel
			}
			if to != "" {
				job.Payload.To = &to
			}
			return withScheduler(func(s *cron.Scheduler) error {
				added, err := s.AddJob(context.Background(), job)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added job %s (%s)\n", added.ID, added.Name)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "job name")
	addCmd.Flags().StringVar(&every, "every", "", "repeat interval, e.g. 10m, 1h")
	addCmd.Flags().StringVar(&at, "at", "", "one-shot RFC3339 timestamp")
	addCmd.Flags().StringVar(&expr, "cron", "", "cron expression or hourly|daily|weekly|\"every N\"")
	addCmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for --cron")
	addCmd.Flags().StringVar(&message, "message", "", "message delivered to the agent when the job fires")
	addCmd.Flags().StringVar(&channel, "channel", "", "channel to deliver the result to")
	addCmd.Flags().StringVar(&to, "to", "", "chat id to deliver the result to")
	addCmd.Flags().BoolVar(&deliver, "deliver", false, "deliver the agent's response to channel/to")
	addCmd.Flags().BoolVar(&deleteAfterRun, "delete-after-run", false, "remove the job after it fires, whether or not the run succeeds")
	cronCmd.AddCommand(addCmd)

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(func(s *cron.Scheduler) error {
				ok, err := s.RemoveJob(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("job %q not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed job %s\n", args[0])
				return nil
			})
		},
	}
	cronCmd.AddCommand(removeCmd)

	enableCmd := &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE:  cronEnableHandler(true),
	}
	disableCmd := &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE:  cronEnableHandler(false),
	}
	cronCmd.AddCommand(enableCmd, disableCmd)

	runJobCmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Trigger a scheduled job immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), cfg.PromptTimeout+10*time.Second)
			defer cancel()

			if err := a.scheduler.Start(ctx); err != nil {
				return err
			}
			defer a.scheduler.Stop()
			if err := a.startForOneShot(ctx); err != nil {
				return err
			}
			defer a.stopOneShot(ctx)

			result, err := a.scheduler.TriggerJob(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cronCmd.AddCommand(runJobCmd)

	return cronCmd
}

func cronEnableHandler(enabled bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withScheduler(func(s *cron.Scheduler) error {
			ok, err := s.EnableJob(context.Background(), args[0], enabled)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %q not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s enabled=%v\n", args[0], enabled)
			return nil
		})
	}
}

// withScheduler loads config, brings up a scheduler against the
// persisted store long enough to run fn (list/add/remove/enable don't
// need the live agent stack), then tears it down.
func withScheduler(fn func(s *cron.Scheduler) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s := cron.New(cfg.CronStorePath, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop()
	return fn(s)
}

// parseSchedule builds a cron.Schedule from the mutually exclusive
// --every/--at/--cron flags.
func parseSchedule(every, at, expr, tz string) (cron.Schedule, error) {
	set := 0
	for _, v := range []string{every, at, expr} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return cron.Schedule{}, fmt.Errorf("exactly one of --every, --at, --cron is required")
	}

	switch {
	case every != "":
		d, err := time.ParseDuration(every)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid --every: %w", err)
		}
		ms := d.Milliseconds()
		return cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: &ms}, nil
	case at != "":
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid --at (want RFC3339): %w", err)
		}
		ms := ts.UnixMilli()
		return cron.Schedule{Kind: cron.ScheduleAt, AtMs: &ms}, nil
	default:
		sched := cron.Schedule{Kind: cron.ScheduleCron, Expr: &expr}
		if tz != "" {
			sched.TZ = &tz
		}
		return sched, nil
	}
}
