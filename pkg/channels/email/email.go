// Package email implements an IMAP-poll / SMTP-send connector (D5).
// No IMAP or SMTP client library appears anywhere in the example pack —
// original_source's own email.py reaches for Python's stdlib imaplib
// and smtplib, not a third-party package — so this is grounded the same
// way: a minimal IMAP client built on crypto/tls + net/textproto framing,
// and net/smtp for sending (see DESIGN.md for the justification).
//
// Edit-last-message degrades here too: there is no such thing as
// editing a sent email, so every reply is a new SMTP message threaded
// via In-Reply-To/References onto the triggering inbound mail.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/channels"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

const (
	defaultPollInterval = 30 * time.Second
	maxBodyChars        = 10000
	subjectPrefix       = "Re: "
)

// Config holds IMAP/SMTP credentials, consent, and the allow-list.
type Config struct {
	ConsentGranted bool   `env:"CONSENT_GRANTED"`
	IMAPHost       string `env:"IMAP_HOST"`
	IMAPPort       int    `env:"IMAP_PORT" envDefault:"993"`
	IMAPUsername   string `env:"IMAP_USERNAME"`
	IMAPPassword   string `env:"IMAP_PASSWORD"`
	IMAPMailbox    string `env:"IMAP_MAILBOX" envDefault:"INBOX"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	FromAddress  string `env:"FROM_ADDRESS"`

	PollIntervalSeconds int      `env:"POLL_INTERVAL_SECONDS" envDefault:"30"`
	AutoReplyEnabled    bool     `env:"AUTO_REPLY_ENABLED" envDefault:"true"`
	AllowFrom           []string `env:"ALLOW_FROM"`
}

type inboundMail struct {
	sender    string
	subject   string
	messageID string
	content   string
}

// Channel is the email connector.
type Channel struct {
	*channels.BaseChannel
	cfg Config

	mu            sync.Mutex
	lastSubject   map[string]string
	lastMessageID map[string]string
	processedUIDs map[string]struct{}
	cancel        context.CancelFunc
}

func init() {
	channels.Register("email", func(cfg interface{}, b *bus.MessageBus) (channels.Channel, error) {
		c, ok := cfg.(Config)
		if !ok {
			return nil, fmt.Errorf("email: unexpected config type %T", cfg)
		}
		return New(c, b)
	})
}

// New constructs an email connector.
func New(cfg Config, b *bus.MessageBus) (*Channel, error) {
	if !cfg.ConsentGranted {
		return nil, fmt.Errorf("email: consent_granted must be true")
	}
	missing := validate(cfg)
	if len(missing) > 0 {
		return nil, fmt.Errorf("email: missing config: %s", strings.Join(missing, ", "))
	}
	return &Channel{
		BaseChannel:   channels.NewBaseChannel("email", b, cfg.AllowFrom),
		cfg:           cfg,
		lastSubject:   make(map[string]string),
		lastMessageID: make(map[string]string),
		processedUIDs: make(map[string]struct{}),
	}, nil
}

func validate(cfg Config) []string {
	var missing []string
	if cfg.IMAPHost == "" {
		missing = append(missing, "imap_host")
	}
	if cfg.IMAPUsername == "" {
		missing = append(missing, "imap_username")
	}
	if cfg.IMAPPassword == "" {
		missing = append(missing, "imap_password")
	}
	if cfg.SMTPHost == "" {
		missing = append(missing, "smtp_host")
	}
	if cfg.SMTPUsername == "" {
		missing = append(missing, "smtp_username")
	}
	if cfg.SMTPPassword == "" {
		missing = append(missing, "smtp_password")
	}
	return missing
}

// Start begins the IMAP poll loop.
func (c *Channel) Start(_ context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.SetRunning(true)

	interval := time.Duration(c.cfg.PollIntervalSeconds) * time.Second
	if interval < 5*time.Second {
		interval = defaultPollInterval
	}

	go c.pollLoop(runCtx, interval)
	logger.InfoCF("email", "connector started", map[string]interface{}{"poll_interval": interval.String()})
	return nil
}

// Stop ends the poll loop.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetRunning(false)
	return nil
}

func (c *Channel) pollLoop(ctx context.Context, interval time.Duration) {
	for {
		mails, err := c.fetchUnread()
		if err != nil {
			logger.WarnCF("email", "poll failed", map[string]interface{}{"error": err.Error()})
		}
		for _, m := range mails {
			c.mu.Lock()
			if m.subject != "" {
				c.lastSubject[m.sender] = m.subject
			}
			if m.messageID != "" {
				c.lastMessageID[m.sender] = m.messageID
			}
			c.mu.Unlock()

			c.HandleMessage(m.sender, m.sender, m.content, nil, map[string]interface{}{
				"message_id": m.messageID, "subject": m.subject,
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Send replies over SMTP.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	forceSend, _ := msg.Metadata["force_send"].(bool)
	if !c.cfg.AutoReplyEnabled && !forceSend {
		return nil
	}
	to := strings.TrimSpace(msg.ChatID)
	if to == "" {
		return fmt.Errorf("email: empty recipient")
	}

	c.mu.Lock()
	base := c.lastSubject[to]
	inReplyTo := c.lastMessageID[to]
	c.mu.Unlock()

	subject := replySubject(base)
	if override, ok := msg.Metadata["subject"].(string); ok && strings.TrimSpace(override) != "" {
		subject = override
	}

	from := c.cfg.FromAddress
	if from == "" {
		from = c.cfg.SMTPUsername
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	if inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", inReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", inReplyTo)
	}
	b.WriteString("\r\n")
	b.WriteString(msg.Content)

	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
	auth := smtp.PlainAuth("", c.cfg.SMTPUsername, c.cfg.SMTPPassword, c.cfg.SMTPHost)
	return smtp.SendMail(addr, auth, from, []string{to}, []byte(b.String()))
}

func replySubject(base string) string {
	subject := strings.TrimSpace(base)
	if subject == "" {
		subject = "iflow-bot reply"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return subjectPrefix + subject
}

// --- minimal IMAP client: login, select, search UNSEEN, fetch, mark seen ---

var uidFetchRe = regexp.MustCompile(`UID (\d+)`)

func (c *Channel) fetchUnread() ([]inboundMail, error) {
	conn, err := tls.Dial("tcp", fmt.Sprintf("%s:%d", c.cfg.IMAPHost, c.cfg.IMAPPort), &tls.Config{ServerName: c.cfg.IMAPHost})
	if err != nil {
		return nil, fmt.Errorf("dial imap: %w", err)
	}
	defer conn.Close()

	tp := textproto.NewConn(conn)
	defer tp.Close()

	if _, err := tp.ReadLine(); err != nil { // server greeting
		return nil, err
	}

	tag := 0
	nextTag := func() string { tag++; return fmt.Sprintf("a%03d", tag) }

	cmd := func(line string) ([]string, error) {
		t := nextTag()
		if err := tp.PrintfLine("%s %s", t, line); err != nil {
			return nil, err
		}
		var lines []string
		for {
			resp, err := tp.ReadLine()
			if err != nil {
				return nil, err
			}
			if strings.HasPrefix(resp, t+" ") {
				if !strings.Contains(resp, "OK") {
					return lines, fmt.Errorf("imap command %q failed: %s", line, resp)
				}
				return lines, nil
			}
			lines = append(lines, resp)
		}
	}

	if _, err := cmd(fmt.Sprintf("LOGIN %s %s", c.cfg.IMAPUsername, c.cfg.IMAPPassword)); err != nil {
		return nil, err
	}
	mailbox := c.cfg.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := cmd(fmt.Sprintf("SELECT %s", mailbox)); err != nil {
		return nil, err
	}

	searchLines, err := cmd("SEARCH UNSEEN")
	if err != nil {
		return nil, err
	}

	var seqNums []string
	for _, line := range searchLines {
		if !strings.HasPrefix(line, "* SEARCH") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "* SEARCH"))
		seqNums = append(seqNums, fields...)
	}

	var out []inboundMail
	for _, seq := range seqNums {
		fetchLines, err := cmd(fmt.Sprintf("FETCH %s (BODY.PEEK[] UID)", seq))
		if err != nil {
			logger.WarnCF("email", "fetch failed", map[string]interface{}{"seq": seq, "error": err.Error()})
			continue
		}

		raw := strings.Join(fetchLines, "\r\n")
		uid := ""
		if m := uidFetchRe.FindStringSubmatch(raw); len(m) == 2 {
			uid = m[1]
		}

		c.mu.Lock()
		_, seen := c.processedUIDs[uid]
		if uid != "" {
			c.processedUIDs[uid] = struct{}{}
		}
		c.mu.Unlock()
		if seen && uid != "" {
			continue
		}

		parsed, err := mail.ReadMessage(strings.NewReader(raw))
		if err != nil {
			continue
		}
		from, _ := mail.ParseAddress(parsed.Header.Get("From"))
		sender := ""
		if from != nil {
			sender = strings.ToLower(from.Address)
		}
		if sender == "" {
			continue
		}
		subject := parsed.Header.Get("Subject")
		messageID := strings.TrimSpace(parsed.Header.Get("Message-ID"))
		date := parsed.Header.Get("Date")

		bodyBuf := make([]byte, maxBodyChars)
		n, _ := parsed.Body.Read(bodyBuf)
		body := strings.TrimSpace(string(bodyBuf[:n]))
		if body == "" {
			body = "(empty email body)"
		}

		content := fmt.Sprintf("Email received.\nFrom: %s\nSubject: %s\nDate: %s\n\n%s", sender, subject, date, body)
		out = append(out, inboundMail{sender: sender, subject: subject, messageID: messageID, content: content})

		_, _ = cmd(fmt.Sprintf("STORE %s +FLAGS (\\Seen)", seq))
	}

	_, _ = cmd("LOGOUT")
	return out, nil
}
