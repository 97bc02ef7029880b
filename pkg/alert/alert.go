// Package alert delivers operator notifications for the governance safety
// core. Channels are best-effort: transport failures are logged and swallowed
// so a broken notifier can never abort the governance operation that raised
// the alert.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Severity orders alerts for routing and suppression decisions.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Channel is a notification sink. SendAlert never returns an error for
// transport failures; it reports false when delivery was not attempted or
// did not succeed, true otherwise.
type Channel interface {
	SendAlert(ctx context.Context, severity Severity, subject, body string, recipients []string) bool
}

// LogChannel writes alerts to structured logs. It always succeeds.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a channel writing through slog.
func NewLogChannel() *LogChannel {
	return &LogChannel{logger: slog.Default().With("component", "alert")}
}

func (c *LogChannel) SendAlert(ctx context.Context, severity Severity, subject, body string, recipients []string) bool {
	attrs := []any{
		"subject", subject,
		"body", body,
		"recipients", strings.Join(recipients, ","),
	}
	switch severity {
	case SeverityCritical:
		c.logger.ErrorContext(ctx, "ALERT", attrs...)
	case SeverityWarning:
		c.logger.WarnContext(ctx, "ALERT", attrs...)
	default:
		c.logger.InfoContext(ctx, "ALERT", attrs...)
	}
	return true
}

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
	Host     string // for PlainAuth; defaults to host part of Addr

	// Recipients receive alerts when the caller does not name any.
	Recipients []string
}

// EmailChannel delivers alerts over SMTP. Failures are logged, not raised.
type EmailChannel struct {
	cfg    SMTPConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger *slog.Logger
}

// NewEmailChannel creates an SMTP-backed channel.
func NewEmailChannel(cfg SMTPConfig) *EmailChannel {
	if cfg.Host == "" {
		if i := strings.IndexByte(cfg.Addr, ':'); i > 0 {
			cfg.Host = cfg.Addr[:i]
		}
	}
	return &EmailChannel{
		cfg:    cfg,
		send:   smtp.SendMail,
		logger: slog.Default().With("component", "alert.email"),
	}
}

func (c *EmailChannel) SendAlert(ctx context.Context, severity Severity, subject, body string, recipients []string) bool {
	if len(recipients) == 0 {
		recipients = c.cfg.Recipients
	}
	if len(recipients) == 0 {
		return false
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s\r\n\r\n%s\r\n",
		c.cfg.From, strings.Join(recipients, ", "), strings.ToUpper(string(severity)), subject, body)

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}
	if err := c.send(c.cfg.Addr, auth, c.cfg.From, recipients, []byte(msg)); err != nil {
		c.logger.ErrorContext(ctx, "email alert delivery failed",
			"subject", subject, "severity", string(severity), "error", err)
		return false
	}
	return true
}

// Multi fans an alert out to every channel. Delivery succeeds if any
// channel accepted the alert.
type Multi struct {
	channels []Channel
}

// NewMulti composes channels.
func NewMulti(channels ...Channel) *Multi {
	return &Multi{channels: channels}
}

func (m *Multi) SendAlert(ctx context.Context, severity Severity, subject, body string, recipients []string) bool {
	delivered := false
	for _, ch := range m.channels {
		if ch.SendAlert(ctx, severity, subject, body, recipients) {
			delivered = true
		}
	}
	return delivered
}

// Throttled wraps a channel with a token bucket so a violation storm cannot
// flood operators. Critical alerts bypass the limiter. Suppressed alerts are
// counted and logged.
type Throttled struct {
	inner      Channel
	limiter    *rate.Limiter
	logger     *slog.Logger
	mu         sync.Mutex
	suppressed uint64
}

// NewThrottled wraps inner with the given sustained rate and burst.
func NewThrottled(inner Channel, perSecond float64, burst int) *Throttled {
	return &Throttled{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  slog.Default().With("component", "alert.throttle"),
	}
}

func (t *Throttled) SendAlert(ctx context.Context, severity Severity, subject, body string, recipients []string) bool {
	if severity != SeverityCritical && !t.limiter.Allow() {
		t.mu.Lock()
		t.suppressed++
		n := t.suppressed
		t.mu.Unlock()
		t.logger.WarnContext(ctx, "alert suppressed by throttle",
			"subject", subject, "severity", string(severity), "suppressed_total", n)
		return false
	}
	return t.inner.SendAlert(ctx, severity, subject, body, recipients)
}

// Suppressed returns how many alerts the throttle has dropped.
func (t *Throttled) Suppressed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppressed
}
