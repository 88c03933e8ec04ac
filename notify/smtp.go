package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/catalogsync"
)

// SMTPConfig configures the mail notifier. An empty Host disables it.
type SMTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	From        string `yaml:"from"`
	To          string `yaml:"to"`
	FrontendURL string `yaml:"frontend_url"`
}

// Enabled reports whether a mail server is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

// Validate checks addresses and the port.
func (c SMTPConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("smtp port %d out of range", c.Port)
	}
	if _, err := mail.ParseAddress(c.From); err != nil {
		return fmt.Errorf("invalid smtp from address: %w", err)
	}
	if _, err := mail.ParseAddress(c.To); err != nil {
		return fmt.Errorf("invalid smtp to address: %w", err)
	}
	return nil
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTP mails release changes and sync completions.
type SMTP struct {
	cfg    SMTPConfig
	from   *mail.Address
	to     *mail.Address
	send   sendFunc
	logger logrus.FieldLogger
	now    func() time.Time
}

var _ catalogsync.Notifier = (*SMTP)(nil)

// NewSMTP validates cfg and returns the mailer.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if !cfg.Enabled() {
		return nil, errors.New("smtp host is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	from, _ := mail.ParseAddress(cfg.From)
	to, _ := mail.ParseAddress(cfg.To)
	if from.Name == "" {
		from.Name = "Catalog Sync Bot"
	}
	return &SMTP{
		cfg:    cfg,
		from:   from,
		to:     to,
		send:   smtp.SendMail,
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}, nil
}

// SetLogger sets a custom logger.
func (s *SMTP) SetLogger(logger logrus.FieldLogger) {
	s.logger = logger
}

// DiffURL links the frontend's comparison view for two content labels.
func (s *SMTP) DiffURL(prev, next string) string {
	return strings.TrimRight(s.cfg.FrontendURL, "/") + "/diff?diff=" + prev + "..." + next
}

func (s *SMTP) NotifyReleaseChange(ctx context.Context, prev, next catalogsync.Labels) error {
	subject := fmt.Sprintf("Catalog update: %s -> %s", prev.Content, next.Content)
	body := fmt.Sprintf("UPDATE: %s %s -> %s %s\r\n%s\r\n",
		prev.Client, prev.Content, next.Client, next.Content, s.DiffURL(prev.Content, next.Content))
	if err := s.deliver(ctx, subject, body); err != nil {
		return fmt.Errorf("failed to send release change mail: %w", err)
	}
	s.logger.WithField("content_label", next.Content).Info("release change mail sent")
	return nil
}

func (s *SMTP) NotifySyncComplete(ctx context.Context, labels catalogsync.Labels) error {
	subject := fmt.Sprintf("Catalog sync completed: %s %s", labels.Client, labels.Content)
	body := fmt.Sprintf("Sync completed for release %s %s\r\n", labels.Client, labels.Content)
	if err := s.deliver(ctx, subject, body); err != nil {
		return fmt.Errorf("failed to send completion mail: %w", err)
	}
	s.logger.WithField("content_label", labels.Content).Info("completion mail sent")
	return nil
}

func (s *SMTP) deliver(ctx context.Context, subject, body string) error {
	msg := s.message(subject, body)
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	// net/smtp has no context support; the send is abandoned, not aborted,
	// when ctx ends first.
	done := make(chan error, 1)
	go func() {
		done <- s.send(addr, auth, s.from.Address, []string{s.to.Address}, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SMTP) message(subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.from.String())
	fmt.Fprintf(&b, "To: %s\r\n", s.to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.Bytes()
}
