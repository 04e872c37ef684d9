package notification

import (
	"fmt"
	"net/smtp"
	"strings"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/model"

	"github.com/pkg/errors"
)

// EmailNotifier implements the Notifier interface for sending emails.
type EmailNotifier struct {
	cfg  config.SMTPConfig
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier creates a new EmailNotifier, or returns nil when no SMTP
// host is configured.
func NewEmailNotifier(cfg config.SMTPConfig) model.Notifier {
	if cfg.Host == "" {
		return nil
	}
	// PlainAuth will not send credentials until the server identifies itself as a trusted one.
	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	return &EmailNotifier{cfg: cfg, auth: auth, send: smtp.SendMail}
}

// Send sends an email to the configured recipients.
func (n *EmailNotifier) Send(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	var recipients []string
	for _, r := range strings.Split(n.cfg.To, ",") {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return errors.New("no recipients configured")
	}

	if err := n.send(addr, n.auth, n.cfg.From, recipients, message(n.cfg.From, n.cfg.To, subject, body)); err != nil {
		return errors.Wrap(err, "failed to send email")
	}
	return nil
}

func message(from, to, subject, body string) []byte {
	return []byte("To: " + to + "\r\n" +
		"From: " + from + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		body)
}

// FailureSummary builds the notification for the failed files of a batch.
// ok is false when nothing failed.
func FailureSummary(reports []*model.FileReport) (subject, body string, ok bool) {
	var failed []*model.FileReport
	for _, r := range reports {
		if !r.Result.Success {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return "", "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d captures could not be sanitized.\r\n\r\n", len(failed), len(reports))
	for _, r := range failed {
		fmt.Fprintf(&b, "%s\r\n", r.Result.InputPath)
		if e := r.Result.Error; e != nil {
			stage := e.Stage
			if stage == "" {
				stage = "-"
			}
			fmt.Fprintf(&b, "  %s (stage %s): %s\r\n", e.Kind, stage, e.Message)
		}
	}
	subject = fmt.Sprintf("[pcapsan] %d capture(s) failed", len(failed))
	return subject, b.String(), true
}
