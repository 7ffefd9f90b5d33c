// Package notify implements the out-of-band code senders: SMTP email and an SMS
// gateway client.
package notify

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the SMTP settings for the email sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender sends challenge codes over SMTP.
type EmailSender struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

// NewEmailSender returns an EmailSender using the given SMTP configuration.
func NewEmailSender(cfg SMTPConfig) (*EmailSender, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("notify: SMTP host and from address are required")
	}
	return &EmailSender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

// SendCode emails the code to the given address. purpose names the action the
// code confirms (e.g. "delete your account") and appears in the message body.
func (s *EmailSender) SendCode(ctx context.Context, email, code, purpose string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", s.cfg.From)
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", "Your verification code")
	msg.SetBody("text/html", fmt.Sprintf(`
		<p>Hi,</p>
		<p>Use the code below to %s:</p>
		<p style="font-size:24px;letter-spacing:4px"><strong>%s</strong></p>
		<p>The code expires in 10 minutes. If you did not request this, you can safely ignore this email.</p>
	`, purpose, code))

	return s.dialer.DialAndSend(msg)
}
