package utils

import (
	"errors"

	"gopkg.in/gomail.v2"

	"socialinbox/config"
)

// Mailer sends plain-text replies over configured SMTP. It is the fallback
// path for Gmail replies when the OAuth integration is not connected.
type Mailer struct {
	cfg config.SMTPConfig
}

func NewMailer(cfg config.SMTPConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

func (m *Mailer) Configured() bool {
	return m.cfg.Host != "" && m.cfg.FromEmail != ""
}

func (m *Mailer) Send(to, subject, body string) error {
	if !m.Configured() {
		return errors.New("SMTP is not configured")
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.FromEmail)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	dialer := gomail.NewDialer(m.cfg.Host, m.cfg.Port, m.cfg.Username, m.cfg.Password)
	return dialer.DialAndSend(msg)
}
