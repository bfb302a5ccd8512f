package services

import (
	"crypto/tls"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"campaign-mailer/config"
	"campaign-mailer/logger"

	mail "gopkg.in/gomail.v2"
)

var stripTagsRegex = regexp.MustCompile("<[^>]*>")

// MailSender delivers composed messages. *mail.Dialer satisfies it.
type MailSender interface {
	DialAndSend(m ...*mail.Message) error
}

// MailService sends single test mails through the SMTP relay.
type MailService struct {
	config *config.Config
	sender MailSender
	logger logger.Logger
}

// NewMailService creates a MailService dialing the configured MAILHUB.
func NewMailService(cfg *config.Config, log logger.Logger) (*MailService, error) {
	parts := strings.Split(cfg.MailHub, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid MAILHUB format: %s. Expected host:port", cfg.MailHub)
	}
	host := parts[0]
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid port in MAILHUB: %v", err)
	}

	d := mail.NewDialer(host, port, cfg.AuthUser, cfg.AuthPass)
	d.TLSConfig = &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: cfg.SkipTLSVerify,
	}
	if cfg.SkipTLSVerify {
		log.Warn("TLS certificate verification is DISABLED for the SMTP relay")
	}
	return NewMailServiceWithSender(cfg, d, log), nil
}

// NewMailServiceWithSender uses an already configured sender.
func NewMailServiceWithSender(cfg *config.Config, sender MailSender, log logger.Logger) *MailService {
	return &MailService{config: cfg, sender: sender, logger: log}
}

// SendTestEmail sends one HTML mail with a plain text alternative.
func (s *MailService) SendTestEmail(to, subject, body string) error {
	from := s.config.FromEmail
	if from == "" {
		from = s.config.AuthUser
	}

	m := mail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", strings.TrimSpace(stripTagsRegex.ReplaceAllString(body, "")))
	m.AddAlternative("text/html", body)

	if err := s.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("could not send email: %w", err)
	}
	s.logger.WithField("subject", subject).Info("Test email sent")
	return nil
}
