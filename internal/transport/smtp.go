package transport

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	logx "outreach/pkg/logx"
)

// SMTPSender sends email through a single SMTP account. One sender is built
// per dispatch run with the organization's own credentials.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	Log logx.Logger

	// sendMail is swappable in tests; defaults to smtp.SendMail.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(host string, port int, username, password, from string, log logx.Logger) (*SMTPSender, error) {
	if strings.TrimSpace(host) == "" {
		return nil, fmt.Errorf("smtp host not configured")
	}
	if port <= 0 {
		port = 587
	}
	if strings.TrimSpace(from) == "" {
		from = username
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("smtp from not configured")
	}
	return &SMTPSender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		Log:      log,
		sendMail: smtp.SendMail,
	}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	headers := []string{
		fmt.Sprintf("From: %s", s.From),
		fmt.Sprintf("To: %s", msg.To),
		fmt.Sprintf("Subject: %s", msg.Subject),
		"MIME-Version: 1.0",
	}

	body := msg.Text
	if msg.HTML != "" {
		headers = append(headers, "Content-Type: text/html; charset=UTF-8")
		body = msg.HTML
	} else {
		headers = append(headers, "Content-Type: text/plain; charset=UTF-8")
	}

	data := strings.Join(headers, "\r\n") + "\r\n\r\n" + body

	var auth smtp.Auth
	if s.Username != "" || s.Password != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	send := s.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(addr, auth, s.From, []string{msg.To}, []byte(data)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}
