// Package email delivers security notices over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotConfigured is returned by Send when no SMTP host or user is set.
var ErrNotConfigured = errors.New("smtp is not configured")

// Security selects how the connection to the relay is protected.
type Security string

const (
	// SecurityTLS dials straight into TLS, usually on port 465.
	SecurityTLS Security = "tls"
	// SecurityStartTLS upgrades a plain connection, usually on port 587.
	SecurityStartTLS Security = "starttls"
	// SecurityNone is for a relay on the local host.
	SecurityNone Security = "none"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	FromName string
	Security Security
	// Timeout bounds the whole conversation with the relay.
	Timeout time.Duration
}

func (c Config) Validate() error {
	switch c.Security {
	case SecurityTLS, SecurityStartTLS, SecurityNone:
	default:
		return fmt.Errorf("SMTP_SECURITY must be tls, starttls or none, got %q", c.Security)
	}
	if c.Host != "" && c.Port == "" {
		return errors.New("SMTP_PORT is required when SMTP_HOST is set")
	}
	return nil
}

// Sender speaks SMTP to one relay. It satisfies security.Mailer.
type Sender struct {
	cfg  Config
	now  func() time.Time
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewSender(cfg Config) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FromName == "" {
		cfg.FromName = "Helpdesk"
	}
	if cfg.Security == "" {
		cfg.Security = SecurityTLS
	}
	d := &net.Dialer{}
	return &Sender{cfg: cfg, now: time.Now, dial: d.DialContext}
}

// Enabled reports whether SMTP is configured. Send fails fast otherwise.
func (s *Sender) Enabled() bool {
	return s != nil && s.cfg.Host != "" && s.cfg.Username != ""
}

// Send delivers one HTML message to a single recipient.
func (s *Sender) Send(to, subject, bodyHTML string) error {
	if !s.Enabled() {
		return ErrNotConfigured
	}
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	msg := s.compose(rcpt, subject, bodyHTML)
	if err := deliver(client, s.cfg.Username, rcpt.Address, msg); err != nil {
		return err
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("smtp quit: %w", err)
	}
	return nil
}

func (s *Sender) connect(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to reach smtp relay %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	tlsConfig := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
	if s.cfg.Security == SecurityTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp greeting from %s: %w", addr, err)
	}
	if s.cfg.Security == SecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, fmt.Errorf("smtp relay %s does not offer STARTTLS", addr)
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("starttls with %s: %w", addr, err)
		}
	}
	if ok, _ := client.Extension("AUTH"); ok && s.cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth as %s: %w", s.cfg.Username, err)
		}
	}
	return client, nil
}

func deliver(client *smtp.Client, from, to string, msg []byte) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO %s rejected: %w", to, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message not accepted: %w", err)
	}
	return nil
}

// compose renders the RFC 5322 message with CRLF line endings.
func (s *Sender) compose(to *mail.Address, subject, bodyHTML string) []byte {
	from := mail.Address{Name: s.cfg.FromName, Address: s.cfg.Username}
	now := s.now()

	domain := s.cfg.Host
	if at := strings.LastIndexByte(s.cfg.Username, '@'); at >= 0 {
		domain = s.cfg.Username[at+1:]
	}

	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@%s>", ulid.Make().String(), domain))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="utf-8"`)
	header("Auto-Submitted", "auto-generated")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(layout(bodyHTML, now.Year()), "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}

const layoutHead = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8" />
<title>Helpdesk security notice</title>
<style>
body { font-family: Arial, sans-serif; background-color: #f4f6f8; padding: 24px; }
.card { max-width: 560px; margin: auto; background: #fff; border: 1px solid #dde3ea; border-radius: 6px; }
.title { border-bottom: 3px solid #1f3a5f; color: #1f3a5f; padding: 16px 24px; font-size: 18px; font-weight: bold; }
.content { padding: 20px 24px; color: #333; line-height: 1.6; }
.warning { color: #856404; background-color: #fff3cd; padding: 12px; border-radius: 4px; }
.note { color: #6b7785; padding: 12px 24px; font-size: 12px; border-top: 1px solid #eef1f4; }
</style>
</head>
<body>
<div class="card">
<div class="title">Helpdesk security notice</div>
<div class="content">
`

// layout places content inside the notice card.
func layout(content string, year int) string {
	return layoutHead + strings.TrimSpace(content) + fmt.Sprintf(`
</div>
<div class="note">Sent automatically because of activity on your helpdesk account. Replies are not read. &copy; %d Helpdesk</div>
</div>
</body>
</html>
`, year)
}
