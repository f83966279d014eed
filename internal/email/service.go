// Package email delivers review notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"mime"
	"net/smtp"
	"strings"
	"time"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Message is one outgoing HTML email.
type Message struct {
	To      []string
	Cc      []string
	Subject string
	HTML    string
	ReplyTo string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service sends email. Send never returns an error; failures are logged.
type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	send     sendFunc
	timeout  time.Duration
	logger   *slog.Logger
	boundary string
}

// NewService creates a new email service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		send:     smtp.SendMail,
		timeout:  15 * time.Second,
		logger:   logger.With("component", "email"),
		boundary: "boundary-servicedesk",
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Send reports whether the SMTP server accepted the message.
func (s *Service) Send(ctx context.Context, msg Message) bool {
	if err := s.deliver(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "email not sent",
			"to", strings.Join(msg.To, ","),
			"subject", msg.Subject,
			"err", err,
		)
		return false
	}
	return true
}

func (s *Service) deliver(ctx context.Context, msg Message) error {
	if s == nil || !s.IsConfigured() {
		return errors.New("email not configured")
	}
	to := cleanAddresses(msg.To)
	if len(to) == 0 {
		return errors.New("no recipients")
	}
	cc := cleanAddresses(msg.Cc)
	msg.To, msg.Cc = to, cc

	body := s.buildMessage(msg)
	recipients := append(append([]string{}, to...), cc...)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.send(s.server, s.auth, s.config.From, recipients, body)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

func (s *Service) buildMessage(msg Message) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	if replyTo := headerValue(msg.ReplyTo); replyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", replyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerValue(msg.Subject)))
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", s.boundary)
	fmt.Fprintf(&b, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&b, "--%s\r\n", s.boundary)
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&b, "\r\n")
	fmt.Fprintf(&b, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&b, "\r\n")

	fmt.Fprintf(&b, "--%s\r\n", s.boundary)
	fmt.Fprintf(&b, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&b, "\r\n")
	fmt.Fprintf(&b, "%s\r\n", msg.HTML)
	fmt.Fprintf(&b, "\r\n")
	fmt.Fprintf(&b, "--%s--\r\n", s.boundary)
	return b.Bytes()
}

// headerValue keeps user-supplied text from starting a new header line.
// Line breaks and the whitespace around them collapse to a single space.
func headerValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

func cleanAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	for _, addr := range in {
		if addr = headerValue(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// DocumentReview is one row of the review notification.
type DocumentReview struct {
	Name       string
	Status     string
	Review     string
	Suggestion string
}

type ReviewNotificationData struct {
	AppName    string
	Title      string
	Status     string
	Message    string
	Documents  []DocumentReview
	ReviewedAt string
}

// ReviewSubject is the subject line used for review notifications.
func ReviewSubject(title string) string {
	return fmt.Sprintf("Review update: %s", strings.TrimSpace(title))
}

func RenderReviewNotification(data ReviewNotificationData) (string, error) {
	if data.AppName == "" {
		data.AppName = "Service Desk"
	}
	html, err := renderTemplate(reviewNotificationTemplate, data)
	if err != nil {
		return "", fmt.Errorf("render review template: %w", err)
	}
	return html, nil
}

func renderTemplate(tmpl string, data any) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reviewNotificationTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .document { border: 1px solid #eee; border-radius: 4px; padding: 12px; margin: 12px 0; }
        .status { font-weight: bold; text-transform: capitalize; }
        .status-needs-update { color: #b45309; }
        .status-reviewed { color: #047857; }
        .message { background: #f5f8fc; padding: 12px; border-radius: 4px; margin: 20px 0; white-space: pre-wrap; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.Title}}</h2>
    <p>Overall status: <span class="status">{{.Status}}</span></p>
    {{if .Message}}
    <div class="message">{{.Message}}</div>
    {{end}}
    {{range .Documents}}
    <div class="document">
        <p><strong>{{.Name}}</strong> &middot; <span class="status status-{{.Status}}">{{.Status}}</span></p>
        {{if .Review}}<p><strong>Review:</strong> {{.Review}}</p>{{end}}
        {{if .Suggestion}}<p><strong>Suggestion:</strong> {{.Suggestion}}</p>{{end}}
    </div>
    {{end}}

    <div class="footer">
        <p>Reviewed {{.ReviewedAt}}. Reply to this email if you have questions about the review.</p>
    </div>
</body>
</html>`
