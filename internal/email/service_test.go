package email

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/smtp"
	"strings"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config, quietLogger())
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

type capturedMail struct {
	addr string
	from string
	to   []string
	body string
}

func configuredService(send sendFunc) *Service {
	svc := NewService(Config{
		Host:     "smtp.example.com",
		Port:     "587",
		From:     "desk@example.com",
		FromName: "Service Desk",
	}, quietLogger())
	svc.send = send
	return svc
}

func TestSendBuildsHeadersAndRecipients(t *testing.T) {
	var got capturedMail
	svc := configuredService(func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		got = capturedMail{addr: addr, from: from, to: to, body: string(msg)}
		return nil
	})

	ok := svc.Send(context.Background(), Message{
		To:      []string{"client@example.com"},
		Cc:      []string{"ops@example.com", " "},
		Subject: "Review update: Roof\r\nBcc: evil@example.com",
		HTML:    "<p>hello</p>",
		ReplyTo: "admin@example.com",
	})
	if !ok {
		t.Fatal("Send() = false, want true")
	}
	if got.addr != "smtp.example.com:587" || got.from != "desk@example.com" {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if strings.Join(got.to, ",") != "client@example.com,ops@example.com" {
		t.Fatalf("unexpected recipients %v", got.to)
	}
	for _, header := range []string{
		"To: client@example.com\r\n",
		"Cc: ops@example.com\r\n",
		"Reply-To: admin@example.com\r\n",
		"Subject: Review update: Roof Bcc: evil@example.com\r\n",
		"From: Service Desk <desk@example.com>\r\n",
		"<p>hello</p>",
	} {
		if !strings.Contains(got.body, header) {
			t.Fatalf("message missing %q:\n%s", header, got.body)
		}
	}
	if strings.Contains(got.body, "\r\nBcc:") {
		t.Fatal("subject must not inject headers")
	}
}

func TestHeaderValueFoldsLineBreaks(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Roof\r\nBcc: evil@example.com", want: "Roof Bcc: evil@example.com"},
		{in: "a\n\nb", want: "a b"},
		{in: "  padded\r\n", want: "padded"},
		{in: "plain", want: "plain"},
		{in: "\r\n", want: ""},
	}
	for _, tt := range tests {
		if got := headerValue(tt.in); got != tt.want {
			t.Fatalf("headerValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSendNeverFails(t *testing.T) {
	tests := []struct {
		name string
		svc  *Service
		msg  Message
	}{
		{
			name: "not configured",
			svc:  NewService(Config{}, quietLogger()),
			msg:  Message{To: []string{"a@example.com"}},
		},
		{
			name: "no recipients",
			svc:  configuredService(func(string, smtp.Auth, string, []string, []byte) error { return nil }),
			msg:  Message{To: []string{""}},
		},
		{
			name: "smtp rejects",
			svc: configuredService(func(string, smtp.Auth, string, []string, []byte) error {
				return errors.New("550 mailbox unavailable")
			}),
			msg: Message{To: []string{"a@example.com"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.svc.Send(context.Background(), tt.msg) {
				t.Fatal("Send() = true, want false")
			}
		})
	}
}

func TestSendGivesUpOnSlowServer(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc := configuredService(func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	})
	svc.timeout = 20 * time.Millisecond

	if svc.Send(context.Background(), Message{To: []string{"a@example.com"}}) {
		t.Fatal("Send() should report false when the server hangs")
	}
}

func TestRenderReviewNotification(t *testing.T) {
	html, err := RenderReviewNotification(ReviewNotificationData{
		Title:   "Kitchen remodel",
		Status:  "in-review",
		Message: "Please send the <updated> plans",
		Documents: []DocumentReview{
			{Name: "plan.pdf", Status: "needs-update", Review: "Missing dimensions", Suggestion: "Add wall lengths"},
			{Name: "budget.xlsx", Status: "reviewed"},
		},
		ReviewedAt: "2026-03-01 10:00 UTC",
	})
	if err != nil {
		t.Fatalf("RenderReviewNotification failed: %v", err)
	}
	for _, want := range []string{
		"Service Desk",
		"Kitchen remodel",
		"plan.pdf",
		"status-needs-update",
		"Missing dimensions",
		"Add wall lengths",
		"budget.xlsx",
		"&lt;updated&gt;",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("template should contain %q", want)
		}
	}
	if strings.Contains(html, "Suggestion:</strong> </p>") {
		t.Error("empty suggestion should not render")
	}
}

func TestReviewSubject(t *testing.T) {
	if got := ReviewSubject("  Roof repair "); got != "Review update: Roof repair" {
		t.Fatalf("ReviewSubject() = %q", got)
	}
}
