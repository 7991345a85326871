package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service  *gmail.Service
	fromAddr string
	fromName string
	logger   *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider. An empty fromAddr
// leaves the sender to the authenticated account.
func NewGmailProvider(service *gmail.Service, fromAddr, fromName string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service:  service,
		fromAddr: fromAddr,
		fromName: fromName,
		logger:   logger,
	}
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMessage renders the raw RFC 5322 message. Non-ASCII subjects and
// names are Q-encoded.
func (g *GmailProvider) buildMessage(to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	if g.fromAddr != "" {
		from := sanitizeEmailHeader(g.fromAddr)
		if g.fromName != "" {
			from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(g.fromName)), from)
		}
		msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	}
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(subject))))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return msg.String()
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	encoded := base64.URLEncoding.EncodeToString([]byte(g.buildMessage(to, subject, htmlBody)))

	return retry.Do(
		func() error {
			g.logger.Info("Gmail API request starting",
				"method", "POST",
				"endpoint", "users.messages.send",
				"to", to)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
}
