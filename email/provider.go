// Package email handles sending notification emails via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"mpkbot/pkg/catalog"
)

const subjectFormat = "Uusia MPK-kursseja hakusanalla %s"

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends notification emails using a pluggable provider.
type Sender struct {
	provider      Provider
	logger        *slog.Logger
	subjectSuffix string // Environment marker appended to subjects, e.g. "(dev)"
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, subjectSuffix string) *Sender {
	return &Sender{
		provider:      provider,
		logger:        logger,
		subjectSuffix: strings.TrimSpace(subjectSuffix),
	}
}

// SendCourses emails the courses that matched the subscription keyword.
func (s *Sender) SendCourses(ctx context.Context, to, keyword string, courses []catalog.CourseView) error {
	if len(courses) == 0 {
		return nil
	}

	subject := s.subject(keyword)
	body := formatCoursesBody(courses)

	s.logger.Info("Sending notification email",
		"to", to,
		"subject", subject,
		"course_count", len(courses))

	if err := s.provider.Send(ctx, to, subject, body); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

func (s *Sender) subject(keyword string) string {
	subject := fmt.Sprintf(subjectFormat, keyword)
	if s.subjectSuffix != "" {
		subject += " " + s.subjectSuffix
	}
	return subject
}
