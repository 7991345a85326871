// Package account implements the user-facing subscription and account
// operations behind the HTTP API.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mpkbot/pkg/catalog"
)

// ValidationError reports an invalid request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Store is the persistence the account operations need.
type Store interface {
	PutSubscription(ctx context.Context, sub *catalog.Subscription) error
	UserSubscriptions(ctx context.Context, userID string) ([]*catalog.Subscription, error)
	DeleteSubscription(ctx context.Context, userID, subscriptionID string) error
	UserNotifications(ctx context.Context, userID string) ([]*catalog.Notification, error)
	NotificationsBySubscription(ctx context.Context, userID, subscriptionID string) ([]*catalog.Notification, error)
	DeleteNotification(ctx context.Context, userID string, courseID int64) error
	PutUser(ctx context.Context, u *catalog.User) error
	User(ctx context.Context, userID string) (*catalog.User, error)
	DeleteUser(ctx context.Context, userID string) error
}

// CourseLookup resolves course views.
type CourseLookup interface {
	Lookup(ctx context.Context, id int64) (*catalog.CourseView, error)
}

// Publisher enqueues notification jobs.
type Publisher interface {
	Publish(ctx context.Context, v any) error
}

// NotifiedCourse is a course the user has been notified about.
type NotifiedCourse struct {
	Course     catalog.CourseView `json:"course"`
	NotifiedAt int64              `json:"notified_at"`
}

// Service implements the account operations.
type Service struct {
	store      Store
	courses    CourseLookup
	queue      Publisher
	linkFormat string
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// New creates an account service. linkFormat is used for courses that are
// no longer in the index.
func New(store Store, courses CourseLookup, queue Publisher, linkFormat string, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		courses:    courses,
		queue:      queue,
		linkFormat: linkFormat,
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// Register records the user's email address from the identity provider.
func (s *Service) Register(ctx context.Context, userID, email string) (*catalog.User, error) {
	u, err := s.store.User(ctx, userID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		u = &catalog.User{ID: userID, CreatedAt: s.now().UTC()}
	case err != nil:
		return nil, fmt.Errorf("load user: %w", err)
	case u.Email == email || email == "":
		return u, nil
	}

	u.Email = email
	if err := s.store.PutUser(ctx, u); err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}
	s.logger.Info("User registered", "user_id", userID)
	return u, nil
}

// Email returns the user's email address.
func (s *Service) Email(ctx context.Context, userID string) (string, error) {
	u, err := s.store.User(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	return u.Email, nil
}

// AddSubscription stores a new subscription and enqueues its first
// notification run.
func (s *Service) AddSubscription(ctx context.Context, userID string, tokens []string) (*catalog.Subscription, error) {
	tokens = catalog.NormalizeTokens(tokens)
	if len(tokens) == 0 {
		return nil, &ValidationError{Field: "tokens", Message: "at least one search term of two or more characters is required"}
	}

	sub := &catalog.Subscription{
		UserID:    userID,
		ID:        s.newID(),
		Tokens:    tokens,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.PutSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	job := catalog.NotificationJob{UserID: userID, SubscriptionID: sub.ID, Tokens: tokens}
	if err := s.queue.Publish(ctx, job); err != nil {
		// The periodic run covers the subscription anyway.
		s.logger.Warn("Failed to enqueue notification job", "user_id", userID, "subscription_id", sub.ID, "error", err)
	}

	s.logger.Info("Subscription added", "user_id", userID, "subscription_id", sub.ID, "keyword", catalog.Keyword(tokens))
	return sub, nil
}

// Subscriptions lists the user's subscriptions.
func (s *Service) Subscriptions(ctx context.Context, userID string) ([]*catalog.Subscription, error) {
	subs, err := s.store.UserSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// DeleteSubscription deletes a subscription and the notifications it
// triggered, so those courses can be matched again by other subscriptions.
func (s *Service) DeleteSubscription(ctx context.Context, userID, subscriptionID string) error {
	notifications, err := s.store.NotificationsBySubscription(ctx, userID, subscriptionID)
	if err != nil {
		return fmt.Errorf("list notifications: %w", err)
	}
	for _, n := range notifications {
		if err := s.store.DeleteNotification(ctx, userID, n.CourseID); err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return fmt.Errorf("delete notification for course %d: %w", n.CourseID, err)
		}
	}

	if err := s.store.DeleteSubscription(ctx, userID, subscriptionID); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}

	s.logger.Info("Subscription deleted",
		"user_id", userID,
		"subscription_id", subscriptionID,
		"notifications", len(notifications))
	return nil
}

// NotifiedCourses lists the courses the user has been notified about.
func (s *Service) NotifiedCourses(ctx context.Context, userID string) ([]NotifiedCourse, error) {
	notifications, err := s.store.UserNotifications(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	out := make([]NotifiedCourse, 0, len(notifications))
	for _, n := range notifications {
		view, err := s.courses.Lookup(ctx, n.CourseID)
		if err != nil {
			if !errors.Is(err, catalog.ErrNotFound) {
				s.logger.Warn("Course lookup failed", "course_id", n.CourseID, "error", err)
			}
			view = &catalog.CourseView{ID: n.CourseID, Link: catalog.CourseLink(s.linkFormat, n.CourseID)}
		}
		out = append(out, NotifiedCourse{Course: *view, NotifiedAt: n.NotifiedAt})
	}
	return out, nil
}

// DeleteAccount deletes every subscription of the user, with their
// notifications, and then the user record.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	subs, err := s.store.UserSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range subs {
		if err := s.DeleteSubscription(ctx, userID, sub.ID); err != nil {
			return err
		}
	}

	if err := s.store.DeleteUser(ctx, userID); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("delete user: %w", err)
	}
	s.logger.Info("Account deleted", "user_id", userID, "subscriptions", len(subs))
	return nil
}
