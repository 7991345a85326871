// Package notify matches subscriptions against the course index and emails
// users about courses they have not been told about yet.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mpkbot/metrics"
	"mpkbot/pkg/catalog"
)

// Result statuses.
const (
	StatusNoMatch         = "no_match"
	StatusAlreadyNotified = "already_notified"
	StatusSent            = "sent"
	StatusIdentityFailed  = "identity_failed"
	StatusSendFailed      = "send_failed"
	StatusError           = "error"
)

// Searcher queries the course index.
type Searcher interface {
	Search(ctx context.Context, q catalog.Query) ([]catalog.CourseView, error)
}

// Store interface for subscription and notification persistence.
type Store interface {
	Subscriptions(ctx context.Context) ([]*catalog.Subscription, error)
	Subscription(ctx context.Context, userID, subscriptionID string) (*catalog.Subscription, error)
	Notified(ctx context.Context, userID string, courseID int64) (bool, error)
	PutNotification(ctx context.Context, n *catalog.Notification) error
}

// Directory resolves a user's email address.
type Directory interface {
	Email(ctx context.Context, userID string) (string, error)
}

// Emailer interface for sending notifications.
type Emailer interface {
	SendCourses(ctx context.Context, to, keyword string, courses []catalog.CourseView) error
}

// Result describes one subscription run.
type Result struct {
	UserID         string `json:"user_id"`
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
	Matched        int    `json:"matched"`
	Notified       int    `json:"notified"`
	Err            error  `json:"-"`
	Error          string `json:"error,omitempty"`
}

func (r *Result) fail(status string, err error) {
	r.Status = status
	r.Err = err
	r.Error = err.Error()
}

// Notifier runs subscriptions.
type Notifier struct {
	search    Searcher
	store     Store
	directory Directory
	emailer   Emailer
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a new notifier.
func New(search Searcher, store Store, directory Directory, emailer Emailer, logger *slog.Logger) *Notifier {
	return &Notifier{
		search:    search,
		store:     store,
		directory: directory,
		emailer:   emailer,
		logger:    logger,
		now:       time.Now,
	}
}

// RunAll runs every stored subscription once. Failed subscriptions do not
// stop the run; they are retried on the next one.
func (n *Notifier) RunAll(ctx context.Context) ([]Result, error) {
	subs, err := n.store.Subscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	start := n.now()
	n.logger.Info("Running subscriptions", "count", len(subs))

	results := make([]Result, 0, len(subs))
	var sent int
	for _, sub := range subs {
		select {
		case <-ctx.Done():
			n.logger.Info("Context cancelled, stopping notification run", "error", ctx.Err())
			return results, ctx.Err()
		default:
		}

		res := n.RunOne(ctx, sub.UserID, sub.ID, sub.Tokens)
		if res.Status == StatusSent {
			sent++
		}
		results = append(results, res)
	}

	n.logger.Info("Notification run completed",
		"subscriptions", len(results),
		"sent", sent,
		"duration_ms", time.Since(start).Milliseconds())
	return results, nil
}

// RunOne evaluates one subscription. Either every new course is emailed and
// recorded, or nothing is recorded and the same courses are tried again on
// a later run.
func (n *Notifier) RunOne(ctx context.Context, userID, subscriptionID string, tokens []string) Result {
	res := Result{UserID: userID, SubscriptionID: subscriptionID}
	log := n.logger.With("user_id", userID, "subscription_id", subscriptionID)

	views, err := n.search.Search(ctx, catalog.ParseQuery(tokens))
	if err != nil {
		res.fail(StatusError, fmt.Errorf("search courses: %w", err))
		log.Warn("Subscription search failed", "error", err)
		metrics.ObserveNotification(res.Status, 0)
		return res
	}
	res.Matched = len(views)

	var fresh []catalog.CourseView
	for _, v := range views {
		notified, err := n.store.Notified(ctx, userID, v.ID)
		if err != nil {
			res.fail(StatusError, fmt.Errorf("check notification for course %d: %w", v.ID, err))
			log.Warn("Notification lookup failed", "course_id", v.ID, "error", err)
			metrics.ObserveNotification(res.Status, 0)
			return res
		}
		if !notified {
			fresh = append(fresh, v)
		}
	}

	if len(fresh) == 0 {
		res.Status = StatusNoMatch
		if len(views) > 0 {
			res.Status = StatusAlreadyNotified
		}
		log.Debug("Nothing new for subscription", "matched", len(views))
		metrics.ObserveNotification(res.Status, 0)
		return res
	}

	to, err := n.directory.Email(ctx, userID)
	if err == nil && to == "" {
		err = errors.New("user has no email address")
	}
	if err != nil {
		res.fail(StatusIdentityFailed, fmt.Errorf("resolve email: %w", err))
		log.Warn("Email address lookup failed, skipping subscription", "error", err)
		metrics.ObserveNotification(res.Status, 0)
		return res
	}

	keyword := catalog.Keyword(tokens)
	if err := n.emailer.SendCourses(ctx, to, keyword, fresh); err != nil {
		res.fail(StatusSendFailed, fmt.Errorf("send notification: %w", err))
		log.Error("Notification send failed", "courses", len(fresh), "error", err)
		metrics.ObserveNotification(res.Status, 0)
		return res
	}

	res.Status = StatusSent
	notifiedAt := n.now().Unix()
	for _, v := range fresh {
		record := &catalog.Notification{
			UserID:         userID,
			CourseID:       v.ID,
			SubscriptionID: subscriptionID,
			Method:         catalog.MethodEmail,
			NotifiedAt:     notifiedAt,
		}
		if err := n.store.PutNotification(ctx, record); err != nil {
			// The email is out; the course will be sent again next run.
			log.Error("Failed to record notification", "course_id", v.ID, "error", err)
			if res.Err == nil {
				res.Err = fmt.Errorf("record notification for course %d: %w", v.ID, err)
				res.Error = res.Err.Error()
			}
			continue
		}
		res.Notified++
	}

	metrics.ObserveNotification(res.Status, res.Notified)
	log.Info("Notification sent", "keyword", keyword, "courses", len(fresh), "recorded", res.Notified)
	return res
}

// HandleMessage runs the subscription named by a queued notification job.
// Jobs for deleted subscriptions are dropped. A returned error leaves the
// job for redelivery.
func (n *Notifier) HandleMessage(ctx context.Context, data []byte) error {
	job, err := catalog.DecodeNotificationJob(data)
	if err != nil {
		return err
	}

	if _, err := n.store.Subscription(ctx, job.UserID, job.SubscriptionID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			n.logger.Info("Subscription deleted before notification job ran", "user_id", job.UserID, "subscription_id", job.SubscriptionID)
			return nil
		}
		return fmt.Errorf("load subscription: %w", err)
	}

	res := n.RunOne(ctx, job.UserID, job.SubscriptionID, job.Tokens)
	if res.Status == StatusSent {
		// Redelivering would resend the email; the next run picks up any
		// unrecorded course instead.
		return nil
	}
	return res.Err
}
