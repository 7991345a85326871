package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"mpkbot/pkg/catalog"
)

func courseKey(id int64) string {
	return "courses/" + strconv.FormatInt(id, 10) + ".json"
}

func subscriptionKey(userID, id string) string {
	return "subscriptions/" + userID + "/" + id + ".json"
}

func notificationKey(userID string, courseID int64) string {
	return "notifications/" + userID + "/" + strconv.FormatInt(courseID, 10) + ".json"
}

func userKey(id string) string {
	return "users/" + id + ".json"
}

func statusKey(key string) string {
	return "status/" + key + ".json"
}

func checkIDs(ids ...string) error {
	for _, id := range ids {
		if !validID(id) {
			return fmt.Errorf("invalid id %q", id)
		}
	}
	return nil
}

// Course loads a course record.
func (s *Store) Course(ctx context.Context, id int64) (*catalog.Course, error) {
	var c catalog.Course
	if err := s.get(ctx, courseKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// CourseState loads the change-detection projection of a course.
func (s *Store) CourseState(ctx context.Context, id int64) (*catalog.CourseState, error) {
	c, err := s.Course(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.State(), nil
}

// SetCrawlPending sets the crawl-pending flag, creating a placeholder
// record for courses not seen before.
func (s *Store) SetCrawlPending(ctx context.Context, id int64, pending bool) error {
	c, err := s.Course(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		c = &catalog.Course{ID: id}
	} else if err != nil {
		return err
	}
	c.CrawlPending = pending
	return s.PutCourse(ctx, c)
}

// PutCourse writes a course record.
func (s *Store) PutCourse(ctx context.Context, c *catalog.Course) error {
	return s.put(ctx, courseKey(c.ID), c)
}

// Courses loads every course record that has been crawled at least once.
func (s *Store) Courses(ctx context.Context) ([]*catalog.Course, error) {
	all, err := loadAll[catalog.Course](ctx, s, "courses/")
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	out := all[:0]
	for _, c := range all {
		if c.LastCrawledAt > 0 {
			out = append(out, c)
		}
	}
	return out, nil
}

// Generation returns the index generation, 0 if it was never bumped.
func (s *Store) Generation(ctx context.Context) (int64, error) {
	var st catalog.Status
	err := s.get(ctx, statusKey(catalog.StatusIndexGeneration), &st)
	if errors.Is(err, catalog.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return st.Value, nil
}

// BumpGeneration moves the index generation forward. The new value is the
// current time in milliseconds unless that is not larger than the stored
// value, so concurrent bumps without a transaction still change it.
func (s *Store) BumpGeneration(ctx context.Context) (int64, error) {
	prev, err := s.Generation(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now().UnixMilli()
	next := max(prev+1, now)
	st := catalog.Status{Key: catalog.StatusIndexGeneration, Value: next, UpdatedAt: now}
	if err := s.put(ctx, statusKey(st.Key), &st); err != nil {
		return 0, fmt.Errorf("save index generation: %w", err)
	}
	return next, nil
}

// PutSubscription writes a subscription.
func (s *Store) PutSubscription(ctx context.Context, sub *catalog.Subscription) error {
	if err := checkIDs(sub.UserID, sub.ID); err != nil {
		return err
	}
	return s.put(ctx, subscriptionKey(sub.UserID, sub.ID), sub)
}

// Subscription loads one subscription.
func (s *Store) Subscription(ctx context.Context, userID, id string) (*catalog.Subscription, error) {
	if err := checkIDs(userID, id); err != nil {
		return nil, fmt.Errorf("subscription %s/%s: %w", userID, id, catalog.ErrNotFound)
	}
	var sub catalog.Subscription
	if err := s.get(ctx, subscriptionKey(userID, id), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Subscriptions loads the subscriptions of every user.
func (s *Store) Subscriptions(ctx context.Context) ([]*catalog.Subscription, error) {
	subs, err := loadAll[catalog.Subscription](ctx, s, "subscriptions/")
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// UserSubscriptions loads the subscriptions of one user.
func (s *Store) UserSubscriptions(ctx context.Context, userID string) ([]*catalog.Subscription, error) {
	if err := checkIDs(userID); err != nil {
		return nil, err
	}
	subs, err := loadAll[catalog.Subscription](ctx, s, "subscriptions/"+userID+"/")
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// DeleteSubscription deletes one subscription. Its notifications are not
// touched.
func (s *Store) DeleteSubscription(ctx context.Context, userID, id string) error {
	if err := checkIDs(userID, id); err != nil {
		return err
	}
	return s.remove(ctx, subscriptionKey(userID, id))
}

// Notified reports whether the user has been notified about the course.
func (s *Store) Notified(ctx context.Context, userID string, courseID int64) (bool, error) {
	if err := checkIDs(userID); err != nil {
		return false, err
	}
	var n catalog.Notification
	err := s.get(ctx, notificationKey(userID, courseID), &n)
	if errors.Is(err, catalog.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PutNotification writes a notification record.
func (s *Store) PutNotification(ctx context.Context, n *catalog.Notification) error {
	if err := checkIDs(n.UserID); err != nil {
		return err
	}
	return s.put(ctx, notificationKey(n.UserID, n.CourseID), n)
}

// UserNotifications loads the notification records of one user.
func (s *Store) UserNotifications(ctx context.Context, userID string) ([]*catalog.Notification, error) {
	if err := checkIDs(userID); err != nil {
		return nil, err
	}
	ns, err := loadAll[catalog.Notification](ctx, s, "notifications/"+userID+"/")
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return ns, nil
}

// NotificationsBySubscription loads the user's notifications triggered by
// one subscription.
func (s *Store) NotificationsBySubscription(ctx context.Context, userID, subscriptionID string) ([]*catalog.Notification, error) {
	all, err := s.UserNotifications(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []*catalog.Notification
	for _, n := range all {
		if n.SubscriptionID == subscriptionID {
			out = append(out, n)
		}
	}
	return out, nil
}

// DeleteNotification deletes the notification record for a course.
func (s *Store) DeleteNotification(ctx context.Context, userID string, courseID int64) error {
	if err := checkIDs(userID); err != nil {
		return err
	}
	return s.remove(ctx, notificationKey(userID, courseID))
}

// PutUser writes a user record.
func (s *Store) PutUser(ctx context.Context, u *catalog.User) error {
	if err := checkIDs(u.ID); err != nil {
		return err
	}
	return s.put(ctx, userKey(u.ID), u)
}

// User loads a user record.
func (s *Store) User(ctx context.Context, id string) (*catalog.User, error) {
	if err := checkIDs(id); err != nil {
		return nil, fmt.Errorf("user %s: %w", id, catalog.ErrNotFound)
	}
	var u catalog.User
	if err := s.get(ctx, userKey(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteUser deletes a user record.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if err := checkIDs(id); err != nil {
		return err
	}
	return s.remove(ctx, userKey(id))
}
