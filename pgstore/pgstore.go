// Package pgstore is the Postgres implementation of the course, subscription
// and notification store.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mpkbot/pkg/catalog"
)

// Schema creates the tables on first start.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS courses (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		time_info TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		price TEXT NOT NULL DEFAULT '',
		venue TEXT NOT NULL DEFAULT '',
		contact TEXT NOT NULL DEFAULT '',
		start_at BIGINT,
		end_at BIGINT,
		content_hash TEXT NOT NULL DEFAULT '',
		last_crawled_at BIGINT NOT NULL DEFAULT 0,
		crawl_pending BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		tokens TEXT[] NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		user_id TEXT NOT NULL,
		course_id BIGINT NOT NULL,
		subscription_id TEXT NOT NULL,
		method TEXT NOT NULL,
		notified_at BIGINT NOT NULL,
		PRIMARY KEY (user_id, course_id)
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_by_subscription ON notifications (user_id, subscription_id)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS status (
		key TEXT PRIMARY KEY,
		value BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

const courseColumns = `id, name, location, time_info, description, price, venue, contact,
	start_at, end_at, content_hash, last_crawled_at, crawl_pending`

const (
	selectCourse  = `SELECT ` + courseColumns + ` FROM courses WHERE id = $1`
	selectCourses = `SELECT ` + courseColumns + ` FROM courses WHERE last_crawled_at > 0 ORDER BY id`
	upsertCourse  = `INSERT INTO courses (` + courseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			location = EXCLUDED.location,
			time_info = EXCLUDED.time_info,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			venue = EXCLUDED.venue,
			contact = EXCLUDED.contact,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			content_hash = EXCLUDED.content_hash,
			last_crawled_at = EXCLUDED.last_crawled_at,
			crawl_pending = EXCLUDED.crawl_pending`
	upsertCrawlPending = `INSERT INTO courses (id, crawl_pending) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET crawl_pending = EXCLUDED.crawl_pending`

	selectGeneration = `SELECT value FROM status WHERE key = $1`
	bumpGeneration   = `INSERT INTO status (key, value, updated_at) VALUES ($1, 1, $2)
		ON CONFLICT (key) DO UPDATE SET value = status.value + 1, updated_at = EXCLUDED.updated_at
		RETURNING value`

	upsertSubscription = `INSERT INTO subscriptions (user_id, id, tokens, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, id) DO UPDATE SET tokens = EXCLUDED.tokens`
	selectSubscription      = `SELECT user_id, id, tokens, created_at FROM subscriptions WHERE user_id = $1 AND id = $2`
	selectSubscriptions     = `SELECT user_id, id, tokens, created_at FROM subscriptions ORDER BY user_id, created_at, id`
	selectUserSubscriptions = `SELECT user_id, id, tokens, created_at FROM subscriptions WHERE user_id = $1 ORDER BY created_at, id`
	deleteSubscription      = `DELETE FROM subscriptions WHERE user_id = $1 AND id = $2`

	selectNotified     = `SELECT EXISTS (SELECT 1 FROM notifications WHERE user_id = $1 AND course_id = $2)`
	upsertNotification = `INSERT INTO notifications (user_id, course_id, subscription_id, method, notified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, course_id) DO UPDATE SET
			subscription_id = EXCLUDED.subscription_id,
			method = EXCLUDED.method,
			notified_at = EXCLUDED.notified_at`
	selectUserNotifications = `SELECT user_id, course_id, subscription_id, method, notified_at
		FROM notifications WHERE user_id = $1 ORDER BY notified_at, course_id`
	selectSubscriptionNotifications = `SELECT user_id, course_id, subscription_id, method, notified_at
		FROM notifications WHERE user_id = $1 AND subscription_id = $2 ORDER BY course_id`
	deleteNotification = `DELETE FROM notifications WHERE user_id = $1 AND course_id = $2`

	upsertUser = `INSERT INTO users (id, email, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email`
	selectUser = `SELECT id, email, created_at FROM users WHERE id = $1`
	deleteUser = `DELETE FROM users WHERE id = $1`
)

// pool is the subset of pgxpool.Pool the store uses.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// Store persists records in Postgres.
type Store struct {
	pool   pool
	logger *slog.Logger
	now    func() time.Time
}

// New connects to Postgres.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, logger), nil
}

// NewWithPool constructs a store from an existing pool.
func NewWithPool(p pool, logger *slog.Logger) *Store {
	return &Store{pool: p, logger: logger, now: time.Now}
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	s.logger.Info("Postgres schema ready", "statements", len(Schema))
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCourse(row scanner) (*catalog.Course, error) {
	var c catalog.Course
	err := row.Scan(&c.ID, &c.Name, &c.Location, &c.TimeInfo, &c.Description, &c.Price, &c.Venue, &c.Contact,
		&c.StartAt, &c.EndAt, &c.ContentHash, &c.LastCrawledAt, &c.CrawlPending)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, catalog.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Course loads a course record.
func (s *Store) Course(ctx context.Context, id int64) (*catalog.Course, error) {
	c, err := scanCourse(s.pool.QueryRow(ctx, selectCourse, id))
	if err != nil {
		return nil, notFound(err, "course %d", id)
	}
	return c, nil
}

// CourseState loads the change-detection projection of a course.
func (s *Store) CourseState(ctx context.Context, id int64) (*catalog.CourseState, error) {
	c, err := s.Course(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.State(), nil
}

// SetCrawlPending sets the crawl-pending flag, inserting a placeholder row
// for unseen courses.
func (s *Store) SetCrawlPending(ctx context.Context, id int64, pending bool) error {
	if _, err := s.pool.Exec(ctx, upsertCrawlPending, id, pending); err != nil {
		return fmt.Errorf("set crawl pending for course %d: %w", id, err)
	}
	return nil
}

// PutCourse writes a course record.
func (s *Store) PutCourse(ctx context.Context, c *catalog.Course) error {
	_, err := s.pool.Exec(ctx, upsertCourse,
		c.ID, c.Name, c.Location, c.TimeInfo, c.Description, c.Price, c.Venue, c.Contact,
		c.StartAt, c.EndAt, c.ContentHash, c.LastCrawledAt, c.CrawlPending)
	if err != nil {
		return fmt.Errorf("save course %d: %w", c.ID, err)
	}
	return nil
}

// Courses loads every course that has been crawled at least once.
func (s *Store) Courses(ctx context.Context) ([]*catalog.Course, error) {
	rows, err := s.pool.Query(ctx, selectCourses)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	defer rows.Close()

	var out []*catalog.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	return out, nil
}

// Generation returns the index generation, 0 if it was never bumped.
func (s *Store) Generation(ctx context.Context) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, selectGeneration, catalog.StatusIndexGeneration).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read index generation: %w", err)
	}
	return v, nil
}

// BumpGeneration atomically increments the index generation.
func (s *Store) BumpGeneration(ctx context.Context) (int64, error) {
	var v int64
	if err := s.pool.QueryRow(ctx, bumpGeneration, catalog.StatusIndexGeneration, s.now().UnixMilli()).Scan(&v); err != nil {
		return 0, fmt.Errorf("bump index generation: %w", err)
	}
	return v, nil
}

// PutSubscription writes a subscription.
func (s *Store) PutSubscription(ctx context.Context, sub *catalog.Subscription) error {
	if _, err := s.pool.Exec(ctx, upsertSubscription, sub.UserID, sub.ID, sub.Tokens, sub.CreatedAt); err != nil {
		return fmt.Errorf("save subscription %s: %w", sub.ID, err)
	}
	return nil
}

func scanSubscription(row scanner) (*catalog.Subscription, error) {
	var sub catalog.Subscription
	if err := row.Scan(&sub.UserID, &sub.ID, &sub.Tokens, &sub.CreatedAt); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) querySubscriptions(ctx context.Context, sql string, args ...any) ([]*catalog.Subscription, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*catalog.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

// Subscription loads one subscription.
func (s *Store) Subscription(ctx context.Context, userID, id string) (*catalog.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, selectSubscription, userID, id))
	if err != nil {
		return nil, notFound(err, "subscription %s/%s", userID, id)
	}
	return sub, nil
}

// Subscriptions loads every subscription.
func (s *Store) Subscriptions(ctx context.Context) ([]*catalog.Subscription, error) {
	return s.querySubscriptions(ctx, selectSubscriptions)
}

// UserSubscriptions loads the subscriptions of one user.
func (s *Store) UserSubscriptions(ctx context.Context, userID string) ([]*catalog.Subscription, error) {
	return s.querySubscriptions(ctx, selectUserSubscriptions, userID)
}

// DeleteSubscription deletes one subscription.
func (s *Store) DeleteSubscription(ctx context.Context, userID, id string) error {
	if _, err := s.pool.Exec(ctx, deleteSubscription, userID, id); err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}

// Notified reports whether the user has been notified about the course.
func (s *Store) Notified(ctx context.Context, userID string, courseID int64) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, selectNotified, userID, courseID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check notification: %w", err)
	}
	return exists, nil
}

// PutNotification writes a notification record.
func (s *Store) PutNotification(ctx context.Context, n *catalog.Notification) error {
	_, err := s.pool.Exec(ctx, upsertNotification, n.UserID, n.CourseID, n.SubscriptionID, n.Method, n.NotifiedAt)
	if err != nil {
		return fmt.Errorf("save notification for course %d: %w", n.CourseID, err)
	}
	return nil
}

func (s *Store) queryNotifications(ctx context.Context, sql string, args ...any) ([]*catalog.Notification, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*catalog.Notification
	for rows.Next() {
		var n catalog.Notification
		if err := rows.Scan(&n.UserID, &n.CourseID, &n.SubscriptionID, &n.Method, &n.NotifiedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

// UserNotifications loads the notification records of one user.
func (s *Store) UserNotifications(ctx context.Context, userID string) ([]*catalog.Notification, error) {
	return s.queryNotifications(ctx, selectUserNotifications, userID)
}

// NotificationsBySubscription loads the user's notifications triggered by
// one subscription.
func (s *Store) NotificationsBySubscription(ctx context.Context, userID, subscriptionID string) ([]*catalog.Notification, error) {
	return s.queryNotifications(ctx, selectSubscriptionNotifications, userID, subscriptionID)
}

// DeleteNotification deletes the notification record for a course.
func (s *Store) DeleteNotification(ctx context.Context, userID string, courseID int64) error {
	if _, err := s.pool.Exec(ctx, deleteNotification, userID, courseID); err != nil {
		return fmt.Errorf("delete notification for course %d: %w", courseID, err)
	}
	return nil
}

// PutUser writes a user record.
func (s *Store) PutUser(ctx context.Context, u *catalog.User) error {
	if _, err := s.pool.Exec(ctx, upsertUser, u.ID, u.Email, u.CreatedAt); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// User loads a user record.
func (s *Store) User(ctx context.Context, id string) (*catalog.User, error) {
	var u catalog.User
	if err := s.pool.QueryRow(ctx, selectUser, id).Scan(&u.ID, &u.Email, &u.CreatedAt); err != nil {
		return nil, notFound(err, "user %s", id)
	}
	return &u, nil
}

// DeleteUser deletes a user record.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, deleteUser, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}
