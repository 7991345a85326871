package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mpkbot/pkg/catalog"
)

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(nil, "", t.TempDir(), logger)
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"accounts.google.com:1234567890", true},
		{"0b8f6a0e-5c0e-4a8e-9a51-2d8c7c7f1f11", true},
		{"user@example.com", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../etc", false},
		{"a/b", false},
		{"with space", false},
	}
	for _, tt := range tests {
		if got := validID(tt.id); got != tt.want {
			t.Errorf("validID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestCourseRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	if _, err := s.Course(ctx, 1); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("Course() of a missing course error = %v, want ErrNotFound", err)
	}

	start := int64(1_790_000_000)
	c := &catalog.Course{ID: 1, Name: "Ensiapu", StartAt: &start, ContentHash: "h", LastCrawledAt: 10}
	if err := s.PutCourse(ctx, c); err != nil {
		t.Fatalf("PutCourse() error = %v", err)
	}

	got, err := s.Course(ctx, 1)
	if err != nil {
		t.Fatalf("Course() error = %v", err)
	}
	if got.Name != "Ensiapu" || got.StartAt == nil || *got.StartAt != start || got.EndAt != nil {
		t.Errorf("Course() = %+v", got)
	}

	if _, err := os.Stat(filepath.Join(s.localPath, "courses", "1.json")); err != nil {
		t.Errorf("expected courses/1.json on disk: %v", err)
	}
}

func TestSetCrawlPendingCreatesPlaceholder(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	if err := s.SetCrawlPending(ctx, 5, true); err != nil {
		t.Fatalf("SetCrawlPending() error = %v", err)
	}
	state, err := s.CourseState(ctx, 5)
	if err != nil {
		t.Fatalf("CourseState() error = %v", err)
	}
	if !state.CrawlPending {
		t.Error("placeholder should be crawl pending")
	}

	courses, err := s.Courses(ctx)
	if err != nil {
		t.Fatalf("Courses() error = %v", err)
	}
	if len(courses) != 0 {
		t.Errorf("Courses() returned %d records, want placeholders excluded", len(courses))
	}

	if err := s.PutCourse(ctx, &catalog.Course{ID: 5, Name: "Ensiapu", LastCrawledAt: 100}); err != nil {
		t.Fatalf("PutCourse() error = %v", err)
	}
	if err := s.SetCrawlPending(ctx, 5, true); err != nil {
		t.Fatalf("SetCrawlPending() error = %v", err)
	}
	c, err := s.Course(ctx, 5)
	if err != nil {
		t.Fatalf("Course() error = %v", err)
	}
	if c.Name != "Ensiapu" || !c.CrawlPending {
		t.Errorf("SetCrawlPending() should keep the record: %+v", c)
	}
}

func TestBumpGeneration(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)
	s.now = func() time.Time { return time.UnixMilli(5_000) }

	if g, err := s.Generation(ctx); err != nil || g != 0 {
		t.Fatalf("Generation() = %d, %v; want 0, nil", g, err)
	}

	first, err := s.BumpGeneration(ctx)
	if err != nil {
		t.Fatalf("BumpGeneration() error = %v", err)
	}
	second, err := s.BumpGeneration(ctx)
	if err != nil {
		t.Fatalf("BumpGeneration() error = %v", err)
	}
	if first != 5_000 || second != 5_001 {
		t.Errorf("generations = %d, %d; want 5000, 5001", first, second)
	}
	if g, err := s.Generation(ctx); err != nil || g != second {
		t.Errorf("Generation() = %d, %v; want %d", g, err, second)
	}
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	subs := []*catalog.Subscription{
		{UserID: "u1", ID: "a", Tokens: []string{"ensiapu"}},
		{UserID: "u1", ID: "b", Tokens: []string{"ampuma", "-kivääri"}},
		{UserID: "u2", ID: "c", Tokens: []string{"maasto"}},
	}
	for _, sub := range subs {
		if err := s.PutSubscription(ctx, sub); err != nil {
			t.Fatalf("PutSubscription() error = %v", err)
		}
	}

	all, err := s.Subscriptions(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("Subscriptions() = %d, %v; want 3", len(all), err)
	}
	mine, err := s.UserSubscriptions(ctx, "u1")
	if err != nil || len(mine) != 2 {
		t.Fatalf("UserSubscriptions() = %d, %v; want 2", len(mine), err)
	}
	if mine[1].Tokens[1] != "-kivääri" {
		t.Errorf("tokens = %q", mine[1].Tokens)
	}

	if err := s.DeleteSubscription(ctx, "u1", "a"); err != nil {
		t.Fatalf("DeleteSubscription() error = %v", err)
	}
	if _, err := s.Subscription(ctx, "u1", "a"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("Subscription() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteSubscription(ctx, "u1", "a"); err != nil {
		t.Errorf("deleting twice should succeed: %v", err)
	}

	if empty, err := s.UserSubscriptions(ctx, "nobody"); err != nil || len(empty) != 0 {
		t.Errorf("UserSubscriptions() for an unknown user = %d, %v", len(empty), err)
	}
	if err := s.PutSubscription(ctx, &catalog.Subscription{UserID: "../x", ID: "a"}); err == nil {
		t.Error("PutSubscription() should reject unsafe ids")
	}
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	for _, n := range []*catalog.Notification{
		{UserID: "u1", CourseID: 1, SubscriptionID: "a", Method: catalog.MethodEmail, NotifiedAt: 1},
		{UserID: "u1", CourseID: 2, SubscriptionID: "b", Method: catalog.MethodEmail, NotifiedAt: 2},
		{UserID: "u1", CourseID: 3, SubscriptionID: "a", Method: catalog.MethodEmail, NotifiedAt: 3},
	} {
		if err := s.PutNotification(ctx, n); err != nil {
			t.Fatalf("PutNotification() error = %v", err)
		}
	}

	if ok, err := s.Notified(ctx, "u1", 2); err != nil || !ok {
		t.Errorf("Notified(u1, 2) = %v, %v; want true", ok, err)
	}
	if ok, err := s.Notified(ctx, "u2", 2); err != nil || ok {
		t.Errorf("Notified(u2, 2) = %v, %v; want false", ok, err)
	}

	bySub, err := s.NotificationsBySubscription(ctx, "u1", "a")
	if err != nil || len(bySub) != 2 {
		t.Fatalf("NotificationsBySubscription() = %d, %v; want 2", len(bySub), err)
	}

	if err := s.DeleteNotification(ctx, "u1", 1); err != nil {
		t.Fatalf("DeleteNotification() error = %v", err)
	}
	all, err := s.UserNotifications(ctx, "u1")
	if err != nil || len(all) != 2 {
		t.Errorf("UserNotifications() = %d, %v; want 2", len(all), err)
	}
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	u := &catalog.User{ID: "accounts.google.com:42", Email: "a@example.com", CreatedAt: time.Unix(100, 0).UTC()}
	if err := s.PutUser(ctx, u); err != nil {
		t.Fatalf("PutUser() error = %v", err)
	}
	got, err := s.User(ctx, u.ID)
	if err != nil || got.Email != "a@example.com" || !got.CreatedAt.Equal(u.CreatedAt) {
		t.Fatalf("User() = %+v, %v", got, err)
	}
	if err := s.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if _, err := s.User(ctx, u.ID); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("User() after delete error = %v, want ErrNotFound", err)
	}
}
