// Package crawl implements the crawl pipeline: listing pagination, change
// detection and detail ingestion.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mpkbot/metrics"
	"mpkbot/pkg/catalog"
)

// DefaultStaleAfter is how long a crawled course stays fresh when its listing is unchanged.
const DefaultStaleAfter = 24 * time.Hour

// Decision is the outcome of evaluating one listing item.
type Decision string

const (
	DecisionNew     Decision = "new"     // No stored record
	DecisionChanged Decision = "changed" // Listing hash differs
	DecisionStale   Decision = "stale"   // Unchanged but not crawled recently
	DecisionPending Decision = "pending" // Detail fetch already in flight
	DecisionFresh   Decision = "fresh"   // Unchanged and recently crawled
)

// Enqueue reports whether the decision triggers a detail fetch.
func (d Decision) Enqueue() bool {
	return d == DecisionNew || d == DecisionChanged || d == DecisionStale
}

// CourseStore is the part of the canonical store the detector needs.
type CourseStore interface {
	CourseState(ctx context.Context, id int64) (*catalog.CourseState, error)
	SetCrawlPending(ctx context.Context, id int64, pending bool) error
}

// Publisher delivers jobs to a work queue.
type Publisher interface {
	Publish(ctx context.Context, v any) error
}

// Detector decides whether listing items need a detail fetch.
type Detector struct {
	store      CourseStore
	queue      Publisher
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// NewDetector creates a change detector.
func NewDetector(store CourseStore, queue Publisher, staleAfter time.Duration, logger *slog.Logger) *Detector {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Detector{
		store:      store,
		queue:      queue,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Evaluate compares a listing item with its stored record and enqueues a
// detail fetch when needed.
func (d *Detector) Evaluate(ctx context.Context, item catalog.ListingItem) (Decision, error) {
	id, ok := item.CourseID()
	if !ok {
		return "", errors.New("listing item without course id")
	}

	hash, err := Hash(item)
	if err != nil {
		return "", fmt.Errorf("hash course %d: %w", id, err)
	}

	state, err := d.store.CourseState(ctx, id)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		state = nil
	case err != nil:
		return "", fmt.Errorf("load course %d: %w", id, err)
	}

	decision := decide(state, hash, d.now(), d.staleAfter)
	metrics.ObserveDecision(string(decision))

	if !decision.Enqueue() {
		d.logger.Debug("Course unchanged, not crawling", "course_id", id, "name", item.String(catalog.FieldName), "decision", decision)
		return decision, nil
	}

	d.logger.Info("Course queued for detail crawl", "course_id", id, "name", item.String(catalog.FieldName), "decision", decision)

	// Mark before publishing so later pages of the same run skip the course.
	if err := d.store.SetCrawlPending(ctx, id, true); err != nil {
		return "", fmt.Errorf("mark course %d pending: %w", id, err)
	}
	if err := d.queue.Publish(ctx, catalog.DetailJob{CourseID: id, Payload: item}); err != nil {
		if clearErr := d.store.SetCrawlPending(ctx, id, false); clearErr != nil {
			d.logger.Warn("Failed to clear crawl pending flag", "course_id", id, "error", clearErr)
		}
		return "", fmt.Errorf("enqueue course %d: %w", id, err)
	}

	return decision, nil
}

func decide(state *catalog.CourseState, hash string, now time.Time, staleAfter time.Duration) Decision {
	switch {
	case state == nil:
		return DecisionNew
	case state.CrawlPending:
		return DecisionPending
	case state.ContentHash != hash:
		return DecisionChanged
	case now.Sub(time.Unix(state.LastCrawledAt, 0)) > staleAfter:
		return DecisionStale
	default:
		return DecisionFresh
	}
}
