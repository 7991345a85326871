package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mpkbot/metrics"
	"mpkbot/pkg/catalog"
)

// endTimeLayout is the strict layout of LoppuaikaStr, e.g. "14.11.2026 15.00".
const endTimeLayout = "2.1.2006 15.04"

// DetailFetcher fetches the detail page of a course.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, courseID int64) (*catalog.CourseDetail, error)
}

// CourseWriter persists crawled courses and invalidates the search index.
type CourseWriter interface {
	PutCourse(ctx context.Context, c *catalog.Course) error
	BumpGeneration(ctx context.Context) (int64, error)
}

// DetailHandler consumes detail jobs. Handling the same job again overwrites
// the course with the same content.
type DetailHandler struct {
	fetcher DetailFetcher
	store   CourseWriter
	logger  *slog.Logger
	loc     *time.Location
	now     func() time.Time
}

// NewDetailHandler creates a detail crawler. loc is the calendar time zone.
func NewDetailHandler(fetcher DetailFetcher, store CourseWriter, loc *time.Location, logger *slog.Logger) *DetailHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &DetailHandler{
		fetcher: fetcher,
		store:   store,
		logger:  logger,
		loc:     loc,
		now:     time.Now,
	}
}

// HandleMessage decodes a queued detail job and handles it.
func (h *DetailHandler) HandleMessage(ctx context.Context, data []byte) error {
	job, err := catalog.DecodeDetailJob(data)
	if err != nil {
		metrics.ObserveDetailJob("invalid")
		return err
	}
	return h.Handle(ctx, job)
}

// Handle fetches the course page and writes the canonical record. A returned
// error leaves the job unacknowledged so the queue redelivers it.
func (h *DetailHandler) Handle(ctx context.Context, job *catalog.DetailJob) error {
	// The hash comes from the listing payload, not the page, so the next
	// listing crawl compares like with like.
	hash, err := Hash(job.Payload)
	if err != nil {
		metrics.ObserveDetailJob("error")
		return fmt.Errorf("hash course %d: %w", job.CourseID, err)
	}

	detail, err := h.fetcher.FetchDetail(ctx, job.CourseID)
	if err != nil {
		metrics.ObserveDetailJob("error")
		return fmt.Errorf("crawl course %d: %w", job.CourseID, err)
	}

	course := &catalog.Course{
		ID:            job.CourseID,
		Name:          job.Payload.String(catalog.FieldName),
		Location:      detail.Location,
		TimeInfo:      detail.TimeInfo,
		Description:   detail.Description,
		Price:         detail.Price,
		Venue:         detail.Venue,
		Contact:       detail.Contact,
		StartAt:       startTime(job.Payload),
		EndAt:         parseEndTime(job.Payload.String(catalog.FieldEndText), h.loc),
		ContentHash:   hash,
		LastCrawledAt: h.now().Unix(),
		CrawlPending:  false,
	}

	if err := h.store.PutCourse(ctx, course); err != nil {
		metrics.ObserveDetailJob("error")
		return fmt.Errorf("save course %d: %w", job.CourseID, err)
	}

	generation, err := h.store.BumpGeneration(ctx)
	if err != nil {
		metrics.ObserveDetailJob("error")
		return fmt.Errorf("bump index generation: %w", err)
	}

	metrics.ObserveDetailJob("ok")
	h.logger.Info("Course ingested", "course_id", course.ID, "name", course.Name, "generation", generation)
	return nil
}

func startTime(payload catalog.ListingItem) *int64 {
	s, ok := payload.Int64(catalog.FieldStart)
	if !ok {
		return nil
	}
	return &s
}

// parseEndTime parses the listing end time. Anything not matching the strict
// layout yields nil.
func parseEndTime(s string, loc *time.Location) *int64 {
	t, err := time.ParseInLocation(endTimeLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return nil
	}
	secs := t.Unix()
	return &secs
}
