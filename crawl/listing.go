package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"mpkbot/metrics"
	"mpkbot/pkg/catalog"
)

const (
	// DefaultPageSize is the number of items the calendar returns for a full page.
	DefaultPageSize = 100
	// DefaultMaxPages bounds the pages fetched for one unit in a run.
	DefaultMaxPages = 50
)

// DefaultUnits are the MPK organizational units whose calendars are crawled.
var DefaultUnits = []int{1, 2, 3, 5, 10, 8, 7, 22, 15, 11, 12, 21, 4, 6, 9, 18, 20, 19, 17, 16}

// ListingFetcher fetches one listing page for a unit and window start.
type ListingFetcher interface {
	FetchListing(ctx context.Context, unitID int, windowStart time.Time) ([]catalog.ListingItem, error)
}

// Evaluator decides what to do with one listing item.
type Evaluator interface {
	Evaluate(ctx context.Context, item catalog.ListingItem) (Decision, error)
}

// PartitionResult summarizes the crawl of one unit.
type PartitionResult struct {
	UnitID    int    `json:"unit_id"`
	Pages     int    `json:"pages"`
	Items     int    `json:"items"`
	Enqueued  int    `json:"enqueued"`
	Failed    int    `json:"failed"`              // Items whose evaluation failed
	Truncated bool   `json:"truncated,omitempty"` // Page ceiling reached
	Err       error  `json:"-"`
	Error     string `json:"error,omitempty"`
}

func (r *PartitionResult) fail(err error) {
	r.Err = err
	r.Error = err.Error()
}

// Crawler walks the paginated listing of every unit.
type Crawler struct {
	fetcher   ListingFetcher
	evaluator Evaluator
	logger    *slog.Logger
	units     []int
	pageSize  int
	maxPages  int
	now       func() time.Time
}

// CrawlerConfig holds pagination settings. Zero values use the defaults.
type CrawlerConfig struct {
	Units    []int
	PageSize int
	MaxPages int
}

// NewCrawler creates a listing crawler.
func NewCrawler(fetcher ListingFetcher, evaluator Evaluator, cfg CrawlerConfig, logger *slog.Logger) *Crawler {
	if len(cfg.Units) == 0 {
		cfg.Units = DefaultUnits
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	return &Crawler{
		fetcher:   fetcher,
		evaluator: evaluator,
		logger:    logger,
		units:     cfg.Units,
		pageSize:  cfg.PageSize,
		maxPages:  cfg.MaxPages,
		now:       time.Now,
	}
}

// CrawlAll crawls every unit from today onwards, one after another.
// A failing unit does not stop the others.
func (c *Crawler) CrawlAll(ctx context.Context) []PartitionResult {
	start := c.now()
	c.logger.Info("Starting listing crawl", "units", len(c.units))

	results := make([]PartitionResult, 0, len(c.units))
	for _, unitID := range c.units {
		select {
		case <-ctx.Done():
			c.logger.Info("Context cancelled, stopping listing crawl", "error", ctx.Err())
			return results
		default:
		}

		res := c.CrawlPartition(ctx, unitID, start)
		if res.Err != nil {
			c.logger.Warn("Unit crawl failed", "unit_id", unitID, "pages", res.Pages, "error", res.Err)
		}
		results = append(results, res)
	}

	var items, enqueued int
	for _, r := range results {
		items += r.Items
		enqueued += r.Enqueued
	}
	c.logger.Info("Listing crawl completed",
		"units", len(results),
		"items", items,
		"enqueued", enqueued,
		"duration_ms", time.Since(start).Milliseconds())
	return results
}

// CrawlPartition crawls one unit starting at windowStart. A full page means
// more items may follow; the next window starts at the last item's start time.
// A fetch error ends the unit's crawl without retrying.
func (c *Crawler) CrawlPartition(ctx context.Context, unitID int, windowStart time.Time) PartitionResult {
	res := PartitionResult{UnitID: unitID}
	unit := strconv.Itoa(unitID)

	cursor := windowStart
	var prevLastID int64
	havePrev := false

	for page := 0; page < c.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			res.fail(err)
			return res
		}

		items, err := c.fetcher.FetchListing(ctx, unitID, cursor)
		res.Pages++
		if err != nil {
			metrics.ObserveListingPage(unit, "error")
			res.fail(fmt.Errorf("fetch page %d: %w", page+1, err))
			return res
		}
		metrics.ObserveListingPage(unit, "ok")

		var (
			lastStart *time.Time
			lastID    int64
			haveLast  bool
		)
		for _, item := range items {
			res.Items++
			if start := normalizeStart(item); start != nil {
				t := time.Unix(*start, 0)
				lastStart = &t
			}
			if id, ok := item.CourseID(); ok {
				lastID, haveLast = id, true
			}

			decision, err := c.evaluator.Evaluate(ctx, item)
			if err != nil {
				res.Failed++
				c.logger.Warn("Listing item evaluation failed", "unit_id", unitID, "error", err)
				continue
			}
			if decision.Enqueue() {
				res.Enqueued++
			}
		}

		if len(items) < c.pageSize {
			return res
		}
		if lastStart == nil {
			c.logger.Warn("Full page without start times, cannot advance window", "unit_id", unitID, "page", page+1)
			return res
		}

		next := *lastStart
		if havePrev && haveLast && lastID == prevLastID {
			c.logger.Info("Listing returned the same page again, advancing one day", "unit_id", unitID, "last_course_id", lastID)
			next = next.AddDate(0, 0, 1)
		}
		prevLastID, havePrev = lastID, haveLast
		cursor = next

		c.logger.Debug("Fetching next listing page", "unit_id", unitID, "window_start", cursor.Format(time.DateOnly))
	}

	res.Truncated = true
	c.logger.Warn("Listing page ceiling reached", "unit_id", unitID, "max_pages", c.maxPages)
	return res
}

// normalizeStart replaces the vendor start timestamp of item with epoch
// seconds, or nil when it cannot be parsed.
func normalizeStart(item catalog.ListingItem) *int64 {
	raw, ok := item[catalog.FieldStart]
	if !ok {
		return nil
	}
	var secs *int64
	switch v := raw.(type) {
	case string:
		if t, ok := catalog.ParseListingTime(v); ok {
			s := t.Unix()
			secs = &s
		}
	default:
		// Already normalized, e.g. a payload coming back from the queue.
		if s, ok := item.Int64(catalog.FieldStart); ok {
			secs = &s
		}
	}
	if secs == nil {
		item[catalog.FieldStart] = nil
		return nil
	}
	item[catalog.FieldStart] = *secs
	return secs
}
