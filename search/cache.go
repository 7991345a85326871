package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mpkbot/metrics"
	"mpkbot/pkg/catalog"
)

// Source is the canonical store the index is built from.
type Source interface {
	Courses(ctx context.Context) ([]*catalog.Course, error)
	Generation(ctx context.Context) (int64, error)
}

type snapshot struct {
	index      *Index
	generation int64
}

// Cache holds the current index together with the generation it was built
// from. Rebuilds replace the snapshot wholesale; readers holding the old one
// are unaffected.
type Cache struct {
	source     Source
	logger     *slog.Logger
	linkFormat string

	mu      sync.Mutex
	current *snapshot
}

// NewCache creates an empty cache. The first query builds the index.
// linkFormat is the course link format used in views.
func NewCache(source Source, linkFormat string, logger *slog.Logger) *Cache {
	return &Cache{source: source, linkFormat: linkFormat, logger: logger}
}

func (c *Cache) load() *snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// RefreshIfStale rebuilds the index when the stored generation differs from
// the one the current index was built from. Two callers racing on the same
// stale generation may both rebuild; the results are identical.
func (c *Cache) RefreshIfStale(ctx context.Context) (bool, error) {
	generation, err := c.source.Generation(ctx)
	if err != nil {
		return false, fmt.Errorf("read index generation: %w", err)
	}
	if snap := c.load(); snap != nil && snap.generation == generation {
		return false, nil
	}

	start := time.Now()
	courses, err := c.source.Courses(ctx)
	if err != nil {
		return false, fmt.Errorf("load courses: %w", err)
	}
	next := &snapshot{index: Build(courses), generation: generation}

	c.mu.Lock()
	if c.current != nil && c.current.generation > next.generation {
		// A rebuild of a newer generation finished first.
		c.mu.Unlock()
		return false, nil
	}
	c.current = next
	c.mu.Unlock()

	metrics.ObserveIndexRebuild(next.index.Len())
	c.logger.Info("Search index rebuilt",
		"generation", generation,
		"courses", next.index.Len(),
		"duration_ms", time.Since(start).Milliseconds())
	return true, nil
}

// index refreshes if needed and returns the index to query. A failed
// refresh falls back to the previous index when there is one.
func (c *Cache) index(ctx context.Context) (*Index, error) {
	if _, err := c.RefreshIfStale(ctx); err != nil {
		snap := c.load()
		if snap == nil {
			return nil, err
		}
		c.logger.Warn("Search index refresh failed, serving previous index", "generation", snap.generation, "error", err)
		return snap.index, nil
	}
	return c.load().index, nil
}

// Search returns the views of courses matching q.
func (c *Cache) Search(ctx context.Context, q catalog.Query) ([]catalog.CourseView, error) {
	idx, err := c.index(ctx)
	if err != nil {
		return nil, err
	}
	courses := idx.Search(q)
	views := make([]catalog.CourseView, 0, len(courses))
	for _, course := range courses {
		views = append(views, course.View(c.linkFormat))
	}
	return views, nil
}

// Lookup returns the view of one course.
func (c *Cache) Lookup(ctx context.Context, id int64) (*catalog.CourseView, error) {
	idx, err := c.index(ctx)
	if err != nil {
		return nil, err
	}
	course, ok := idx.Course(id)
	if !ok {
		return nil, fmt.Errorf("course %d: %w", id, catalog.ErrNotFound)
	}
	v := course.View(c.linkFormat)
	return &v, nil
}
