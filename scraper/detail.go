package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"mpkbot/pkg/catalog"
)

// Description sections in the order they are joined.
var descriptionHeadings = []string{"Tavoite", "Kenelle kurssi soveltuu", "Esitiedot", "Sisältö"}

// DetailURL returns the detail page URL of a course.
func (s *Scraper) DetailURL(courseID int64) string {
	return fmt.Sprintf(s.detailURL, courseID)
}

// FetchDetail fetches and parses a course detail page.
func (s *Scraper) FetchDetail(ctx context.Context, courseID int64) (*catalog.CourseDetail, error) {
	detailURL := s.DetailURL(courseID)
	collector := s.collector.Clone()

	var (
		detail   *catalog.CourseDetail
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		d, err := ParseDetail(bytes.NewReader(r.Body))
		if err != nil {
			fetchErr = fmt.Errorf("parse detail page: %w", err)
			return
		}
		detail = d
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = &HTTPStatusError{URL: detailURL, StatusCode: r.StatusCode}
			return
		}
		fetchErr = err
	})

	startTime := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(detailURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch detail %d: %w", courseID, ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			err = fetchErr
		}
		if err != nil {
			s.logger.Warn("Detail fetch failed",
				"course_id", courseID,
				"url", detailURL,
				"duration_ms", time.Since(startTime).Milliseconds(),
				"error", err)
			return nil, fmt.Errorf("fetch detail %d: %w", courseID, err)
		}
	}

	if detail == nil {
		return nil, fmt.Errorf("fetch detail %d: %w", courseID, errors.New("no response"))
	}

	s.logger.Debug("Detail page parsed",
		"course_id", courseID,
		"duration_ms", time.Since(startTime).Milliseconds(),
		"location", detail.Location)
	return detail, nil
}

// ParseDetail parses a course detail page.
func ParseDetail(body io.Reader) (*catalog.CourseDetail, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}
	return ExtractDetail(doc.Selection), nil
}

// ExtractDetail reads the labeled table cells and heading-anchored paragraphs
// of a detail page. Missing sections yield empty strings.
func ExtractDetail(doc *goquery.Selection) *catalog.CourseDetail {
	sections := make([]string, 0, len(descriptionHeadings))
	for _, heading := range descriptionHeadings {
		sections = append(sections, section(doc, heading))
	}

	return &catalog.CourseDetail{
		TimeInfo:    tableCell(doc, "Ajankohta"),
		Location:    tableCell(doc, "Paikkakunta"),
		Description: strings.Join(sections, "\n\n"),
		Price:       section(doc, "Hinta"),
		Venue:       section(doc, "Koulutuspaikka"),
		Contact:     section(doc, "Yhteystiedot"),
	}
}

func tableCell(doc *goquery.Selection, label string) string {
	return strings.TrimSpace(doc.Find(fmt.Sprintf(`#product-details table th:contains(%q) ~ td`, label)).Text())
}

func section(doc *goquery.Selection, heading string) string {
	return strings.TrimSpace(doc.Find(fmt.Sprintf(`#tabs > #tabs-1 h2:contains(%q) + p`, heading)).Text())
}
