// Package scraper handles fetching the MPK training calendar: listing pages
// as JSON and course detail pages as HTML.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/gocolly/colly/v2"

	"mpkbot/pkg/catalog"
)

const (
	// DefaultListingURL is the calendar search endpoint.
	DefaultListingURL = "https://koulutuskalenteri.mpk.fi/Koulutuskalenteri"
	// DefaultDetailURL is the course detail page; the verb is the course id.
	DefaultDetailURL = "https://koulutuskalenteri.mpk.fi/Default.aspx?tabid=1054&id=%d"

	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	windowDateFormat = "02.01.2006"
)

// HTTPStatusError reports a non-OK response from the calendar.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsClientError checks if an error is a 4xx response, which retrying will not fix.
func IsClientError(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500
}

// Config holds scraper settings. Zero values fall back to the public calendar.
type Config struct {
	ListingURL string
	DetailURL  string
	UserAgent  string
	Timeout    time.Duration
	Attempts   uint
	Location   *time.Location // Calendar time zone for window dates and end times
}

// Scraper fetches listing pages and course details.
type Scraper struct {
	client     *http.Client
	collector  *colly.Collector
	logger     *slog.Logger
	listingURL string
	detailURL  string
	userAgent  string
	attempts   uint
	loc        *time.Location
}

// New creates a new scraper.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Scraper {
	if cfg.ListingURL == "" {
		cfg.ListingURL = DefaultListingURL
	}
	if cfg.DetailURL == "" {
		cfg.DetailURL = DefaultDetailURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetClient(client)
	if cfg.Timeout > 0 {
		collector.SetRequestTimeout(cfg.Timeout)
	}

	return &Scraper{
		client:     client,
		collector:  collector,
		logger:     logger,
		listingURL: cfg.ListingURL,
		detailURL:  cfg.DetailURL,
		userAgent:  cfg.UserAgent,
		attempts:   cfg.Attempts,
		loc:        cfg.Location,
	}
}

// ListingURL builds the search URL for a unit and a one-year window starting at windowStart.
func (s *Scraper) ListingURL(unitID int, windowStart time.Time) string {
	start := windowStart.In(s.loc)
	params := [][2]string{
		{"type", "search"},
		{"format", "json"},
		{"group", ""},
		{"unit", ""},
		{"unit_id", strconv.Itoa(unitID)},
		{"sub_unit_id", ""},
		{"organizer_unit_id", ""},
		{"target", ""},
		{"coursetype", ""},
		{"keyword_id", ""},
		{"method", ""},
		{"area", ""},
		{"location", ""},
		{"profile", ""},
		{"status", ""},
		{"nature", ""},
		{"culture", ""},
		{"start", start.Format(windowDateFormat)},
		{"end", start.AddDate(1, 0, 0).Format(windowDateFormat)},
		{"q", ""},
		{"top", ""},
		{"only_my_events", "false"},
		{"VerkkoKoulutus", "false"},
		{"lisaysAikaleima", "false"},
		{"nayta_Vain_Ilmo_Auki", "false"},
	}

	// The calendar expects its parameters in this order, so url.Values is not used.
	var b strings.Builder
	b.WriteString(s.listingURL)
	b.WriteString("?")
	for _, p := range params {
		b.WriteString("&")
		b.WriteString(p[0])
		b.WriteString("=")
		b.WriteString(url.QueryEscape(p[1]))
	}
	return b.String()
}

// FetchListing fetches one listing page for a unit.
func (s *Scraper) FetchListing(ctx context.Context, unitID int, windowStart time.Time) ([]catalog.ListingItem, error) {
	listingURL := s.ListingURL(unitID, windowStart)
	var items []catalog.ListingItem

	err := retry.Do(
		func() error {
			s.logger.Debug("HTTP request starting",
				"method", "GET",
				"url", listingURL,
				"purpose", "fetch_listing")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, listingURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", s.userAgent)
			req.Header.Set("Accept", "application/json")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", listingURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Debug("HTTP request completed",
				"url", listingURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return &HTTPStatusError{URL: listingURL, StatusCode: resp.StatusCode}
			}

			dec := json.NewDecoder(resp.Body)
			dec.UseNumber()
			var page []catalog.ListingItem
			if err := dec.Decode(&page); err != nil {
				s.logger.Error("Failed to decode listing JSON", "url", listingURL, "error", err)
				return retry.Unrecoverable(fmt.Errorf("decode listing: %w", err))
			}
			items = page
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying listing fetch after error", "attempt", n, "unit_id", unitID, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsClientError(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch listing for unit %d: %w", unitID, err)
	}

	s.logger.Info("Listing page fetched", "unit_id", unitID, "window_start", windowStart.Format(time.DateOnly), "items", len(items))
	return items, nil
}
