// Package catalog contains the core domain types for the MPK course notification service.
package catalog

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// DefaultCourseURL is the public page of a course in the MPK training calendar.
const DefaultCourseURL = "https://koulutuskalenteri.mpk.fi/Koulutuskalenteri/Tutustu-tarkemmin/id/%d"

// MethodEmail marks notifications delivered by email.
const MethodEmail = "EMAIL"

// StatusIndexGeneration is the status key bumped whenever course records change.
const StatusIndexGeneration = "indexGeneration"

// Course is the canonical record of a crawled course.
type Course struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Location      string `json:"location"`
	TimeInfo      string `json:"time_info"`
	Description   string `json:"description"`
	Price         string `json:"price,omitempty"`
	Venue         string `json:"venue,omitempty"`
	Contact       string `json:"contact,omitempty"`
	StartAt       *int64 `json:"start_at"`        // Epoch seconds, nil when unknown
	EndAt         *int64 `json:"end_at"`          // Epoch seconds, nil when unknown
	ContentHash   string `json:"content_hash"`    // Hash of the canonical listing payload
	LastCrawledAt int64  `json:"last_crawled_at"` // Epoch seconds of the last detail crawl
	CrawlPending  bool   `json:"crawl_pending"`   // Detail fetch enqueued but not yet written
}

// CourseState is the projection the change detector compares against.
type CourseState struct {
	ContentHash   string
	LastCrawledAt int64
	CrawlPending  bool
}

// State returns the change-detection projection of the course.
func (c *Course) State() *CourseState {
	return &CourseState{
		ContentHash:   c.ContentHash,
		LastCrawledAt: c.LastCrawledAt,
		CrawlPending:  c.CrawlPending,
	}
}

// SearchText is the text indexed for keyword matching.
func (c *Course) SearchText() string {
	return c.Name + " " + c.Location + " " + c.Description
}

// CourseView is the public representation of a course.
type CourseView struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	TimeInfo string `json:"timeinfo"`
	StartsAt *int64 `json:"starts_at"`
	EndsAt   *int64 `json:"ends_at"`
	Info     string `json:"info"`
	Price    string `json:"price"`
	Venue    string `json:"venue"`
	Contact  string `json:"contact"`
	Link     string `json:"link"`
}

// View renders the course for API responses and emails.
// linkFormat takes the course id as its only verb.
func (c *Course) View(linkFormat string) CourseView {
	return CourseView{
		ID:       c.ID,
		Name:     c.Name,
		Location: c.Location,
		TimeInfo: c.TimeInfo,
		StartsAt: c.StartAt,
		EndsAt:   c.EndAt,
		Info:     c.Description,
		Price:    c.Price,
		Venue:    c.Venue,
		Contact:  c.Contact,
		Link:     CourseLink(linkFormat, c.ID),
	}
}

// CourseLink formats the public link of a course.
func CourseLink(linkFormat string, id int64) string {
	if linkFormat == "" {
		linkFormat = DefaultCourseURL
	}
	return fmt.Sprintf(linkFormat, id)
}

// CourseDetail holds the fields extracted from a course detail page.
type CourseDetail struct {
	TimeInfo    string
	Location    string
	Description string
	Price       string
	Venue       string
	Contact     string
}

// Subscription is a user's keyword search that triggers notifications.
type Subscription struct {
	UserID    string    `json:"user_id"`
	ID        string    `json:"id"`
	Tokens    []string  `json:"tokens"` // A leading "-" negates a token
	CreatedAt time.Time `json:"created_at"`
}

// Notification records that a user has been told about a course.
type Notification struct {
	UserID         string `json:"user_id"`
	CourseID       int64  `json:"course_id"`
	SubscriptionID string `json:"triggering_subscription_id"`
	Method         string `json:"method"`
	NotifiedAt     int64  `json:"notified_at"` // Epoch seconds
}

// User is an identity directory entry.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Status is a keyed marker record.
type Status struct {
	Key       string `json:"key"`
	Value     int64  `json:"value"`
	UpdatedAt int64  `json:"updated_at"` // Epoch milliseconds
}
