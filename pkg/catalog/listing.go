package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Listing item field names used by the MPK calendar JSON.
const (
	FieldCourseID = "TapahtumaID"
	FieldName     = "Nimi"
	FieldStart    = "Alkuaika"
	FieldEndText  = "LoppuaikaStr"
)

// ListingItem is one raw entry of a listing page, kept as decoded JSON so it
// can be hashed and forwarded without losing fields.
type ListingItem map[string]any

// CourseID returns the course id of the item.
func (i ListingItem) CourseID() (int64, bool) {
	return int64Value(i[FieldCourseID])
}

// String returns a string field, or "" when missing or not a string.
func (i ListingItem) String(key string) string {
	s, _ := i[key].(string)
	return s
}

// Int64 returns a numeric field.
func (i ListingItem) Int64(key string) (int64, bool) {
	return int64Value(i[key])
}

func int64Value(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		id, err := n.Int64()
		return id, err == nil
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}

// DetailJob asks the detail crawler to fetch one course.
type DetailJob struct {
	CourseID int64       `json:"courseId"`
	Payload  ListingItem `json:"courseJsonItem"`
}

// NotificationJob asks the notifier to evaluate one subscription.
type NotificationJob struct {
	UserID         string   `json:"userId"`
	SubscriptionID string   `json:"subscriptionId"`
	Tokens         []string `json:"tokens"`
}

// DecodeDetailJob decodes a queued detail job. Numbers are kept as
// json.Number so the payload re-serializes exactly as it was published.
func DecodeDetailJob(data []byte) (*DetailJob, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var job DetailJob
	if err := dec.Decode(&job); err != nil {
		return nil, fmt.Errorf("decode detail job: %w", err)
	}
	if job.CourseID == 0 {
		return nil, errors.New("detail job without course id")
	}
	return &job, nil
}

// DecodeNotificationJob decodes a queued notification job.
func DecodeNotificationJob(data []byte) (*NotificationJob, error) {
	var job NotificationJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode notification job: %w", err)
	}
	if job.UserID == "" || job.SubscriptionID == "" {
		return nil, errors.New("notification job without user or subscription id")
	}
	return &job, nil
}

var dotNetDate = regexp.MustCompile(`^/Date\((-?\d+)(?:[+-]\d{4})?\)/$`)

// ParseListingTime parses the calendar's "/Date(<ms>)/" timestamps.
func ParseListingTime(v string) (time.Time, bool) {
	m := dotNetDate.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
