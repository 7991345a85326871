package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"mpkbot/pkg/catalog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory course store.
type memStore struct {
	mu         sync.Mutex
	courses    map[int64]*catalog.Course
	generation int64
	putErr     error
}

func newMemStore() *memStore {
	return &memStore{courses: make(map[int64]*catalog.Course)}
}

func (s *memStore) CourseState(_ context.Context, id int64) (*catalog.CourseState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[id]
	if !ok {
		return nil, fmt.Errorf("course %d: %w", id, catalog.ErrNotFound)
	}
	return c.State(), nil
}

func (s *memStore) SetCrawlPending(_ context.Context, id int64, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[id]
	if !ok {
		c = &catalog.Course{ID: id}
		s.courses[id] = c
	}
	c.CrawlPending = pending
	return nil
}

func (s *memStore) PutCourse(_ context.Context, c *catalog.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	cp := *c
	s.courses[c.ID] = &cp
	return nil
}

func (s *memStore) BumpGeneration(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	return s.generation, nil
}

// memQueue records published jobs as the JSON a real queue would carry.
type memQueue struct {
	messages [][]byte
	err      error
}

func (q *memQueue) Publish(_ context.Context, v any) error {
	if q.err != nil {
		return q.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q.messages = append(q.messages, data)
	return nil
}

func decodeItem(t *testing.T, s string) catalog.ListingItem {
	t.Helper()
	var item catalog.ListingItem
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&item); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return item
}

func TestHashIsOrderIndependent(t *testing.T) {
	permutations := []string{
		`{"TapahtumaID":1,"Nimi":"Ensiapu","Alkuaika":1700000000,"LoppuaikaStr":"14.11.2026 15.00","Extra":{"a":1,"b":2}}`,
		`{"Alkuaika":1700000000,"Extra":{"b":2,"a":1},"LoppuaikaStr":"14.11.2026 15.00","Nimi":"Ensiapu","TapahtumaID":1}`,
		`{"Nimi":"Ensiapu","LoppuaikaStr":"14.11.2026 15.00","TapahtumaID":1,"Extra":{"a":1,"b":2},"Alkuaika":1700000000}`,
	}

	want, err := Hash(decodeItem(t, permutations[0]))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	for _, p := range permutations[1:] {
		got, err := Hash(decodeItem(t, p))
		if err != nil {
			t.Fatalf("Hash() error = %v", err)
		}
		if got != want {
			t.Errorf("Hash(%s) = %s, want %s", p, got, want)
		}
	}

	changed, err := Hash(decodeItem(t, `{"TapahtumaID":1,"Nimi":"Ensiapu 2","Alkuaika":1700000000,"LoppuaikaStr":"14.11.2026 15.00","Extra":{"a":1,"b":2}}`))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if changed == want {
		t.Error("Hash() should change when a value changes")
	}
}

func TestHashMatchesAfterQueueRoundTrip(t *testing.T) {
	item := catalog.ListingItem{"TapahtumaID": json.Number("5"), "Alkuaika": int64(1700000000), "Nimi": "Ampuma"}
	before, err := Hash(item)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}

	q := &memQueue{}
	if err := q.Publish(context.Background(), catalog.DetailJob{CourseID: 5, Payload: item}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	job, err := catalog.DecodeDetailJob(q.messages[0])
	if err != nil {
		t.Fatalf("DecodeDetailJob() error = %v", err)
	}
	after, err := Hash(job.Payload)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if before != after {
		t.Errorf("hash changed across the queue: %s != %s", before, after)
	}
}

func TestDecide(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	tests := []struct {
		name  string
		state *catalog.CourseState
		hash  string
		want  Decision
	}{
		{"no record", nil, "h", DecisionNew},
		{"pending", &catalog.CourseState{ContentHash: "other", CrawlPending: true}, "h", DecisionPending},
		{"hash differs", &catalog.CourseState{ContentHash: "other", LastCrawledAt: now.Unix()}, "h", DecisionChanged},
		{"stale", &catalog.CourseState{ContentHash: "h", LastCrawledAt: now.Add(-25 * time.Hour).Unix()}, "h", DecisionStale},
		{"exactly a day old", &catalog.CourseState{ContentHash: "h", LastCrawledAt: now.Add(-24 * time.Hour).Unix()}, "h", DecisionFresh},
		{"fresh", &catalog.CourseState{ContentHash: "h", LastCrawledAt: now.Add(-time.Hour).Unix()}, "h", DecisionFresh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decide(tt.state, tt.hash, now, DefaultStaleAfter); got != tt.want {
				t.Errorf("decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEvaluateEnqueuesOncePerRun(t *testing.T) {
	store := newMemStore()
	q := &memQueue{}
	d := NewDetector(store, q, 0, testLogger())

	item := catalog.ListingItem{"TapahtumaID": json.Number("10"), "Nimi": "Ensiapu"}

	first, err := d.Evaluate(context.Background(), item)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if first != DecisionNew {
		t.Errorf("first decision = %s, want %s", first, DecisionNew)
	}
	if !store.courses[10].CrawlPending {
		t.Error("course should be marked crawl pending")
	}

	second, err := d.Evaluate(context.Background(), item)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if second != DecisionPending {
		t.Errorf("second decision = %s, want %s", second, DecisionPending)
	}
	if len(q.messages) != 1 {
		t.Errorf("published %d jobs, want 1", len(q.messages))
	}
}

func TestEvaluatePublishFailureClearsPending(t *testing.T) {
	store := newMemStore()
	d := NewDetector(store, &memQueue{err: errors.New("queue down")}, 0, testLogger())

	_, err := d.Evaluate(context.Background(), catalog.ListingItem{"TapahtumaID": json.Number("11")})
	if err == nil {
		t.Fatal("Evaluate() should fail when publishing fails")
	}
	if store.courses[11].CrawlPending {
		t.Error("crawl pending should be cleared after a failed publish")
	}
}

func TestEvaluateWithoutCourseID(t *testing.T) {
	d := NewDetector(newMemStore(), &memQueue{}, 0, testLogger())
	if _, err := d.Evaluate(context.Background(), catalog.ListingItem{"Nimi": "x"}); err == nil {
		t.Error("Evaluate() should reject items without a course id")
	}
}
