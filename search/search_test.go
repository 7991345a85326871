package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"mpkbot/pkg/catalog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(v int64) *int64 {
	return &v
}

func ids(courses []*catalog.Course) []int64 {
	out := make([]int64, 0, len(courses))
	for _, c := range courses {
		out = append(out, c.ID)
	}
	return out
}

func TestSearchExcludesNegatedTerms(t *testing.T) {
	idx := Build([]*catalog.Course{
		{ID: 1, Name: "Weld basics"},
		{ID: 2, Name: "Weld course", Description: "Includes welding-safety training."},
	})

	got := ids(idx.Search(catalog.ParseQuery([]string{"weld", "-welding-safety"})))
	if !reflect.DeepEqual(got, []int64{1}) {
		t.Errorf("Search() = %v, want [1]", got)
	}
}

func TestSearchOrdersByStartTime(t *testing.T) {
	idx := Build([]*catalog.Course{
		{ID: 1, Name: "Ensiapu", StartAt: nil},
		{ID: 2, Name: "Ensiapu", StartAt: ptr(200)},
		{ID: 3, Name: "Ensiapu", StartAt: ptr(100)},
	})

	got := ids(idx.Search(catalog.Query{Include: []string{"ensiapu"}}))
	if !reflect.DeepEqual(got, []int64{1, 3, 2}) {
		t.Errorf("Search() = %v, want [1 3 2]", got)
	}
}

func TestSearch(t *testing.T) {
	idx := Build([]*catalog.Course{
		{ID: 1, Name: "Ensiapu 1", Location: "Hämeenlinna", Description: "Elvytys ja haavat."},
		{ID: 2, Name: "Ampumakoulutus", Location: "Helsinki"},
		{ID: 3, Name: "Maastoensiapu", Location: "Helsinki"},
	})

	tests := []struct {
		name  string
		query catalog.Query
		want  []int64
	}{
		{"prefix match", catalog.Query{Include: []string{"ensi"}}, []int64{1}},
		{"case insensitive", catalog.Query{Include: []string{"HÄMEEN"}}, []int64{1}},
		{"all terms must match", catalog.Query{Include: []string{"helsinki", "ampuma"}}, []int64{2}},
		{"terms joined", catalog.Query{Include: []string{"ensiapu elvytys"}}, []int64{1}},
		{"too short to match", catalog.Query{Include: []string{"en"}}, []int64{}},
		{"short terms ignored", catalog.Query{Include: []string{"helsinki", "ja"}}, []int64{2, 3}},
		{"no positive terms", catalog.Query{Exclude: []string{"helsinki"}}, []int64{}},
		{"no match", catalog.Query{Include: []string{"laskuvarjo"}}, []int64{}},
		{"exclusion without match", catalog.Query{Include: []string{"helsinki"}, Exclude: []string{"laskuvarjo"}}, []int64{2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(idx.Search(tt.query))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Search(%+v) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Ensiapu 1 (EA1) – Hämeenlinna/Parola")
	want := []string{"ensiapu", "1", "ea1", "hämeenlinna", "parola"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize() = %q, want %q", got, want)
	}
}

type fakeSource struct {
	courses    []*catalog.Course
	generation int64
	loads      int
	coursesErr error
}

func (s *fakeSource) Courses(context.Context) ([]*catalog.Course, error) {
	s.loads++
	if s.coursesErr != nil {
		return nil, s.coursesErr
	}
	return s.courses, nil
}

func (s *fakeSource) Generation(context.Context) (int64, error) {
	return s.generation, nil
}

func TestRefreshIfStale(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{courses: []*catalog.Course{{ID: 1, Name: "Ensiapu"}}, generation: 7}
	cache := NewCache(src, "", testLogger())

	rebuilt, err := cache.RefreshIfStale(ctx)
	if err != nil || !rebuilt {
		t.Fatalf("first RefreshIfStale() = %v, %v; want true, nil", rebuilt, err)
	}
	rebuilt, err = cache.RefreshIfStale(ctx)
	if err != nil || rebuilt {
		t.Fatalf("RefreshIfStale() at the same generation = %v, %v; want false, nil", rebuilt, err)
	}

	src.courses = append(src.courses, &catalog.Course{ID: 2, Name: "Ensiapu 2"})
	src.generation = 8
	views, err := cache.Search(ctx, catalog.Query{Include: []string{"ensiapu"}})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(views) != 2 {
		t.Errorf("Search() returned %d courses after the generation bump, want 2", len(views))
	}
	if src.loads != 2 {
		t.Errorf("courses loaded %d times, want 2", src.loads)
	}
}

func TestCacheServesPreviousIndexOnRefreshFailure(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{courses: []*catalog.Course{{ID: 1, Name: "Ensiapu"}}, generation: 1}
	cache := NewCache(src, "https://example.com/%d", testLogger())

	if _, err := cache.RefreshIfStale(ctx); err != nil {
		t.Fatalf("RefreshIfStale() error = %v", err)
	}

	src.generation = 2
	src.coursesErr = errors.New("bucket unavailable")
	view, err := cache.Lookup(ctx, 1)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if view.Link != "https://example.com/1" {
		t.Errorf("Link = %q", view.Link)
	}

	if _, err := cache.Lookup(ctx, 99); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("Lookup() of a missing course error = %v, want ErrNotFound", err)
	}
}

func TestCacheWithoutIndexReturnsRefreshError(t *testing.T) {
	src := &fakeSource{coursesErr: errors.New("bucket unavailable")}
	cache := NewCache(src, "", testLogger())
	if _, err := cache.Search(context.Background(), catalog.Query{Include: []string{"ensiapu"}}); err == nil {
		t.Error("Search() should fail when no index was ever built")
	}
}

// racingSource starts a rebuild of a newer generation while the first
// rebuild is still loading courses.
type racingSource struct {
	cache      *Cache
	generation int64
	raced      bool
}

func (s *racingSource) Courses(ctx context.Context) ([]*catalog.Course, error) {
	if !s.raced {
		s.raced = true
		s.generation = 2
		if _, err := s.cache.RefreshIfStale(ctx); err != nil {
			return nil, err
		}
		return []*catalog.Course{{ID: 1, Name: "Ensiapu"}}, nil
	}
	return []*catalog.Course{{ID: 1, Name: "Ensiapu"}, {ID: 2, Name: "Ensiapu 2"}}, nil
}

func (s *racingSource) Generation(context.Context) (int64, error) {
	return s.generation, nil
}

func TestRefreshIfStaleKeepsNewerGeneration(t *testing.T) {
	ctx := context.Background()
	src := &racingSource{generation: 1}
	cache := NewCache(src, "", testLogger())
	src.cache = cache

	rebuilt, err := cache.RefreshIfStale(ctx)
	if err != nil {
		t.Fatalf("RefreshIfStale() error = %v", err)
	}
	if rebuilt {
		t.Error("the older rebuild should not replace the newer index")
	}
	if snap := cache.load(); snap.generation != 2 || snap.index.Len() != 2 {
		t.Errorf("index at generation %d with %d courses, want generation 2 with 2", snap.generation, snap.index.Len())
	}
}
