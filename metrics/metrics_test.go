package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := listingPagesTotal
	Init()
	if listingPagesTotal != first {
		t.Fatal("Init() replaced collectors on the second call")
	}
}

func TestObservers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(listingPagesTotal.WithLabelValues("5", "ok"))
	ObserveListingPage("5", "ok")
	if got := testutil.ToFloat64(listingPagesTotal.WithLabelValues("5", "ok")); got != before+1 {
		t.Errorf("listing pages = %v, want %v", got, before+1)
	}

	decisions := testutil.ToFloat64(changeDecisionsTotal.WithLabelValues("stale"))
	ObserveDecision("stale")
	if got := testutil.ToFloat64(changeDecisionsTotal.WithLabelValues("stale")); got != decisions+1 {
		t.Errorf("stale decisions = %v, want %v", got, decisions+1)
	}

	ObserveIndexRebuild(42)
	if got := testutil.ToFloat64(indexedCourses); got != 42 {
		t.Errorf("indexed courses = %v, want 42", got)
	}

	sent := testutil.ToFloat64(notifiedCoursesTotal)
	ObserveNotification("sent", 3)
	ObserveNotification("send_failed", 7)
	if got := testutil.ToFloat64(notifiedCoursesTotal); got != sent+3 {
		t.Errorf("notified courses = %v, want %v", got, sent+3)
	}
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/courses/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/courses/{id}", "404"))
	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/courses/"+id, nil))
	}

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/courses/{id}", "404")); got != before+2 {
		t.Errorf("requests for the route pattern = %v, want %v", got, before+2)
	}
}

func TestHandler(t *testing.T) {
	ObserveDetailJob("ok")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mpkbot_detail_jobs_total") {
		t.Error("exposition is missing mpkbot_detail_jobs_total")
	}
}
