// Package metrics exposes Prometheus collectors for the crawler and notifier.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	listingPagesTotal          *prometheus.CounterVec
	changeDecisionsTotal       *prometheus.CounterVec
	detailJobsTotal            *prometheus.CounterVec
	indexRebuildsTotal         prometheus.Counter
	indexedCourses             prometheus.Gauge
	notificationSendsTotal     *prometheus.CounterVec
	notifiedCoursesTotal       prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		listingPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpkbot_listing_pages_total",
				Help: "Listing pages fetched, labeled by catalog unit and result.",
			},
			[]string{"unit", "result"},
		)

		changeDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpkbot_change_decisions_total",
				Help: "Change detector decisions, labeled by kind.",
			},
			[]string{"decision"},
		)

		detailJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpkbot_detail_jobs_total",
				Help: "Detail crawl jobs handled, labeled by result.",
			},
			[]string{"result"},
		)

		indexRebuildsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mpkbot_index_rebuilds_total",
				Help: "Search index rebuilds.",
			},
		)

		indexedCourses = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mpkbot_indexed_courses",
				Help: "Courses in the current search index.",
			},
		)

		notificationSendsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpkbot_notification_sends_total",
				Help: "Subscription notification attempts, labeled by result.",
			},
			[]string{"result"},
		)

		notifiedCoursesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mpkbot_notified_courses_total",
				Help: "Courses included in successfully sent notifications.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveListingPage counts one listing page fetch.
func ObserveListingPage(unit, result string) {
	Init()
	listingPagesTotal.WithLabelValues(unit, result).Inc()
}

// ObserveDecision counts one change detector decision.
func ObserveDecision(decision string) {
	Init()
	changeDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveDetailJob counts one handled detail job.
func ObserveDetailJob(result string) {
	Init()
	detailJobsTotal.WithLabelValues(result).Inc()
}

// ObserveIndexRebuild records a search index rebuild over the given number of courses.
func ObserveIndexRebuild(courses int) {
	Init()
	indexRebuildsTotal.Inc()
	indexedCourses.Set(float64(courses))
}

// ObserveNotification counts one notification attempt. courses is only
// counted for sent notifications.
func ObserveNotification(result string, courses int) {
	Init()
	notificationSendsTotal.WithLabelValues(result).Inc()
	if result == "sent" && courses > 0 {
		notifiedCoursesTotal.Add(float64(courses))
	}
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
