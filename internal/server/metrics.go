package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "imgecho_http_response_time_seconds",
		Help: "Duration of HTTP requests.",
	}, []string{"path"})
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgecho_http_requests_total",
		Help: "Number of HTTP requests.",
	}, []string{"path"})
	previewRenders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgecho_preview_renders_total",
		Help: "Number of debounced preview renders.",
	})
	previewDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "imgecho_preview_render_seconds",
		Help: "Time spent rendering previews.",
	})
	exportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgecho_exports_total",
		Help: "Number of export attempts.",
	}, []string{"format", "status"})
)

// prometheusMiddleware labels requests by route template so path parameters
// do not explode the series count.
func prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(path).Inc()
	})
}
