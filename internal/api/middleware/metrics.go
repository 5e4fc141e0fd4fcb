// metrics.go — Prometheus HTTP метрики Clip Module.
// Регистрирует метрики: cm_http_requests_total, cm_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_http_requests_total",
			Help: "Общее количество HTTP-запросов к Clip Module",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cm_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Clip Module в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			ww := wrap(w, r)
			next.ServeHTTP(ww, r)

			status := strconv.Itoa(statusOf(ww))
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		})
	}
}

// normalizePath заменяет идентификаторы в пути на {id}, чтобы число
// значений лейбла path не росло с количеством загрузок.
// /api/v1/uploads/a1b2c3d4-.../runs → /api/v1/uploads/{id}/runs
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics", "/openapi.yaml",
		"/api/v1/me",
		"/api/v1/uploads":
		return path
	}

	// Ключи локального хранилища произвольны
	if strings.HasPrefix(path, "/objects/") {
		return "/objects/{key}"
	}

	prefixes := []struct {
		prefix string
		result string
	}{
		{"/api/v1/uploads/", "/api/v1/uploads/{id}"},
		{"/api/v1/clips/", "/api/v1/clips/{id}"},
	}
	for _, p := range prefixes {
		rest, ok := strings.CutPrefix(path, p.prefix)
		if !ok || rest == "" {
			continue
		}
		_, suffix, _ := strings.Cut(rest, "/")
		switch suffix {
		case "process", "reprocess", "original-url", "runs", "play-url":
			return p.result + "/" + suffix
		case "":
			return p.result
		default:
			return p.result + "/{unknown}"
		}
	}

	return "/{unknown}"
}
