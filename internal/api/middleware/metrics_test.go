package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health/ready", "/health/ready"},
		{"/api/v1/uploads", "/api/v1/uploads"},
		{"/api/v1/uploads/0b6a2c7e-8d1f-4f51-9d3a-6f0c2b7d9e11", "/api/v1/uploads/{id}"},
		{"/api/v1/uploads/0b6a2c7e-8d1f-4f51-9d3a-6f0c2b7d9e11/process", "/api/v1/uploads/{id}/process"},
		{"/api/v1/uploads/0b6a2c7e-8d1f-4f51-9d3a-6f0c2b7d9e11/runs", "/api/v1/uploads/{id}/runs"},
		{"/api/v1/uploads/x/whatever", "/api/v1/uploads/{id}/{unknown}"},
		{"/api/v1/clips/c1/play-url", "/api/v1/clips/{id}/play-url"},
		{"/objects/job1/clip_0.mp4", "/objects/{key}"},
		{"/wp-admin.php", "/{unknown}"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, ожидалось %q", tt.path, got, tt.want)
		}
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := chimw.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("нет"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/objects/k?token=secret", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{"level=WARN", "status=404", "bytes=6", "path=/objects/k"} {
		if !strings.Contains(out, want) {
			t.Errorf("в логе нет %q: %s", want, out)
		}
	}
	if !strings.Contains(out, "request_id=") || strings.Contains(out, `request_id=""`) {
		t.Errorf("в логе нет request_id: %s", out)
	}
	if strings.Contains(out, "secret") {
		t.Errorf("токен из query попал в лог: %s", out)
	}
}

func TestRequestLogger_ImplicitOK(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if out := buf.String(); !strings.Contains(out, "level=INFO") || !strings.Contains(out, "status=200") {
		t.Errorf("ожидался INFO со статусом 200: %s", out)
	}
}
