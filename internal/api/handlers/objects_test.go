package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/clip-module/internal/objectstore"
)

func newTestObjects(t *testing.T) (*objectstore.LocalStore, chi.Router) {
	t.Helper()
	store, err := objectstore.NewLocal(objectstore.LocalConfig{
		DataDir:    t.TempDir(),
		PublicURL:  "http://clips.test",
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
	}, testLogger())
	if err != nil {
		t.Fatalf("не удалось создать хранилище: %v", err)
	}
	r := chi.NewRouter()
	NewObjectHandler(store, testLogger()).Mount(r)
	return store, r
}

// requestTarget отрезает схему и хост подписанной ссылки.
func requestTarget(t *testing.T, signed string) string {
	t.Helper()
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("некорректная ссылка %q: %v", signed, err)
	}
	return u.RequestURI()
}

func serveObject(r chi.Router, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestObjects_PutThenGet(t *testing.T) {
	store, r := newTestObjects(t)
	ctx := context.Background()
	key := "job-1/my clip.mp4"

	putURL, err := store.PresignPut(ctx, key, "video/mp4", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	rec := serveObject(r, http.MethodPut, requestTarget(t, putURL), "0123456789", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT: ожидался 200, получен %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("PUT: ожидался ETag")
	}

	getURL, err := store.PresignGet(ctx, key, time.Minute, `attachment; filename="clip.mp4"`)
	if err != nil {
		t.Fatal(err)
	}
	rec = serveObject(r, http.MethodGet, requestTarget(t, getURL), "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "0123456789" {
		t.Fatalf("GET: код %d, тело %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="clip.mp4"` {
		t.Errorf("Content-Disposition = %q", got)
	}

	rec = serveObject(r, http.MethodGet, requestTarget(t, getURL), "", map[string]string{"Range": "bytes=2-4"})
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "234" {
		t.Errorf("Range: код %d, тело %q", rec.Code, rec.Body.String())
	}

	rec = serveObject(r, http.MethodHead, requestTarget(t, getURL), "", nil)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("HEAD: код %d, тело %q", rec.Code, rec.Body.String())
	}
}

func TestObjects_Rejected(t *testing.T) {
	store, r := newTestObjects(t)
	ctx := context.Background()

	getURL, _ := store.PresignGet(ctx, "job-1/a.mp4", time.Minute, "")
	putOther, _ := store.PresignPut(ctx, "job-1/b.mp4", "", time.Minute)

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"без токена", http.MethodGet, "/objects/job-1/a.mp4", http.StatusUnauthorized},
		{"мусорный токен", http.MethodGet, "/objects/job-1/a.mp4?token=abc", http.StatusForbidden},
		{"GET-ссылкой нельзя PUT", http.MethodPut, requestTarget(t, getURL), http.StatusForbidden},
		{"ссылка на другой объект", http.MethodPut, strings.Replace(requestTarget(t, putOther), "b.mp4", "a.mp4", 1), http.StatusForbidden},
		{"объекта нет", http.MethodGet, requestTarget(t, getURL), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveObject(r, tt.method, tt.target, "x", nil)
			if rec.Code != tt.want {
				t.Errorf("ожидался %d, получен %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}
