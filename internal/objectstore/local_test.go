package objectstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocal(LocalConfig{
		DataDir:    t.TempDir(),
		PublicURL:  "http://clips.local:8030/",
		SigningKey: []byte(strings.Repeat("k", 32)),
	}, testLogger())
	if err != nil {
		t.Fatalf("NewLocal() ошибка: %v", err)
	}
	return s
}

// tokenFrom извлекает путь и токен из подписанной ссылки.
func tokenFrom(t *testing.T, raw string) (string, string) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u.Path, u.Query().Get("token")
}

func TestLocalStore_SaveListDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"job1/original.mp4", "job1/clip_0.mp4", "job2/clip_0.mp4"} {
		res, err := s.Save(key, strings.NewReader("data-"+key))
		if err != nil {
			t.Fatalf("Save(%s) ошибка: %v", key, err)
		}
		if res.Size != int64(len("data-"+key)) || len(res.Checksum) != 64 {
			t.Errorf("Save(%s) = %+v", key, res)
		}
	}

	objs, err := s.List(ctx, "job1/")
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(objs) != 2 || objs[0].Key != "job1/clip_0.mp4" || objs[1].Key != "job1/original.mp4" {
		t.Fatalf("List() = %+v", objs)
	}

	f, err := s.Open("job1/clip_0.mp4")
	if err != nil {
		t.Fatalf("Open() ошибка: %v", err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	if string(data) != "data-job1/clip_0.mp4" {
		t.Errorf("содержимое = %q", data)
	}

	if err := s.Delete(ctx, "job1/clip_0.mp4", "job1/missing.mp4"); err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	if _, err := s.Open("job1/clip_0.mp4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("после Delete ожидалась ErrNotFound, получена %v", err)
	}

	// Маркер каталога удаляет пустой каталог
	if err := s.Delete(ctx, "job1/original.mp4", FolderMarker("job1")); err != nil {
		t.Fatalf("Delete(marker) ошибка: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.dataDir, "job1")); !os.IsNotExist(err) {
		t.Errorf("каталог job1 не удалён: %v", err)
	}
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{"", "../etc/passwd", "/abs", "a//b", "a/../b", `a\b`} {
		if _, err := s.Save(key, strings.NewReader("x")); err == nil {
			t.Errorf("Save(%q): ожидалась ошибка", key)
		}
	}
}

func TestLocalStore_SignedURLs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putURL, err := s.PresignPut(ctx, "job 1/original.mp4", "video/mp4", 10*time.Minute)
	if err != nil {
		t.Fatalf("PresignPut() ошибка: %v", err)
	}
	if !strings.HasPrefix(putURL, "http://clips.local:8030/objects/job%201/original.mp4?token=") {
		t.Errorf("PresignPut() = %q", putURL)
	}
	_, token := tokenFrom(t, putURL)

	if _, err := s.Verify(token, "PUT", "job 1/original.mp4"); err != nil {
		t.Errorf("Verify(PUT) ошибка: %v", err)
	}
	if _, err := s.Verify(token, "GET", "job 1/original.mp4"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("PUT-ссылка для GET: ожидалась ErrInvalidToken, получена %v", err)
	}
	if _, err := s.Verify(token, "PUT", "job 1/other.mp4"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("чужой ключ: ожидалась ErrInvalidToken, получена %v", err)
	}

	getURL, err := s.PresignGet(ctx, "job1/original.mp4", time.Hour, AttachmentDisposition("original.mp4"))
	if err != nil {
		t.Fatalf("PresignGet() ошибка: %v", err)
	}
	_, token = tokenFrom(t, getURL)
	grant, err := s.Verify(token, "HEAD", "job1/original.mp4")
	if err != nil {
		t.Fatalf("Verify(HEAD) ошибка: %v", err)
	}
	if grant.Disposition != `attachment; filename="original.mp4"` {
		t.Errorf("Disposition = %q", grant.Disposition)
	}

	// Истёкшая ссылка
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.Verify(token, "GET", "job1/original.mp4"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("истёкшая ссылка: ожидалась ErrInvalidToken, получена %v", err)
	}
}

func TestReadinessChecker(t *testing.T) {
	s := newTestStore(t)
	if status, msg := NewReadinessChecker(s).CheckReady(); status != "ok" {
		t.Errorf("CheckReady() = %s (%s), ожидался ok", status, msg)
	}
	os.RemoveAll(s.dataDir)
	if status, _ := NewReadinessChecker(s).CheckReady(); status != "fail" {
		t.Errorf("CheckReady() = %s, ожидался fail", status)
	}
}
