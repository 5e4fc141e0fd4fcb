package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
	"github.com/bigkaa/goartstore/clip-module/internal/objectstore"
	"github.com/bigkaa/goartstore/clip-module/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memDB — данные репозиториев в памяти. Методы, которые сервисы не
// вызывают, остаются у встроенных интерфейсов и паникуют при вызове.
type memDB struct {
	mu      sync.Mutex
	users   map[string]*model.User
	uploads map[string]*model.Upload
	clips   map[string]*model.Clip
	events  []*model.JobEvent
	steps   map[string][]model.StepRecord
}

func newMemDB() *memDB {
	return &memDB{
		users:   map[string]*model.User{},
		uploads: map[string]*model.Upload{},
		clips:   map[string]*model.Clip{},
		steps:   map[string][]model.StepRecord{},
	}
}

func (db *memDB) repos() Repos {
	return Repos{
		Users:   &fakeUsers{db: db},
		Uploads: &fakeUploads{db: db},
		Clips:   &fakeClips{db: db},
		Events:  &fakeEvents{db: db},
		Steps:   &fakeSteps{db: db},
	}
}

// InTx — транзакции без отката: сервисные тесты проверяют итоговое состояние.
func (db *memDB) InTx(_ context.Context, fn func(r Repos) error) error {
	return fn(db.repos())
}

func (db *memDB) upload(id string) *model.Upload {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.uploads[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (db *memDB) addUpload(u *model.Upload) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *u
	db.uploads[u.ID] = &cp
}

func (db *memDB) addClip(c *model.Clip) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *c
	db.clips[c.ID] = &cp
}

func (db *memDB) clipCount(uploadID string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, c := range db.clips {
		if c.UploadID == uploadID {
			n++
		}
	}
	return n
}

type fakeUsers struct {
	repository.UserRepository
	db *memDB
}

func (f *fakeUsers) Ensure(_ context.Context, id, email string, initialCredits int) (*model.User, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	u, ok := f.db.users[id]
	if !ok {
		u = &model.User{ID: id, Email: email, Credits: initialCredits}
		f.db.users[id] = u
	} else if email != "" {
		u.Email = email
	}
	cp := *u
	return &cp, nil
}

type fakeUploads struct {
	repository.UploadRepository
	db *memDB
}

func (f *fakeUploads) Create(_ context.Context, u *model.Upload) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, other := range f.db.uploads {
		if other.S3Key == u.S3Key {
			return repository.ErrConflict
		}
	}
	cp := *u
	f.db.uploads[u.ID] = &cp
	return nil
}

func (f *fakeUploads) GetByID(_ context.Context, id string) (*model.Upload, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	u, ok := f.db.uploads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUploads) GetForUser(ctx context.Context, id, userID string) (*model.Upload, error) {
	u, err := f.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (f *fakeUploads) LockForUser(ctx context.Context, id, userID string) (*model.Upload, error) {
	return f.GetForUser(ctx, id, userID)
}

func (f *fakeUploads) ListByUser(_ context.Context, userID string, limit, offset int) ([]*model.Upload, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var result []*model.Upload
	for _, u := range f.db.uploads {
		if u.UserID == userID {
			cp := *u
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if offset >= len(result) {
		return nil, nil
	}
	return result[offset:min(offset+limit, len(result))], nil
}

func (f *fakeUploads) CountByUser(_ context.Context, userID string) (int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	n := 0
	for _, u := range f.db.uploads {
		if u.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (f *fakeUploads) update(id string, fn func(u *model.Upload) error) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	u, ok := f.db.uploads[id]
	if !ok {
		return repository.ErrNotFound
	}
	return fn(u)
}

func (f *fakeUploads) SetLanguage(_ context.Context, id, language string) error {
	return f.update(id, func(u *model.Upload) error { u.Language = language; return nil })
}

func (f *fakeUploads) SetUploaded(_ context.Context, id string, uploaded bool) error {
	return f.update(id, func(u *model.Upload) error { u.Uploaded = uploaded; return nil })
}

func (f *fakeUploads) ResetForReprocess(_ context.Context, id string) error {
	return f.update(id, func(u *model.Upload) error {
		if !u.Status.IsTerminal() {
			return fmt.Errorf("%w: %s → queued", repository.ErrInvalidTransition, u.Status)
		}
		u.Status, u.Uploaded = model.StatusQueued, false
		return nil
	})
}

func (f *fakeUploads) Delete(_ context.Context, id string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if _, ok := f.db.uploads[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.db.uploads, id)
	return nil
}

type fakeClips struct {
	repository.ClipRepository
	db *memDB
}

func (f *fakeClips) ListByUpload(_ context.Context, uploadID string) ([]*model.Clip, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var result []*model.Clip
	for _, c := range f.db.clips {
		if c.UploadID == uploadID {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].S3Key < result[j].S3Key })
	return result, nil
}

func (f *fakeClips) DeleteByUpload(_ context.Context, uploadID string) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	for id, c := range f.db.clips {
		if c.UploadID == uploadID {
			delete(f.db.clips, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeClips) GetForUser(_ context.Context, id, userID string) (*model.Clip, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.clips[id]
	if !ok || c.UserID != userID {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeClips) Delete(_ context.Context, id string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if _, ok := f.db.clips[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.db.clips, id)
	return nil
}

type fakeEvents struct {
	repository.JobEventRepository
	db *memDB
}

func (f *fakeEvents) Enqueue(_ context.Context, e *model.JobEvent) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	e.State = model.JobPending
	e.CreatedAt = time.Now()
	cp := *e
	f.db.events = append(f.db.events, &cp)
	return nil
}

func (f *fakeEvents) ListByUpload(_ context.Context, uploadID string) ([]*model.JobEvent, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var result []*model.JobEvent
	for i := len(f.db.events) - 1; i >= 0; i-- {
		if e := f.db.events[i]; e.UploadID == uploadID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (db *memDB) eventsFor(uploadID string) []*model.JobEvent {
	events, _ := (&fakeEvents{db: db}).ListByUpload(context.Background(), uploadID)
	return events
}

type fakeSteps struct {
	repository.StepRepository
	db *memDB
}

func (f *fakeSteps) ListByRuns(_ context.Context, runIDs []string) (map[string][]model.StepRecord, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	result := map[string][]model.StepRecord{}
	for _, id := range runIDs {
		if steps, ok := f.db.steps[id]; ok {
			result[id] = steps
		}
	}
	return result, nil
}

// memObjects — objectstore.Store в памяти.
type memObjects struct {
	mu           sync.Mutex
	keys         map[string]bool
	presigned    int
	dispositions []string
	fail         bool
}

func newMemObjects(keys ...string) *memObjects {
	s := &memObjects{keys: map[string]bool{}}
	for _, k := range keys {
		s.keys[k] = true
	}
	return s
}

var errStore = errors.New("хранилище недоступно")

func (s *memObjects) PresignPut(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errStore
	}
	s.presigned++
	return "https://store.example.com/put/" + key, nil
}

func (s *memObjects) PresignGet(_ context.Context, key string, _ time.Duration, disposition string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errStore
	}
	s.presigned++
	s.dispositions = append(s.dispositions, disposition)
	return fmt.Sprintf("https://store.example.com/get/%s?n=%d", key, s.presigned), nil
}

func (s *memObjects) List(_ context.Context, prefix string) ([]objectstore.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errStore
	}
	var result []objectstore.Object
	for k := range s.keys {
		if strings.HasPrefix(k, prefix) {
			result = append(result, objectstore.Object{Key: k})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (s *memObjects) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStore
	}
	for _, k := range keys {
		delete(s.keys, k)
	}
	return nil
}

func (s *memObjects) Ping(_ context.Context) error {
	if s.fail {
		return errStore
	}
	return nil
}

func (s *memObjects) remaining() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *memObjects) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}
