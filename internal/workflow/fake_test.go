package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/clip-module/internal/computeclient"
	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
	"github.com/bigkaa/goartstore/clip-module/internal/objectstore"
	"github.com/bigkaa/goartstore/clip-module/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var errTransient = errors.New("временная ошибка БД")

type memUpload struct {
	UserID string
	S3Key  string
	Status model.UploadStatus
}

// memState — снимок данных; транзакция работает с копией и заменяет снимок при коммите.
type memState struct {
	credits map[string]int
	uploads map[string]memUpload
	clips   map[string]map[string]*model.Clip
	steps   map[string]json.RawMessage
}

func (s memState) clone() memState {
	c := memState{
		credits: maps.Clone(s.credits),
		uploads: maps.Clone(s.uploads),
		clips:   make(map[string]map[string]*model.Clip, len(s.clips)),
		steps:   maps.Clone(s.steps),
	}
	for k, v := range s.clips {
		c.clips[k] = maps.Clone(v)
	}
	return c
}

// memStore — Store в памяти с внедрением ошибок по имени операции.
type memStore struct {
	mu       sync.Mutex
	st       memState
	failures map[string]int
	history  []model.UploadStatus
}

func newMemStore() *memStore {
	return &memStore{
		st: memState{
			credits: map[string]int{},
			uploads: map[string]memUpload{},
			clips:   map[string]map[string]*model.Clip{},
			steps:   map[string]json.RawMessage{},
		},
		failures: map[string]int{},
	}
}

// failNext заставляет операцию op завершиться ошибкой n раз подряд.
func (s *memStore) failNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = n
}

func (s *memStore) addUpload(id, userID, key string, credits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.credits[userID] = credits
	s.st.uploads[id] = memUpload{UserID: userID, S3Key: key, Status: model.StatusQueued}
}

func (s *memStore) status(id string) model.UploadStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.uploads[id].Status
}

func (s *memStore) balance(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.credits[userID]
}

func (s *memStore) clipKeys(uploadID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.st.clips[uploadID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *memStore) clip(uploadID, key string) *model.Clip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.clips[uploadID][key]
}

func (s *memStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, st: s.st.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := s.inject("commit"); err != nil {
		return err
	}
	s.st = tx.st
	s.history = append(s.history, tx.written...)
	return nil
}

// inject вызывается под s.mu.
func (s *memStore) inject(op string) error {
	if s.failures[op] > 0 {
		s.failures[op]--
		return fmt.Errorf("%s: %w", op, errTransient)
	}
	return nil
}

type memTx struct {
	store   *memStore
	st      memState
	written []model.UploadStatus
}

func (t *memTx) LoadStep(_ context.Context, runID, step string) (json.RawMessage, bool, error) {
	if err := t.store.inject("load-step"); err != nil {
		return nil, false, err
	}
	out, ok := t.st.steps[runID+"/"+step]
	return out, ok, nil
}

func (t *memTx) SaveStep(_ context.Context, runID, step string, output json.RawMessage) error {
	if err := t.store.inject("save-step"); err != nil {
		return err
	}
	if _, ok := t.st.steps[runID+"/"+step]; !ok {
		t.st.steps[runID+"/"+step] = output
	}
	return nil
}

func (t *memTx) CreditCheck(_ context.Context, uploadID string) (*repository.CreditCheck, error) {
	if err := t.store.inject("credit-check"); err != nil {
		return nil, err
	}
	u, ok := t.st.uploads[uploadID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &repository.CreditCheck{UserID: u.UserID, Credits: t.st.credits[u.UserID], S3Key: u.S3Key}, nil
}

func (t *memTx) SetStatus(_ context.Context, uploadID string, status model.UploadStatus) error {
	if err := t.store.inject("set-status:" + string(status)); err != nil {
		return err
	}
	u, ok := t.st.uploads[uploadID]
	if !ok {
		return repository.ErrNotFound
	}
	if !u.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s → %s", repository.ErrInvalidTransition, u.Status, status)
	}
	u.Status = status
	t.st.uploads[uploadID] = u
	t.written = append(t.written, status)
	return nil
}

func (t *memTx) InsertClips(_ context.Context, clips []*model.Clip) (int, error) {
	if err := t.store.inject("insert-clips"); err != nil {
		return 0, err
	}
	inserted := 0
	for _, c := range clips {
		byKey := t.st.clips[c.UploadID]
		if byKey == nil {
			byKey = map[string]*model.Clip{}
			t.st.clips[c.UploadID] = byKey
		}
		if _, dup := byKey[c.S3Key]; dup {
			continue
		}
		byKey[c.S3Key] = c
		inserted++
	}
	return inserted, nil
}

func (t *memTx) DeductCredits(_ context.Context, userID string, n int) (int, error) {
	if err := t.store.inject("deduct"); err != nil {
		return 0, err
	}
	t.st.credits[userID] = max(t.st.credits[userID]-n, 0)
	return t.st.credits[userID], nil
}

// fakeCompute — вычислительный сервис с подменяемым поведением.
type fakeCompute struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, in computeclient.Request) (*computeclient.Manifest, error)
}

func (f *fakeCompute) ProcessVideo(_ context.Context, in computeclient.Request) (*computeclient.Manifest, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(call, in)
}

func (f *fakeCompute) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeLister — листинг из фиксированного набора ключей.
type fakeLister struct {
	mu       sync.Mutex
	calls    int
	prefixes []string
	keys     []string
}

func (f *fakeLister) List(_ context.Context, prefix string) ([]objectstore.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prefixes = append(f.prefixes, prefix)
	var out []objectstore.Object
	for _, k := range f.keys {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, objectstore.Object{Key: k})
		}
	}
	return out, nil
}

func testConfig() Config {
	return Config{StepRetries: 1, StepRetryDelay: time.Millisecond, GuardTimeout: time.Second}
}

func strPtr(s string) *string { return &s }

func f64Ptr(f float64) *float64 { return &f }

// manifest строит ответ сервиса с клипами по ключам (nil — клип без ключа).
func manifest(keys ...*string) *computeclient.Manifest {
	m := &computeclient.Manifest{Status: "ok"}
	for i, k := range keys {
		m.Clips = append(m.Clips, computeclient.ClipDescriptor{Index: i, S3Key: k})
	}
	return m
}

func event(id, uploadID, userID string) *model.JobEvent {
	return &model.JobEvent{ID: id, UploadID: uploadID, UserID: userID, Language: "English", Deliveries: 1}
}
