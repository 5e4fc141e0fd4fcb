package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken — подпись ссылки неверна, истекла или выдана на другой объект.
var ErrInvalidToken = errors.New("недействительная ссылка")

// LocalConfig — параметры локального бэкенда.
type LocalConfig struct {
	// DataDir — корень хранения объектов
	DataDir string
	// PublicURL — внешний адрес сервиса, к нему добавляется /objects/{key}
	PublicURL string
	// SigningKey — ключ HMAC подписи ссылок
	SigningKey []byte
}

// objectClaims — содержимое подписи ссылки: метод, ключ и (для GET) Content-Disposition.
type objectClaims struct {
	Method      string `json:"m"`
	Key         string `json:"k"`
	Disposition string `json:"d,omitempty"`
	jwt.RegisteredClaims
}

// Grant — разрешение, извлечённое из проверенной ссылки.
type Grant struct {
	Method      string
	Key         string
	Disposition string
}

// SaveResult — результат записи объекта на диск.
type SaveResult struct {
	Key      string
	Size     int64
	Checksum string
}

// LocalStore — объекты в файловой системе, ключ — относительный путь в DataDir.
type LocalStore struct {
	dataDir    string
	publicURL  string
	signingKey []byte
	logger     *slog.Logger
	now        func() time.Time
}

// NewLocal создаёт локальный бэкенд, создавая DataDir при необходимости.
func NewLocal(cfg LocalConfig, logger *slog.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", cfg.DataDir, err)
	}
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("ключ подписи короче 32 байт")
	}
	return &LocalStore{
		dataDir:    cfg.DataDir,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		signingKey: cfg.SigningKey,
		logger:     logger.With(slog.String("component", "local_store")),
		now:        time.Now,
	}, nil
}

// fullPath проверяет ключ и возвращает путь на диске.
// Ключ не может быть абсолютным или выходить за пределы DataDir.
func (s *LocalStore) fullPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "\\") || clean != "/"+strings.TrimSuffix(key, "/") {
		return "", fmt.Errorf("недопустимый ключ объекта: %q", key)
	}
	return filepath.Join(s.dataDir, filepath.FromSlash(clean[1:])), nil
}

func (s *LocalStore) sign(method, key, disposition string, ttl time.Duration) (string, error) {
	if _, err := s.fullPath(key); err != nil {
		return "", err
	}
	now := s.now()
	claims := objectClaims{
		Method:      method,
		Key:         key,
		Disposition: disposition,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("подпись ссылки: %w", err)
	}

	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicURL + "/objects/" + strings.Join(segments, "/") + "?token=" + url.QueryEscape(token), nil
}

// Verify проверяет подпись ссылки для метода и ключа запроса.
func (s *LocalStore) Verify(token, method, key string) (*Grant, error) {
	claims := &objectClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	// HEAD разрешён подписью GET
	if method == "HEAD" {
		method = "GET"
	}
	if claims.Method != method || claims.Key != key {
		return nil, fmt.Errorf("%w: ссылка выдана на %s %s", ErrInvalidToken, claims.Method, claims.Key)
	}
	return &Grant{Method: claims.Method, Key: claims.Key, Disposition: claims.Disposition}, nil
}

func (s *LocalStore) PresignPut(_ context.Context, key, _ string, ttl time.Duration) (string, error) {
	return s.sign("PUT", key, "", ttl)
}

func (s *LocalStore) PresignGet(_ context.Context, key string, ttl time.Duration, disposition string) (string, error) {
	return s.sign("GET", key, disposition, ttl)
}

// Save записывает объект из reader с подсчётом SHA-256 на лету.
// Паттерн: temp файл → запись → fsync → atomic rename.
func (s *LocalStore) Save(key string, reader io.Reader) (*SaveResult, error) {
	if IsFolderMarker(key) {
		return nil, fmt.Errorf("недопустимый ключ объекта: %q", key)
	}
	fullPath, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("ошибка создания каталога: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(reader, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	s.logger.Debug("Объект сохранён", slog.String("key", key), slog.Int64("size", size))
	return &SaveResult{Key: key, Size: size, Checksum: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// Open открывает объект для чтения. Вызывающий код обязан закрыть файл.
func (s *LocalStore) Open(key string) (*os.File, error) {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка открытия объекта %s: %w", key, err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}
	return f, nil
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]Object, error) {
	var result []Object
	err := filepath.WalkDir(s.dataDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(s.dataDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		result = append(result, Object{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("листинг %s: %w", prefix, err)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Delete удаляет объекты. Маркер каталога ("{prefix}/") удаляет пустой каталог.
func (s *LocalStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		fullPath, err := s.fullPath(key)
		if err != nil {
			return err
		}
		err = os.Remove(fullPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("ошибка удаления объекта %s: %w", key, err)
		}
	}
	return nil
}

func (s *LocalStore) Ping(_ context.Context) error {
	info, err := os.Stat(s.dataDir)
	if err != nil {
		return fmt.Errorf("директория данных: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s не является директорией", s.dataDir)
	}
	return nil
}
