package workflow

import (
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/clip-module/internal/computeclient"
	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
	"github.com/bigkaa/goartstore/clip-module/internal/objectstore"
)

// Источники набора клипов.
const (
	SourceManifest = "manifest"
	SourceListing  = "listing"
)

// HasManifest — ответ содержит хотя бы одно описание клипа с непустым ключом.
func HasManifest(m *computeclient.Manifest) bool {
	if m == nil {
		return false
	}
	for _, c := range m.Clips {
		if c.S3Key != nil && strings.TrimSpace(*c.S3Key) != "" {
			return true
		}
	}
	return false
}

// inJobScope проверяет, что ключ лежит в каталоге задания и не является
// исходным медиа (original.* с любым расширением) или маркером каталога.
func inJobScope(key, originalKey string) bool {
	prefix := model.JobPrefix(originalKey) + "/"
	return strings.HasPrefix(key, prefix) &&
		len(key) > len(prefix) &&
		key != originalKey &&
		!isOriginalName(key) &&
		!objectstore.IsFolderMarker(key)
}

func isOriginalName(key string) bool {
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base)) == model.OriginalBaseName
}

// IsClipObject — соглашение об именах клипов для пути листинга:
// clip_*.mp4 непосредственно в каталоге задания.
func IsClipObject(key, originalKey string) bool {
	if !inJobScope(key, originalKey) {
		return false
	}
	rest := strings.TrimPrefix(key, model.JobPrefix(originalKey)+"/")
	if strings.Contains(rest, "/") {
		return false
	}
	ok, _ := path.Match("clip_*.mp4", rest)
	return ok
}

// PlanFromManifest строит записи клипов по манифесту.
// Описания без ключа, вне каталога задания и повторы ключей отбрасываются.
// Некорректный интервал (end <= start) сбрасывается, ключ сохраняется.
func PlanFromManifest(m *computeclient.Manifest, up UploadRef) []*model.Clip {
	seen := make(map[string]bool)
	var clips []*model.Clip
	for _, d := range m.Clips {
		if d.S3Key == nil {
			continue
		}
		key := strings.TrimSpace(*d.S3Key)
		if key == "" || seen[key] || !inJobScope(key, up.S3Key) {
			continue
		}
		seen[key] = true

		c := newClip(up, key)
		c.StartSeconds, c.EndSeconds = d.StartSeconds, d.EndSeconds
		if c.StartSeconds != nil && c.EndSeconds != nil && *c.EndSeconds <= *c.StartSeconds {
			c.StartSeconds, c.EndSeconds = nil, nil
		}
		c.ScriptText = d.ScriptText
		c.Language = d.Language
		if c.Language == nil && m.Language != "" {
			lang := m.Language
			c.Language = &lang
		}
		c.Title = d.YoutubeTitle
		c.Description = d.YoutubeDescription
		c.Hashtags = model.EncodeHashtags(d.YoutubeHashtags)
		clips = append(clips, c)
	}
	return clips
}

// PlanFromListing строит записи клипов по содержимому каталога задания.
// Ключи отсортированы, метаданных нет.
func PlanFromListing(objects []objectstore.Object, up UploadRef) []*model.Clip {
	var keys []string
	for _, o := range objects {
		if IsClipObject(o.Key, up.S3Key) {
			keys = append(keys, o.Key)
		}
	}
	sort.Strings(keys)
	keys = compactSorted(keys)

	clips := make([]*model.Clip, 0, len(keys))
	for _, k := range keys {
		clips = append(clips, newClip(up, k))
	}
	return clips
}

// UploadRef — то, что нужно для построения записей клипов.
type UploadRef struct {
	UploadID string
	UserID   string
	S3Key    string
}

func newClip(up UploadRef, key string) *model.Clip {
	return &model.Clip{
		ID:       uuid.NewString(),
		UserID:   up.UserID,
		UploadID: up.UploadID,
		S3Key:    key,
	}
}

func compactSorted(keys []string) []string {
	if len(keys) < 2 {
		return keys
	}
	out := keys[:1]
	for _, k := range keys[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
