// playurl_cache.go — LRU-кэш выданных ссылок на просмотр клипов.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики кэша.
var (
	playURLCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_play_url_cache_hits_total",
		Help: "Общее количество попаданий в кэш ссылок на просмотр.",
	})
	playURLCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_play_url_cache_misses_total",
		Help: "Общее количество промахов кэша ссылок на просмотр.",
	})
)

// playURLEntry — выданная ссылка и её владелец.
type playURLEntry struct {
	UserID    string
	URL       string
	ExpiresAt time.Time
}

// PlayURLCache — кэш ссылок по ID клипа.
// Запись живёт половину срока действия ссылки: выданная из кэша ссылка
// остаётся действительной ещё не меньше половины TTL.
type PlayURLCache struct {
	cache *expirable.LRU[string, playURLEntry]
}

// NewPlayURLCache создаёт кэш на maxSize записей для ссылок со сроком urlTTL.
func NewPlayURLCache(maxSize int, urlTTL time.Duration) *PlayURLCache {
	return &PlayURLCache{
		cache: expirable.NewLRU[string, playURLEntry](maxSize, nil, urlTTL/2),
	}
}

// Get возвращает ссылку на клип, если она выдавалась тому же пользователю.
func (c *PlayURLCache) Get(clipID, userID string) (*SignedURL, bool) {
	e, ok := c.cache.Get(clipID)
	if ok && e.UserID == userID {
		playURLCacheHits.Inc()
		return &SignedURL{URL: e.URL, ExpiresAt: e.ExpiresAt}, true
	}
	playURLCacheMisses.Inc()
	return nil, false
}

// Set запоминает ссылку, выданную пользователю userID.
func (c *PlayURLCache) Set(clipID, userID string, u *SignedURL) {
	c.cache.Add(clipID, playURLEntry{UserID: userID, URL: u.URL, ExpiresAt: u.ExpiresAt})
}

// Delete удаляет ссылку (при удалении клипа).
func (c *PlayURLCache) Delete(clipID string) {
	c.cache.Remove(clipID)
}
