package dedup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-soknad-automation/internal/logger"
)

const retention = 30 * 24 * time.Hour

type seenEntry struct {
	Owner     string `json:"owner"`
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}

// SeenCache remembers dedup keys already ingested per owner so repeated feed
// runs skip known postings before touching the store. Entries expire after 30 days.
type SeenCache struct {
	mu       sync.Mutex
	filePath string
	seen     map[string]int64
	log      *logger.Logger
	now      func() time.Time
}

// NewSeenCache creates or loads the cache file in cacheDir. An empty cacheDir
// keeps the cache in memory only.
func NewSeenCache(cacheDir string, log *logger.Logger) *SeenCache {
	c := &SeenCache{
		seen: make(map[string]int64),
		log:  log.With("component", "dedup"),
		now:  time.Now,
	}
	if cacheDir == "" {
		return c
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		c.log.Warn("failed to create cache directory", "dir", cacheDir, "error", err)
		return c
	}
	c.filePath = filepath.Join(cacheDir, "seen_jobs.json")
	c.load()
	return c
}

func cacheKey(owner, key string) string { return owner + "\x00" + key }

// IsSeen checks whether owner already ingested key.
func (c *SeenCache) IsSeen(owner, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[cacheKey(owner, key)]
	return ok
}

// Add marks keys as seen for owner and persists when anything changed.
func (c *SeenCache) Add(owner string, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UnixMilli()
	changed := false
	for _, k := range keys {
		ck := cacheKey(owner, k)
		if _, ok := c.seen[ck]; !ok {
			c.seen[ck] = now
			changed = true
		}
	}
	if changed {
		c.save()
	}
}

func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *SeenCache) load() {
	data, err := os.ReadFile(c.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("failed to read seen cache", "path", c.filePath, "error", err)
		}
		return
	}

	var entries []seenEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		c.log.Warn("failed to parse seen cache", "path", c.filePath, "error", err)
		return
	}

	cutoff := c.now().Add(-retention).UnixMilli()
	loaded := 0
	for _, e := range entries {
		if e.Timestamp > cutoff {
			c.seen[cacheKey(e.Owner, e.Key)] = e.Timestamp
			loaded++
		}
	}
	c.log.Info("loaded seen postings", "count", loaded, "expired", len(entries)-loaded)
}

// save writes through a temp file so a crash never leaves a truncated cache.
func (c *SeenCache) save() {
	if c.filePath == "" {
		return
	}
	entries := make([]seenEntry, 0, len(c.seen))
	for ck, ts := range c.seen {
		owner, key := splitCacheKey(ck)
		entries = append(entries, seenEntry{Owner: owner, Key: key, Timestamp: ts})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		c.log.Warn("failed to marshal seen cache", "error", err)
		return
	}
	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		c.log.Warn("failed to write seen cache", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, c.filePath); err != nil {
		c.log.Warn("failed to replace seen cache", "path", c.filePath, "error", err)
		return
	}
	c.log.Debug("saved seen cache", "count", len(entries))
}

func splitCacheKey(ck string) (string, string) {
	owner, key, _ := strings.Cut(ck, "\x00")
	return owner, key
}
