package generators

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const metaSuffix = ".meta"

// UploadEntry records where an image was uploaded
type UploadEntry struct {
	Digest    string    `json:"digest"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	Hits      int       `json:"hits"`
}

// CacheStats holds statistics about cache performance
type CacheStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	TotalEntries int     `json:"total_entries"`
}

// FileUploadCache keeps uploaded image URLs in one metadata file per digest
type FileUploadCache struct {
	entries   map[string]*UploadEntry
	directory string
	ttl       time.Duration
	mu        sync.RWMutex
	stats     *CacheStats
	now       func() time.Time
}

// NewFileUploadCache creates a cache rooted at directory. A zero ttl never expires.
func NewFileUploadCache(directory string, ttl time.Duration) *FileUploadCache {
	return &FileUploadCache{
		entries:   make(map[string]*UploadEntry),
		directory: directory,
		ttl:       ttl,
		stats:     &CacheStats{},
		now:       time.Now,
	}
}

// Initialize loads existing entries from disk and drops the expired ones
func (c *FileUploadCache) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.directory, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	files, err := os.ReadDir(c.directory)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), metaSuffix) {
			continue
		}

		metaPath := filepath.Join(c.directory, file.Name())
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}

		var entry UploadEntry
		if err := json.Unmarshal(data, &entry); err != nil || entry.Digest == "" {
			continue
		}

		if c.expired(&entry) {
			_ = os.Remove(metaPath)
			continue
		}

		c.entries[entry.Digest] = &entry
	}
	c.stats.TotalEntries = len(c.entries)

	return nil
}

// Get returns the URL previously uploaded for digest
func (c *FileUploadCache) Get(ctx context.Context, digest string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[digest]
	if !ok {
		c.stats.Misses++
		c.updateHitRate()
		return "", false, nil
	}

	if c.expired(entry) {
		c.remove(digest)
		c.stats.Misses++
		c.updateHitRate()
		return "", false, nil
	}

	entry.Hits++
	c.stats.Hits++
	c.updateHitRate()
	return entry.URL, true, nil
}

// Put records url as the upload of digest
func (c *FileUploadCache) Put(ctx context.Context, digest, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &UploadEntry{
		Digest:    digest,
		URL:       url,
		CreatedAt: c.now().UTC(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(c.metaPath(digest), data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	c.entries[digest] = entry
	c.stats.TotalEntries = len(c.entries)
	return nil
}

// CleanExpired removes expired entries and returns how many were dropped
func (c *FileUploadCache) CleanExpired(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl == 0 {
		return 0
	}

	count := 0
	for digest, entry := range c.entries {
		if c.expired(entry) {
			c.remove(digest)
			count++
		}
	}
	return count
}

// GetStats returns cache statistics
func (c *FileUploadCache) GetStats() *CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statsCopy := *c.stats
	return &statsCopy
}

func (c *FileUploadCache) expired(entry *UploadEntry) bool {
	return c.ttl > 0 && c.now().Sub(entry.CreatedAt) > c.ttl
}

func (c *FileUploadCache) remove(digest string) {
	_ = os.Remove(c.metaPath(digest))
	delete(c.entries, digest)
	c.stats.TotalEntries = len(c.entries)
}

func (c *FileUploadCache) metaPath(digest string) string {
	return filepath.Join(c.directory, digest+metaSuffix)
}

func (c *FileUploadCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

// ContentDigest returns the cache key of an image's bytes
func ContentDigest(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}
