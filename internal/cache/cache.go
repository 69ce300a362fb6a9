package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/salonlens/tryon-core/internal/models"
	"github.com/salonlens/tryon-core/internal/storage"
	"github.com/sirupsen/logrus"
)

// ContentHash is the collision-resistant hash of raw image bytes. It depends
// on nothing but the bytes, so byte-identical uploads always collide on the
// same key regardless of filename or request metadata.
func ContentHash(image []byte) string {
	sum := sha256.Sum256(image)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Key derives the cache key for an (image, style) pair.
func Key(contentHash, styleID string) string {
	return contentHash + ":" + styleID
}

// ResultCache maps (image content hash, style) to a previously generated
// result so duplicate requests never pay for a second provider call.
// The cache is best-effort throughout: a broken cache degrades service cost,
// never service availability.
type ResultCache struct {
	repo  EntryRepo
	blobs storage.BlobStorage
	log   *logrus.Entry
}

func NewResultCache(logger *logrus.Logger, repo EntryRepo, blobs storage.BlobStorage) *ResultCache {
	return &ResultCache{
		repo:  repo,
		blobs: blobs,
		log:   logger.WithField("component", "result_cache"),
	}
}

// Lookup returns the cached result URL for the image/style pair, or ok=false
// on a miss. Storage failures degrade to a miss. The access bump is
// fire-and-forget.
func (c *ResultCache) Lookup(ctx context.Context, image []byte, styleID string) (string, bool) {
	key := Key(ContentHash(image), styleID)

	entry, err := c.repo.Get(ctx, key)
	if err != nil {
		c.log.WithError(err).Warn("Cache lookup failed, treating as miss")
		return "", false
	}
	if entry == nil {
		return "", false
	}

	if err := c.repo.Touch(ctx, key); err != nil {
		c.log.WithError(err).Warn("Failed to bump cache entry access")
	}

	c.log.WithFields(logrus.Fields{
		"cache_key": key,
		"style_id":  styleID,
	}).Info("Cache hit")
	return entry.ResultURL, true
}

// Store records a generated result. Upsert-by-key: a concurrent identical
// generation simply overwrites, last writer wins.
func (c *ResultCache) Store(ctx context.Context, image []byte, styleID, resultURL, blobKey string) error {
	hash := ContentHash(image)
	now := time.Now()
	entry := &models.CacheEntry{
		CacheKey:       Key(hash, styleID),
		ContentHash:    hash,
		StyleID:        styleID,
		ResultURL:      resultURL,
		BlobKey:        blobKey,
		CreatedAt:      now,
		LastAccessedAt: now,
		IsActive:       true,
	}
	return c.repo.Upsert(ctx, entry)
}

// Evict removes entries unused for longer than maxAge, deleting artifacts
// best-effort. The metadata row always goes: an orphaned blob is acceptable,
// a row pointing at a deleted blob is not.
func (c *ResultCache) Evict(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := c.repo.ListStale(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, entry := range stale {
		if entry.BlobKey != "" {
			if err := c.blobs.Delete(ctx, entry.BlobKey); err != nil {
				c.log.WithFields(logrus.Fields{
					"cache_key": entry.CacheKey,
					"blob_key":  entry.BlobKey,
					"error":     err,
				}).Warn("Failed to delete cached artifact")
			}
		}
		if err := c.repo.Delete(ctx, entry.CacheKey); err != nil {
			c.log.WithFields(logrus.Fields{
				"cache_key": entry.CacheKey,
				"error":     err,
			}).Error("Failed to delete cache entry")
			continue
		}
		evicted++
	}
	return evicted, nil
}

// InvalidateForStyle soft-deletes every entry for a style, used when a
// style's instruction changes and old generations no longer represent it.
func (c *ResultCache) InvalidateForStyle(ctx context.Context, styleID string) (int64, error) {
	n, err := c.repo.DeactivateByStyle(ctx, styleID)
	if err != nil {
		return 0, err
	}
	c.log.WithFields(logrus.Fields{
		"style_id": styleID,
		"entries":  n,
	}).Info("Invalidated cache entries for style")
	return n, nil
}
