package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/salonlens/tryon-core/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntryRepo is the metadata store for cached generation results.
// Get returns (nil, nil) when no active entry exists for the key.
type EntryRepo interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, error)

	// Upsert writes the entry, replacing any existing row for the same key.
	// Concurrent writers race benignly; last writer wins.
	Upsert(ctx context.Context, e *models.CacheEntry) error

	// Touch bumps access_count and last_accessed_at.
	Touch(ctx context.Context, key string) error

	// ListStale returns active entries whose last access is before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]models.CacheEntry, error)

	Delete(ctx context.Context, key string) error
	DeactivateByStyle(ctx context.Context, styleID string) (int64, error)
}

type gormEntryRepo struct {
	db *gorm.DB
}

func NewEntryRepo(db *gorm.DB) EntryRepo {
	return &gormEntryRepo{db: db}
}

func (r *gormEntryRepo) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	var e models.CacheEntry
	err := r.db.WithContext(ctx).
		Where("cache_key = ? AND is_active", key).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache entry lookup failed: %w", err)
	}
	return &e, nil
}

func (r *gormEntryRepo) Upsert(ctx context.Context, e *models.CacheEntry) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"content_hash", "style_id", "result_url", "blob_key",
			"last_accessed_at", "is_active",
		}),
	}).Create(e).Error
	if err != nil {
		return fmt.Errorf("cache entry upsert failed: %w", err)
	}
	return nil
}

func (r *gormEntryRepo) Touch(ctx context.Context, key string) error {
	err := r.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("cache_key = ?", key).
		UpdateColumns(map[string]interface{}{
			"access_count":     gorm.Expr("access_count + 1"),
			"last_accessed_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("cache entry touch failed: %w", err)
	}
	return nil
}

func (r *gormEntryRepo) ListStale(ctx context.Context, cutoff time.Time) ([]models.CacheEntry, error) {
	var entries []models.CacheEntry
	err := r.db.WithContext(ctx).
		Where("last_accessed_at < ?", cutoff).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("stale entry query failed: %w", err)
	}
	return entries, nil
}

func (r *gormEntryRepo) Delete(ctx context.Context, key string) error {
	err := r.db.WithContext(ctx).
		Where("cache_key = ?", key).
		Delete(&models.CacheEntry{}).Error
	if err != nil {
		return fmt.Errorf("cache entry delete failed: %w", err)
	}
	return nil
}

func (r *gormEntryRepo) DeactivateByStyle(ctx context.Context, styleID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("style_id = ? AND is_active", styleID).
		UpdateColumn("is_active", false)
	if res.Error != nil {
		return 0, fmt.Errorf("style invalidation failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// memoryEntryRepo implements EntryRepo in process, for tests.
type memoryEntryRepo struct {
	mu      sync.Mutex
	entries map[string]*models.CacheEntry
}

func NewMemoryEntryRepo() EntryRepo {
	return &memoryEntryRepo{entries: make(map[string]*models.CacheEntry)}
}

func (r *memoryEntryRepo) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || !e.IsActive {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *memoryEntryRepo) Upsert(ctx context.Context, e *models.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	if prev, ok := r.entries[e.CacheKey]; ok {
		cp.CreatedAt = prev.CreatedAt
		cp.AccessCount = prev.AccessCount
	}
	r.entries[e.CacheKey] = &cp
	return nil
}

func (r *memoryEntryRepo) Touch(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.AccessCount++
		e.LastAccessedAt = time.Now()
	}
	return nil
}

func (r *memoryEntryRepo) ListStale(ctx context.Context, cutoff time.Time) ([]models.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.CacheEntry
	for _, e := range r.entries {
		if e.LastAccessedAt.Before(cutoff) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *memoryEntryRepo) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

func (r *memoryEntryRepo) DeactivateByStyle(ctx context.Context, styleID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.entries {
		if e.StyleID == styleID && e.IsActive {
			e.IsActive = false
			n++
		}
	}
	return n, nil
}
