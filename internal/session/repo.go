package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/salonlens/tryon-core/internal/models"
	"gorm.io/gorm"
)

// Repo is the durable store for sessions. It is the single source of truth
// for usage counters; the fast-lookup cache in front of it is an
// optimization only.
//
// Get returns (nil, nil) when the session does not exist.
type Repo interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)

	// ConsumeUse increments uses_consumed by one as a single conditional
	// update, guarded by uses_consumed < max_uses at the storage layer.
	// Returns the updated session, ErrUsesExhausted when the guard fails,
	// or ErrNotFound when no usable row exists.
	ConsumeUse(ctx context.Context, id string) (*models.Session, error)

	// Deactivate marks the session inactive. Idempotent.
	Deactivate(ctx context.Context, id string) error
}

type gormRepo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) Repo {
	return &gormRepo{db: db}
}

func (r *gormRepo) Create(ctx context.Context, s *models.Session) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("session insert failed: %w", err)
	}
	return nil
}

func (r *gormRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	return &s, nil
}

func (r *gormRepo) ConsumeUse(ctx context.Context, id string) (*models.Session, error) {
	res := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND is_active AND uses_consumed < max_uses", id).
		UpdateColumn("uses_consumed", gorm.Expr("uses_consumed + 1"))
	if res.Error != nil {
		return nil, fmt.Errorf("session consume failed: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		// Guard failed; distinguish a missing row from an exhausted one.
		s, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil || !s.IsActive {
			return nil, ErrNotFound
		}
		return nil, ErrUsesExhausted
	}

	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *gormRepo) Deactivate(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", id).
		UpdateColumn("is_active", false).Error
	if err != nil {
		return fmt.Errorf("session deactivate failed: %w", err)
	}
	return nil
}

// memoryRepo implements Repo with an in-process map. It exists for tests
// and mirrors the conditional-update semantics of the Postgres repo.
type memoryRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func NewMemoryRepo() Repo {
	return &memoryRepo{sessions: make(map[string]*models.Session)}
}

func (r *memoryRepo) Create(ctx context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memoryRepo) ConsumeUse(ctx context.Context, id string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.IsActive {
		return nil, ErrNotFound
	}
	if s.UsesConsumed >= s.MaxUses {
		return nil, ErrUsesExhausted
	}
	s.UsesConsumed++
	cp := *s
	return &cp, nil
}

func (r *memoryRepo) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.IsActive = false
	}
	return nil
}
