package tryon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/salonlens/tryon-core/internal/models"
	"gorm.io/gorm"
)

var ErrStyleNotFound = errors.New("style not found")

// StyleInstruction is the single well-typed form a style takes once loaded.
// The instruction text is resolved here, at the boundary, and never
// re-parsed downstream.
type StyleInstruction struct {
	ID   string
	Name string
	Text string
}

type StyleRepo interface {
	Resolve(ctx context.Context, styleID string) (*StyleInstruction, error)
}

type gormStyleRepo struct {
	db *gorm.DB
}

func NewStyleRepo(db *gorm.DB) StyleRepo {
	return &gormStyleRepo{db: db}
}

func (r *gormStyleRepo) Resolve(ctx context.Context, styleID string) (*StyleInstruction, error) {
	var style models.Style
	err := r.db.WithContext(ctx).
		Where("id = ? AND is_active", styleID).
		First(&style).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStyleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("style lookup failed: %w", err)
	}
	return &StyleInstruction{ID: style.ID, Name: style.Name, Text: style.Instruction}, nil
}

// MemoryStyleRepo holds a fixed style set, for tests.
type MemoryStyleRepo struct {
	mu     sync.Mutex
	styles map[string]StyleInstruction
}

func NewMemoryStyleRepo() *MemoryStyleRepo {
	return &MemoryStyleRepo{styles: make(map[string]StyleInstruction)}
}

func (r *MemoryStyleRepo) Add(s StyleInstruction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.styles[s.ID] = s
}

func (r *MemoryStyleRepo) Resolve(ctx context.Context, styleID string) (*StyleInstruction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.styles[styleID]
	if !ok {
		return nil, ErrStyleNotFound
	}
	return &s, nil
}
