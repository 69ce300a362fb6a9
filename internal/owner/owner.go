package owner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/salonlens/tryon-core/internal/models"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("owner not found")
	ErrInactive = errors.New("owner subscription inactive")
)

// Scope identifies who a session belongs to. An empty SalonID means an
// anonymous (individual) session.
type Scope struct {
	SalonID string
}

func (s Scope) Anonymous() bool { return s.SalonID == "" }

// Settings is the session configuration resolved for a scope.
type Settings struct {
	Duration time.Duration
	MaxUses  int
}

// Resolver resolves a scope to its current session settings, rejecting
// scopes whose owner is missing or not in good billing standing.
type Resolver interface {
	Resolve(ctx context.Context, scope Scope) (Settings, error)
}

// AnonDefaults are the fixed settings applied to anonymous scopes.
type AnonDefaults struct {
	Duration time.Duration
	MaxUses  int
}

type gormResolver struct {
	db   *gorm.DB
	anon AnonDefaults
}

func NewResolver(db *gorm.DB, anon AnonDefaults) Resolver {
	return &gormResolver{db: db, anon: anon}
}

func (r *gormResolver) Resolve(ctx context.Context, scope Scope) (Settings, error) {
	if scope.Anonymous() {
		return Settings{Duration: r.anon.Duration, MaxUses: r.anon.MaxUses}, nil
	}

	var salon models.Salon
	err := r.db.WithContext(ctx).Where("id = ?", scope.SalonID).First(&salon).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("salon lookup failed: %w", err)
	}

	if salon.SubscriptionStatus != "active" && salon.SubscriptionStatus != "trialing" {
		return Settings{}, ErrInactive
	}

	return Settings{
		Duration: time.Duration(salon.SessionDuration) * time.Minute,
		MaxUses:  salon.SessionMaxUses,
	}, nil
}
