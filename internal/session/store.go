package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/salonlens/tryon-core/internal/models"
	"github.com/salonlens/tryon-core/internal/owner"
	"github.com/salonlens/tryon-core/internal/token"
	"github.com/sirupsen/logrus"
)

// Fingerprint is informational client metadata captured at creation. It is
// never used for admission decisions.
type Fingerprint struct {
	ClientIP  string
	UserAgent string
}

// Created is the result of opening a new session.
type Created struct {
	Session   *models.Session
	Token     string
	MaxUses   int
	Duration  time.Duration
	ExpiresAt time.Time
}

// View is the resolved state returned by Validate.
type View struct {
	SessionID     string
	SalonID       string
	MaxUses       int
	Remaining     int
	ExpiresAt     time.Time
	TimeRemaining time.Duration
}

// Store creates, validates, and mutates usage-metered sessions. The durable
// repo owns all counters; the fast cache only accelerates reads.
type Store struct {
	repo     Repo
	fast     FastCache
	codec    *token.Codec
	resolver owner.Resolver
	log      *logrus.Entry
}

func NewStore(logger *logrus.Logger, repo Repo, fast FastCache, codec *token.Codec, resolver owner.Resolver) *Store {
	return &Store{
		repo:     repo,
		fast:     fast,
		codec:    codec,
		resolver: resolver,
		log:      logger.WithField("component", "session_store"),
	}
}

// Create resolves the scope's settings, persists a new session, and issues
// its signed token. Fails with owner.ErrNotFound / owner.ErrInactive when
// the scope does not admit new sessions.
func (st *Store) Create(ctx context.Context, scope owner.Scope, fp Fingerprint) (*Created, error) {
	settings, err := st.resolver.Resolve(ctx, scope)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &models.Session{
		ID:           uuid.NewString(),
		SalonID:      scope.SalonID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(settings.Duration),
		MaxUses:      settings.MaxUses,
		UsesConsumed: 0,
		IsActive:     true,
		ClientIP:     fp.ClientIP,
		UserAgent:    fp.UserAgent,
	}

	if err := st.repo.Create(ctx, s); err != nil {
		return nil, err
	}

	if err := st.fast.Set(ctx, s); err != nil {
		st.log.WithError(err).Warn("Failed to warm session cache")
	}

	raw, err := st.codec.Sign(s.ID, s.SalonID, s.ExpiresAt)
	if err != nil {
		return nil, err
	}

	st.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"salon_id":   s.SalonID,
		"max_uses":   s.MaxUses,
		"expires_at": s.ExpiresAt,
	}).Info("Session created")

	return &Created{
		Session:   s,
		Token:     raw,
		MaxUses:   s.MaxUses,
		Duration:  settings.Duration,
		ExpiresAt: s.ExpiresAt,
	}, nil
}

// Validate admits or rejects a client-held token for a transformation.
// On top of Authenticate it requires at least one remaining use.
func (st *Store) Validate(ctx context.Context, raw string) (*View, error) {
	view, err := st.Authenticate(ctx, raw)
	if err != nil {
		return nil, err
	}
	if view.Remaining <= 0 {
		return nil, ErrUsesExhausted
	}
	return view, nil
}

// Authenticate resolves a client-held token to its session without the
// remaining-uses check, so exhausted sessions can still poll their jobs.
// Signature and expiry are checked before any storage lookup; a forged or
// stale token never reaches the repo.
func (st *Store) Authenticate(ctx context.Context, raw string) (*View, error) {
	claims, err := st.codec.Verify(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}

	s, err := st.resolve(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}

	now := time.Now()
	if now.After(s.ExpiresAt) {
		// Best effort; the session is expired either way.
		if err := st.repo.Deactivate(ctx, s.ID); err != nil {
			st.log.WithError(err).Warn("Failed to deactivate expired session")
		}
		if err := st.fast.Delete(ctx, s.ID); err != nil {
			st.log.WithError(err).Warn("Failed to drop expired session from cache")
		}
		return nil, ErrExpired
	}
	if !s.IsActive {
		return nil, ErrNotFound
	}

	if _, err := st.resolver.Resolve(ctx, owner.Scope{SalonID: s.SalonID}); err != nil {
		if errors.Is(err, owner.ErrNotFound) {
			return nil, ErrNotFound
		}
		if errors.Is(err, owner.ErrInactive) {
			return nil, ErrOwnerInactive
		}
		return nil, err
	}

	return &View{
		SessionID:     s.ID,
		SalonID:       s.SalonID,
		MaxUses:       s.MaxUses,
		Remaining:     s.MaxUses - s.UsesConsumed,
		ExpiresAt:     s.ExpiresAt,
		TimeRemaining: s.ExpiresAt.Sub(now),
	}, nil
}

// ConsumeUse spends one use. The increment is a conditional update at the
// storage layer, so concurrent calls never overshoot max_uses. The fast
// cache is refreshed with the updated row, or dropped if the refresh fails,
// so it can never report more remaining uses than the durable store.
func (st *Store) ConsumeUse(ctx context.Context, sessionID string) (int, error) {
	s, err := st.repo.ConsumeUse(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	if err := st.fast.Set(ctx, s); err != nil {
		st.log.WithError(err).Warn("Failed to refresh session cache after consume")
		// The entry now under-counts consumption; it must not survive.
		if err := st.fast.Delete(ctx, sessionID); err != nil {
			st.log.WithError(err).Warn("Failed to invalidate session cache after consume, retrying")
			if err := st.fast.Delete(ctx, sessionID); err != nil {
				st.log.WithError(err).Error("Session cache entry stale until TTL")
			}
		}
	}

	remaining := s.MaxUses - s.UsesConsumed
	st.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"remaining":  remaining,
	}).Info("Session use consumed")
	return remaining, nil
}

// Revoke marks a session inactive. Idempotent.
func (st *Store) Revoke(ctx context.Context, sessionID string) error {
	if err := st.repo.Deactivate(ctx, sessionID); err != nil {
		return err
	}
	if err := st.fast.Delete(ctx, sessionID); err != nil {
		st.log.WithError(err).Warn("Failed to drop revoked session from cache")
	}
	return nil
}

// resolve reads through the fast cache into the durable repo, warming the
// cache on a fallback hit.
func (st *Store) resolve(ctx context.Context, id string) (*models.Session, error) {
	s, err := st.fast.Get(ctx, id)
	if err != nil {
		st.log.WithError(err).Warn("Session cache read failed")
	} else if s != nil {
		return s, nil
	}

	s, err = st.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s != nil {
		if err := st.fast.Set(ctx, s); err != nil {
			st.log.WithError(err).Warn("Failed to warm session cache")
		}
	}
	return s, nil
}
