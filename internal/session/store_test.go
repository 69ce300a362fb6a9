package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/salonlens/tryon-core/internal/models"
	"github.com/salonlens/tryon-core/internal/owner"
	"github.com/salonlens/tryon-core/internal/token"
	"github.com/sirupsen/logrus"
)

type fakeResolver struct {
	settings owner.Settings
	err      error
}

func (f *fakeResolver) Resolve(ctx context.Context, scope owner.Scope) (owner.Settings, error) {
	if f.err != nil {
		return owner.Settings{}, f.err
	}
	return f.settings, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestStore(t *testing.T, resolver owner.Resolver) *Store {
	t.Helper()
	return NewStore(quietLogger(), NewMemoryRepo(), NewMemoryCache(), token.NewCodec("test-secret"), resolver)
}

func TestCreateAndValidate(t *testing.T) {
	resolver := &fakeResolver{settings: owner.Settings{Duration: 30 * time.Minute, MaxUses: 5}}
	st := newTestStore(t, resolver)
	ctx := context.Background()

	created, err := st.Create(ctx, owner.Scope{SalonID: "salon-1"}, Fingerprint{ClientIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.MaxUses != 5 {
		t.Errorf("max uses = %d, want 5", created.MaxUses)
	}

	view, err := st.Validate(ctx, created.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if view.Remaining != 5 {
		t.Errorf("remaining = %d, want 5", view.Remaining)
	}
	if view.TimeRemaining <= 0 || view.TimeRemaining > 30*time.Minute {
		t.Errorf("time remaining = %v, want within (0, 30m]", view.TimeRemaining)
	}
}

func TestValidateForgedToken(t *testing.T) {
	st := newTestStore(t, &fakeResolver{settings: owner.Settings{Duration: time.Minute, MaxUses: 1}})

	if _, err := st.Validate(context.Background(), "forged.token.value"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("validate forged token: got %v, want ErrInvalid", err)
	}
}

func TestValidateExpiredImmediately(t *testing.T) {
	// Zero duration: the session is past expiry the moment it exists.
	resolver := &fakeResolver{settings: owner.Settings{Duration: 0, MaxUses: 5}}
	st := newTestStore(t, resolver)
	ctx := context.Background()

	created, err := st.Create(ctx, owner.Scope{}, Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := st.Validate(ctx, created.Token); !errors.Is(err, ErrExpired) {
		t.Fatalf("validate: got %v, want ErrExpired", err)
	}
}

func TestValidateOwnerInactive(t *testing.T) {
	resolver := &fakeResolver{settings: owner.Settings{Duration: time.Hour, MaxUses: 5}}
	st := newTestStore(t, resolver)
	ctx := context.Background()

	created, err := st.Create(ctx, owner.Scope{SalonID: "salon-1"}, Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Subscription lapses after the session was issued.
	resolver.err = owner.ErrInactive
	if _, err := st.Validate(ctx, created.Token); !errors.Is(err, ErrOwnerInactive) {
		t.Fatalf("validate: got %v, want ErrOwnerInactive", err)
	}
}

func TestConsumeToExhaustion(t *testing.T) {
	resolver := &fakeResolver{settings: owner.Settings{Duration: 30 * time.Minute, MaxUses: 5}}
	st := newTestStore(t, resolver)
	ctx := context.Background()

	created, err := st.Create(ctx, owner.Scope{SalonID: "salon-1"}, Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 5; i++ {
		remaining, err := st.ConsumeUse(ctx, created.Session.ID)
		if err != nil {
			t.Fatalf("consume %d: %v", i+1, err)
		}
		if remaining != 5-i-1 {
			t.Errorf("consume %d: remaining = %d, want %d", i+1, remaining, 5-i-1)
		}
	}

	if _, err := st.ConsumeUse(ctx, created.Session.ID); !errors.Is(err, ErrUsesExhausted) {
		t.Fatalf("6th consume: got %v, want ErrUsesExhausted", err)
	}

	if _, err := st.Validate(ctx, created.Token); !errors.Is(err, ErrUsesExhausted) {
		t.Fatalf("validate exhausted session: got %v, want ErrUsesExhausted", err)
	}
}

// flakyCache injects write failures into a working memory cache.
type flakyCache struct {
	FastCache
	failSets    int
	failDeletes int
}

func (c *flakyCache) Set(ctx context.Context, s *models.Session) error {
	if c.failSets > 0 {
		c.failSets--
		return errors.New("cache write refused")
	}
	return c.FastCache.Set(ctx, s)
}

func (c *flakyCache) Delete(ctx context.Context, id string) error {
	if c.failDeletes > 0 {
		c.failDeletes--
		return errors.New("cache delete refused")
	}
	return c.FastCache.Delete(ctx, id)
}

func TestConsumeNeverLeavesStaleCacheCount(t *testing.T) {
	resolver := &fakeResolver{settings: owner.Settings{Duration: time.Hour, MaxUses: 5}}
	fast := &flakyCache{FastCache: NewMemoryCache()}
	st := NewStore(quietLogger(), NewMemoryRepo(), fast, token.NewCodec("test-secret"), resolver)
	ctx := context.Background()

	created, err := st.Create(ctx, owner.Scope{SalonID: "salon-1"}, Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The cache holds remaining=5. The consume's refresh fails, and so does
	// the first invalidation attempt.
	fast.failSets = 1
	fast.failDeletes = 1
	remaining, err := st.ConsumeUse(ctx, created.Session.ID)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if remaining != 4 {
		t.Fatalf("remaining = %d, want 4", remaining)
	}

	// A stale cached count must not inflate what Validate reports.
	view, err := st.Validate(ctx, created.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if view.Remaining != 4 {
		t.Errorf("validate remaining = %d, want 4", view.Remaining)
	}
}

func TestAuthenticateAllowsExhaustedSession(t *testing.T) {
	// Spent sessions must still resolve for job polling; only Validate
	// enforces remaining credit.
	resolver := &fakeResolver{settings: owner.Settings{Duration: time.Hour, MaxUses: 1}}
	st := newTestStore(t, resolver)
	ctx := context.Background()

	created, err := st.Create(ctx, owner.Scope{SalonID: "salon-1"}, Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.ConsumeUse(ctx, created.Session.ID); err != nil {
		t.Fatalf("consume: %v", err)
	}

	view, err := st.Authenticate(ctx, created.Token)
	if err != nil {
		t.Fatalf("authenticate exhausted session: %v", err)
	}
	if view.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", view.Remaining)
	}

	if _, err := st.Validate(ctx, created.Token); !errors.Is(err, ErrUsesExhausted) {
		t.Fatalf("validate exhausted session: got %v, want ErrUsesExhausted", err)
	}
}

func TestConcurrentConsumeNeverOvershoots(t *testing.T) {
	const maxUses = 5
	const callers = 40

	resolver := &fakeResolver{settings: owner.Settings{Duration: time.Hour, MaxUses: maxUses}}
	st := newTestStore(t, resolver)
	ctx := context.Background()

	created, err := st.Create(ctx, owner.Scope{SalonID: "salon-1"}, Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, exhausted := 0, 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.ConsumeUse(ctx, created.Session.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrUsesExhausted):
				exhausted++
			default:
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != maxUses {
		t.Errorf("succeeded = %d, want %d", succeeded, maxUses)
	}
	if exhausted != callers-maxUses {
		t.Errorf("exhausted = %d, want %d", exhausted, callers-maxUses)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	resolver := &fakeResolver{settings: owner.Settings{Duration: time.Hour, MaxUses: 5}}
	st := newTestStore(t, resolver)
	ctx := context.Background()

	created, err := st.Create(ctx, owner.Scope{SalonID: "salon-1"}, Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := st.Revoke(ctx, created.Session.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := st.Revoke(ctx, created.Session.ID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}

	if _, err := st.Validate(ctx, created.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("validate revoked session: got %v, want ErrNotFound", err)
	}

	if _, err := st.ConsumeUse(ctx, created.Session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("consume revoked session: got %v, want ErrNotFound", err)
	}
}

func TestValidateUnknownSession(t *testing.T) {
	st := newTestStore(t, &fakeResolver{settings: owner.Settings{Duration: time.Hour, MaxUses: 5}})

	// Token signed with the right secret but no backing row.
	raw, err := token.NewCodec("test-secret").Sign("ghost", "", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := st.Validate(context.Background(), raw); !errors.Is(err, ErrNotFound) {
		t.Fatalf("validate: got %v, want ErrNotFound", err)
	}
}
