package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/salonlens/tryon-core/internal/cache"
	"github.com/salonlens/tryon-core/internal/models"
	"github.com/salonlens/tryon-core/internal/owner"
	"github.com/salonlens/tryon-core/internal/provider"
	"github.com/salonlens/tryon-core/internal/session"
	"github.com/salonlens/tryon-core/internal/storage"
	"github.com/salonlens/tryon-core/internal/token"
	"github.com/salonlens/tryon-core/internal/tryon"
	"github.com/sirupsen/logrus"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	errs  []error // consumed per call; nil entry means success

	// When set, Generate signals entered and then blocks until release is
	// closed or the context is cancelled.
	entered chan struct{}
	release chan struct{}
}

func (g *fakeGenerator) Generate(ctx context.Context, image []byte, mimeType, instruction string) ([]byte, error) {
	g.mu.Lock()
	call := g.calls
	g.calls++
	var callErr error
	if call < len(g.errs) {
		callErr = g.errs[call]
	}
	g.mu.Unlock()

	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if callErr != nil {
		return nil, callErr
	}
	return []byte("generated"), nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type staticResolver struct{}

func (staticResolver) Resolve(ctx context.Context, scope owner.Scope) (owner.Settings, error) {
	return owner.Settings{Duration: time.Hour, MaxUses: 10}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	queue     *Queue
	repo      JobRepo
	pool      *Pool
	generator *fakeGenerator
	cache     *cache.ResultCache
	sessions  *session.Store
	sessionID string
	blobs     storage.BlobStorage
	service   *tryon.Service
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test wrap the job repo, e.g. with write guards
// matching the Postgres repo's context handling.
func newFixtureWith(t *testing.T, wrapRepo func(JobRepo) JobRepo) *fixture {
	t.Helper()
	log := quietLogger()

	sessions := session.NewStore(
		log,
		session.NewMemoryRepo(),
		session.NewMemoryCache(),
		token.NewCodec("test-secret"),
		staticResolver{},
	)
	created, err := sessions.Create(context.Background(), owner.Scope{}, session.Fingerprint{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	blobs := storage.NewMemoryStorage()
	resultCache := cache.NewResultCache(log, cache.NewMemoryEntryRepo(), blobs)
	styles := tryon.NewMemoryStyleRepo()
	styles.Add(tryon.StyleInstruction{ID: "bob-cut", Name: "Bob Cut", Text: "apply a bob cut"})

	generator := &fakeGenerator{}
	service := tryon.NewService(log, sessions, resultCache, blobs, generator, styles)

	repo := JobRepo(NewMemoryJobRepo())
	if wrapRepo != nil {
		repo = wrapRepo(repo)
	}
	pool := NewPool(log, PoolConfig{
		Concurrency:        2,
		PollInterval:       2 * time.Millisecond,
		MaxAttempts:        3,
		RetryBase:          time.Millisecond,
		ProviderRate:       1000,
		ProviderRateWindow: time.Second,
		ReclaimAfter:       time.Minute,
	}, repo, blobs, service)

	return &fixture{
		queue:     New(log, repo, blobs),
		repo:      repo,
		pool:      pool,
		generator: generator,
		cache:     resultCache,
		sessions:  sessions,
		sessionID: created.Session.ID,
		blobs:     blobs,
		service:   service,
	}
}

func (f *fixture) runPool(t *testing.T) context.CancelFunc {
	return startPool(t, f.pool)
}

func startPool(t *testing.T, pool *Pool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitForStatus(t *testing.T, repo JobRepo, jobID string, statuses ...string) *models.TransformJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := repo.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		for _, s := range statuses {
			if job.Status == s {
				return job
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	job, _ := repo.Get(context.Background(), jobID)
	t.Fatalf("job %s never reached %v, last status %q", jobID, statuses, job.Status)
	return nil
}

func TestJobCompletesOnFirstAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, f.sessionID, "bob-cut", []byte("selfie"), "image/jpeg")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("status after enqueue = %q, want queued", job.Status)
	}

	f.runPool(t)

	done := waitForStatus(t, f.repo, job.ID, models.JobStatusCompleted, models.JobStatusFailed)
	if done.Status != models.JobStatusCompleted {
		t.Fatalf("status = %q (%s), want completed", done.Status, done.ErrorReason)
	}
	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", done.Attempts)
	}
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
	if done.ResultURL == "" {
		t.Error("result_url empty")
	}
	if done.WasCached {
		t.Error("was_cached = true on a fresh generation")
	}
}

func TestJobRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	// Two transient failures, then success.
	f.generator.errs = []error{provider.ErrRateLimited, errors.New("connection reset"), nil}

	job, err := f.queue.Enqueue(context.Background(), f.sessionID, "bob-cut", []byte("selfie"), "image/jpeg")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.runPool(t)

	done := waitForStatus(t, f.repo, job.ID, models.JobStatusCompleted, models.JobStatusFailed)
	if done.Status != models.JobStatusCompleted {
		t.Fatalf("status = %q (%s), want completed", done.Status, done.ErrorReason)
	}
	if done.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", done.Attempts)
	}
}

func TestJobFailsTerminallyOnContentRejection(t *testing.T) {
	f := newFixture(t)
	f.generator.errs = []error{provider.ErrContentRejected}

	job, err := f.queue.Enqueue(context.Background(), f.sessionID, "bob-cut", []byte("selfie"), "image/jpeg")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.runPool(t)

	done := waitForStatus(t, f.repo, job.ID, models.JobStatusCompleted, models.JobStatusFailed)
	if done.Status != models.JobStatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (content rejection must not be retried)", done.Attempts)
	}
	if done.ErrorReason == "" {
		t.Error("error_reason empty on failed job")
	}
}

func TestJobExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	f.generator.errs = []error{
		provider.ErrRateLimited,
		provider.ErrRateLimited,
		provider.ErrRateLimited,
		provider.ErrRateLimited,
	}

	job, err := f.queue.Enqueue(context.Background(), f.sessionID, "bob-cut", []byte("selfie"), "image/jpeg")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.runPool(t)

	done := waitForStatus(t, f.repo, job.ID, models.JobStatusCompleted, models.JobStatusFailed)
	if done.Status != models.JobStatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if done.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", done.Attempts)
	}
	if f.generator.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", f.generator.callCount())
	}
}

func TestJobFailsTerminallyOnExhaustedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Spend every credit between enqueue and execution.
	job, err := f.queue.Enqueue(ctx, f.sessionID, "bob-cut", []byte("selfie"), "image/jpeg")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := f.sessions.ConsumeUse(ctx, f.sessionID); err != nil {
			t.Fatalf("consume %d: %v", i+1, err)
		}
	}

	f.runPool(t)

	done := waitForStatus(t, f.repo, job.ID, models.JobStatusCompleted, models.JobStatusFailed)
	if done.Status != models.JobStatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (exhaustion must not be retried)", done.Attempts)
	}
	if f.generator.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", f.generator.callCount())
	}
}

func TestJobServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.cache.Store(ctx, []byte("selfie"), "bob-cut", "https://cdn.example/hit.png", "results/hit.png"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	job, err := f.queue.Enqueue(ctx, f.sessionID, "bob-cut", []byte("selfie"), "image/jpeg")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.runPool(t)

	done := waitForStatus(t, f.repo, job.ID, models.JobStatusCompleted, models.JobStatusFailed)
	if done.Status != models.JobStatusCompleted {
		t.Fatalf("status = %q (%s), want completed", done.Status, done.ErrorReason)
	}
	if !done.WasCached {
		t.Error("was_cached = false, want true")
	}
	if done.ResultURL != "https://cdn.example/hit.png" {
		t.Errorf("result_url = %q, want cached url", done.ResultURL)
	}
	if f.generator.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", f.generator.callCount())
	}
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, f.sessionID, "bob-cut", []byte("selfie"), "image/jpeg")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	prev, err := f.queue.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if prev != models.JobStatusQueued {
		t.Errorf("prev status = %q, want queued", prev)
	}

	got, err := f.queue.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobStatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}

	// Terminal: a second cancel is rejected.
	if _, err := f.queue.Cancel(ctx, job.ID); !errors.Is(err, ErrJobFinished) {
		t.Fatalf("second cancel: got %v, want ErrJobFinished", err)
	}
}

// ctxGuardRepo refuses writes on a dead context, as gorm's WithContext does.
type ctxGuardRepo struct {
	JobRepo
}

func (r ctxGuardRepo) ClaimNextRunnable(ctx context.Context) (*models.TransformJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.JobRepo.ClaimNextRunnable(ctx)
}

func (r ctxGuardRepo) Requeue(ctx context.Context, id string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.JobRepo.Requeue(ctx, id, delay)
}

func (r ctxGuardRepo) Finish(ctx context.Context, id string, updates map[string]interface{}) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.JobRepo.Finish(ctx, id, updates)
}

func waitForGenerator(t *testing.T, entered chan struct{}) {
	t.Helper()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("generator was never invoked")
	}
}

func TestShutdownRequeuesClaimedJob(t *testing.T) {
	f := newFixtureWith(t, func(r JobRepo) JobRepo { return ctxGuardRepo{JobRepo: r} })
	f.generator.entered = make(chan struct{}, 1)
	f.generator.release = make(chan struct{}) // never closed; only cancel unblocks

	job, err := f.queue.Enqueue(context.Background(), f.sessionID, "bob-cut", []byte("selfie"), "image/jpeg")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cancel := f.runPool(t)
	waitForGenerator(t, f.generator.entered)
	cancel()

	// The interrupted attempt must hand the job back, not strand it active.
	requeued := waitForStatus(t, f.repo, job.ID, models.JobStatusQueued)
	if requeued.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (shutdown must not burn an attempt)", requeued.Attempts)
	}
}

func TestCancelActiveJobDiscardsLateResult(t *testing.T) {
	f := newFixture(t)
	f.generator.entered = make(chan struct{}, 1)
	f.generator.release = make(chan struct{})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, f.sessionID, "bob-cut", []byte("selfie"), "image/jpeg")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.runPool(t)
	waitForGenerator(t, f.generator.entered)

	prev, err := f.queue.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if prev != models.JobStatusActive {
		t.Errorf("prev status = %q, want active", prev)
	}

	// Let the in-flight provider call finish; its result must not revive
	// the cancelled job.
	close(f.generator.release)
	time.Sleep(50 * time.Millisecond)

	got, err := f.queue.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobStatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	if got.ResultURL != "" {
		t.Errorf("result_url = %q, want empty on a cancelled job", got.ResultURL)
	}

	// The generation itself still landed in the cache for future callers.
	if _, ok := f.cache.Lookup(ctx, []byte("selfie"), "bob-cut"); !ok {
		t.Error("generated result missing from cache")
	}
}

func TestReclaimRequeuesOrphanedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, f.sessionID, "bob-cut", []byte("selfie"), "image/jpeg")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A worker claims the job and dies without finishing it.
	claimed, err := f.repo.ClaimNextRunnable(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claimed = %+v, want job %s", claimed, job.ID)
	}

	pool := NewPool(quietLogger(), PoolConfig{
		Concurrency:        1,
		PollInterval:       2 * time.Millisecond,
		MaxAttempts:        3,
		RetryBase:          time.Millisecond,
		ProviderRate:       1000,
		ProviderRateWindow: time.Second,
		ReclaimAfter:       5 * time.Millisecond,
	}, f.repo, f.blobs, f.service)
	startPool(t, pool)

	done := waitForStatus(t, f.repo, job.ID, models.JobStatusCompleted, models.JobStatusFailed)
	if done.Status != models.JobStatusCompleted {
		t.Fatalf("status = %q (%s), want completed", done.Status, done.ErrorReason)
	}
	if done.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (orphaned claim plus the retry)", done.Attempts)
	}
}

func TestReclaimFailsJobAtAttemptLimit(t *testing.T) {
	repo := NewMemoryJobRepo()
	ctx := context.Background()

	now := time.Now()
	if err := repo.Enqueue(ctx, &models.TransformJob{
		ID:        "stuck",
		SessionID: "s",
		StyleID:   "bob-cut",
		SourceKey: "sources/stuck",
		Status:    models.JobStatusQueued,
		RunAfter:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		claimed, err := repo.ClaimNextRunnable(ctx)
		if err != nil || claimed == nil {
			t.Fatalf("claim %d: job=%v err=%v", i+1, claimed, err)
		}
		if i < 2 {
			if err := repo.Requeue(ctx, claimed.ID, 0); err != nil {
				t.Fatalf("requeue %d: %v", i+1, err)
			}
		}
	}

	// Active with attempts at the limit; the reclaimer must not loop it.
	n, err := repo.ReclaimStuck(ctx, time.Now().Add(time.Second), 3)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Errorf("reclaimed = %d, want 1", n)
	}

	job, err := repo.Get(ctx, "stuck")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.JobStatusFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}
	if job.ErrorReason == "" {
		t.Error("error_reason empty on reclaim-failed job")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	f := newFixture(t)
	if _, err := f.queue.Cancel(context.Background(), "no-such-job"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("cancel: got %v, want ErrJobNotFound", err)
	}
}
